// Package telemetry keeps the adapter's in-process metrics (counters,
// gauges and histograms) and serves them in the Prometheus text exposition
// format. Collection hooks are plain functions so the sync components never
// import this package.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Default histogram bucket boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metric names as exposed on /metrics.
const (
	HTTPRequestDuration  = "http_server_request_duration_seconds"
	HTTPActiveRequests   = "http_server_active_requests"
	TransformTotal       = "adapter_transform_total"
	TransformDuration    = "adapter_transform_duration_seconds"
	QueueSettledTotal    = "adapter_queue_settled_total"
	PollPassesTotal      = "adapter_poll_passes_total"
	PollDispatchedTotal  = "adapter_poll_dispatched_total"
	WebhookNotifications = "adapter_webhook_notifications_total"
)

type family struct {
	name   string
	help   string
	labels []string
}

var (
	counterFamilies = []family{
		{TransformTotal, "Transformed requests by direction and result.", []string{"direction", "result"}},
		{QueueSettledTotal, "Settled queue deliveries by queue and outcome.", []string{"queue", "outcome"}},
		{PollPassesTotal, "Poll passes by resource type and result.", []string{"resource_type", "result"}},
		{PollDispatchedTotal, "Changes dispatched by poll passes.", []string{"resource_type"}},
		{WebhookNotifications, "Webhook notifications by result.", []string{"result"}},
	}
	histogramFamilies = []family{
		{HTTPRequestDuration, "Duration of HTTP requests in seconds.", []string{"method", "route", "status_code"}},
		{TransformDuration, "Duration of single transform requests in seconds.", []string{"direction"}},
	}
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Stores keyed by metric name and label values
// ---------------------------------------------------------------------------

func seriesKey(name string, values ...string) string {
	return name + "|" + strings.Join(values, "|")
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func (s *counterStore) add(key string, n int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, n)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func (s *histogramStore) getOrCreate(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is safe for concurrent use.
type Metrics struct {
	counters   *counterStore
	histograms *histogramStore
	active     atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		counters:   &counterStore{items: make(map[string]*int64)},
		histograms: &histogramStore{items: make(map[string]*histogram)},
	}
}

// Counter returns the current value of one counter series.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	return m.counters.get(seriesKey(name, labels...))
}

// Histogram returns the observation count of one histogram series.
func (m *Metrics) Histogram(name string, labels ...string) int64 {
	h, ok := m.histograms.snapshot()[seriesKey(name, labels...)]
	if !ok {
		return 0
	}
	return h.Count()
}

func (m *Metrics) ActiveRequests() int64 {
	return m.active.Load()
}

// Transformed records one orchestrator request.
func (m *Metrics) Transformed(direction, result string, elapsed time.Duration) {
	m.counters.add(seriesKey(TransformTotal, direction, result), 1)
	m.histograms.getOrCreate(seriesKey(TransformDuration, direction)).Observe(elapsed.Seconds())
}

// QueueSettled records how a delivery was settled.
func (m *Metrics) QueueSettled(queue, outcome string) {
	m.counters.add(seriesKey(QueueSettledTotal, queue, outcome), 1)
}

// PollPassed records a poll pass and the changes it dispatched, which may
// be non-zero for a pass that failed on a later page.
func (m *Metrics) PollPassed(resourceType string, dispatched int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.counters.add(seriesKey(PollPassesTotal, resourceType, result), 1)
	if dispatched > 0 {
		m.counters.add(seriesKey(PollDispatchedTotal, resourceType), int64(dispatched))
	}
}

// WebhookNotified records a webhook notification result.
func (m *Metrics) WebhookNotified(result string) {
	m.counters.add(seriesKey(WebhookNotifications, result), 1)
}

// Middleware records request duration by route pattern and tracks
// in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			defer m.active.Add(-1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := seriesKey(HTTPRequestDuration, c.Request().Method, route, strconv.Itoa(status))
			m.histograms.getOrCreate(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric family in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP %s Number of active HTTP requests.\n", HTTPActiveRequests)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", HTTPActiveRequests)
		fmt.Fprintf(&b, "%s %d\n\n", HTTPActiveRequests, m.active.Load())

		counters := m.counters.snapshot()
		for _, f := range counterFamilies {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
			fmt.Fprintf(&b, "# TYPE %s counter\n", f.name)
			for _, key := range sortedKeys(counters, f.name) {
				fmt.Fprintf(&b, "%s{%s} %d\n", f.name, labelPairs(f, key), counters[key])
			}
			b.WriteByte('\n')
		}

		histograms := m.histograms.snapshot()
		for _, f := range histogramFamilies {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
			fmt.Fprintf(&b, "# TYPE %s histogram\n", f.name)
			for _, key := range sortedKeys(histograms, f.name) {
				writeHistogram(&b, f.name, labelPairs(f, key), histograms[key])
			}
			b.WriteByte('\n')
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func sortedKeys[V any](items map[string]V, name string) []string {
	prefix := name + "|"
	var keys []string
	for k := range items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func labelPairs(f family, key string) string {
	values := strings.SplitN(strings.TrimPrefix(key, f.name+"|"), "|", len(f.labels))
	pairs := make([]string, 0, len(f.labels))
	for i, l := range f.labels {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", l, v))
	}
	return strings.Join(pairs, ",")
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
