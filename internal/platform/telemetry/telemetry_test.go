package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1})
	h.Observe(0.0625)
	h.Observe(0.5)
	h.Observe(0.5)
	h.Observe(3)

	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 3 {
		t.Errorf("expected cumulative [1 3], got %v", cum)
	}
	if h.Count() != 4 {
		t.Errorf("expected count 4, got %d", h.Count())
	}
	if h.Sum() != 4.0625 {
		t.Errorf("expected sum 4.0625, got %g", h.Sum())
	}
}

func TestMetrics_ConcurrentCounters(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.QueueSettled("change", "ack")
		}()
	}
	wg.Wait()
	if got := m.Counter(QueueSettledTotal, "change", "ack"); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestMetrics_Hooks(t *testing.T) {
	m := New()
	m.Transformed("fhir-to-dhis", "written", 20*time.Millisecond)
	m.Transformed("fhir-to-dhis", "written", 30*time.Millisecond)
	m.Transformed("dhis-to-fhir", "rejected", time.Millisecond)
	m.PollPassed("Patient", 3, nil)
	m.PollPassed("Patient", 2, errors.New("page failed"))
	m.PollPassed("Observation", 0, nil)
	m.WebhookNotified("dropped")

	tests := []struct {
		name   string
		metric string
		labels []string
		want   int64
	}{
		{"written", TransformTotal, []string{"fhir-to-dhis", "written"}, 2},
		{"rejected", TransformTotal, []string{"dhis-to-fhir", "rejected"}, 1},
		{"pass ok", PollPassesTotal, []string{"Patient", "ok"}, 1},
		{"pass error", PollPassesTotal, []string{"Patient", "error"}, 1},
		{"dispatched", PollDispatchedTotal, []string{"Patient"}, 5},
		{"nothing dispatched", PollDispatchedTotal, []string{"Observation"}, 0},
		{"webhook", WebhookNotifications, []string{"dropped"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Counter(tt.metric, tt.labels...); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
	if got := m.Histogram(TransformDuration, "fhir-to-dhis"); got != 2 {
		t.Errorf("expected 2 duration observations, got %d", got)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/rules/:id", func(c echo.Context) error {
		if m.ActiveRequests() != 1 {
			t.Errorf("expected 1 active request, got %d", m.ActiveRequests())
		}
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules/42", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := m.Histogram(HTTPRequestDuration, http.MethodGet, "/api/v1/rules/:id", "404"); got != 1 {
		t.Errorf("expected 1 observation for route pattern, got %d", got)
	}
	if m.ActiveRequests() != 0 {
		t.Errorf("expected no active requests, got %d", m.ActiveRequests())
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.QueueSettled("change", "dead_letter")
	m.Transformed("fhir-to-dhis", "skipped", 2*time.Second)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/plain") {
		t.Errorf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_server_active_requests gauge",
		"http_server_active_requests 0",
		"# TYPE adapter_queue_settled_total counter",
		`adapter_queue_settled_total{queue="change",outcome="dead_letter"} 1`,
		`adapter_transform_total{direction="fhir-to-dhis",result="skipped"} 1`,
		"# TYPE adapter_transform_duration_seconds histogram",
		`adapter_transform_duration_seconds_bucket{direction="fhir-to-dhis",le="1"} 0`,
		`adapter_transform_duration_seconds_bucket{direction="fhir-to-dhis",le="2.5"} 1`,
		`adapter_transform_duration_seconds_bucket{direction="fhir-to-dhis",le="+Inf"} 1`,
		`adapter_transform_duration_seconds_count{direction="fhir-to-dhis"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}
