package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

// Option configures a client.
type Option func(*transport)

// WithTimeout bounds a single HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(t *transport) { t.timeout = d }
}

// WithRetryMax sets how often reads are retried on 5xx, 429 and connection
// errors. Writes are never retried here; the queue layer redelivers them.
func WithRetryMax(n int) Option {
	return func(t *transport) { t.retryMax = n }
}

// WithRetryWait sets the backoff bounds between read retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(t *transport) { t.waitMin, t.waitMax = min, max }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(t *transport) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(name, value string) Option {
	return func(t *transport) {
		if value != "" {
			t.header.Set(name, value)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *transport) { t.logger = l }
}

type transport struct {
	base        *url.URL
	contentType string
	header      http.Header
	timeout     time.Duration
	retryMax    int
	waitMin     time.Duration
	waitMax     time.Duration
	limiter     *rate.Limiter
	logger      zerolog.Logger

	reads  *retryablehttp.Client
	writes *http.Client
}

func newTransport(baseURL, contentType string, opts []Option) (*transport, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %q", baseURL)
	}
	t := &transport{
		base:        base,
		contentType: contentType,
		header:      make(http.Header),
		timeout:     30 * time.Second,
		retryMax:    3,
		waitMin:     500 * time.Millisecond,
		waitMax:     5 * time.Second,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = t.retryMax
	rc.RetryWaitMin = t.waitMin
	rc.RetryWaitMax = t.waitMax
	rc.HTTPClient.Timeout = t.timeout
	rc.Logger = leveledLogger{t.logger}
	// Hand back the last response so its status can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	t.reads = rc
	t.writes = rc.HTTPClient
	return t, nil
}

// resolve joins path segments and query onto the base URL. An absolute ref
// (a paging link) is used as is.
func (t *transport) resolve(ref string, query url.Values) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(ref, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type response struct {
	status int
	header http.Header
}

// do executes one request and decodes a JSON body into out when out is
// non-nil. GET requests go through the retrying client.
func (t *transport) do(ctx context.Context, method, target string, body, out interface{}) (*response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, syncerr.Fatal(err, "encode request body")
		}
	}

	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodGet {
		var req *retryablehttp.Request
		req, err = retryablehttp.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, syncerr.Fatal(err, "build request")
		}
		t.prepare(req.Request, false)
		resp, err = t.reads.Do(req)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, syncerr.Fatal(err, "build request")
		}
		t.prepare(req, payload != nil)
		resp, err = t.writes.Do(req)
	}
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, ctxErr)
		}
		return nil, syncerr.Technical(err, method+" "+target)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, syncerr.Technical(err, "read response body")
	}
	t.logger.Debug().Str("method", method).Str("url", target).Int("status", resp.StatusCode).Msg("remote request")

	if err := classifyStatus(method, target, resp.StatusCode, raw); err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, syncerr.Technical(err, "decode response from "+target)
		}
	}
	return &response{status: resp.StatusCode, header: resp.Header}, nil
}

func (t *transport) prepare(req *http.Request, hasBody bool) {
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", t.contentType)
	if hasBody {
		req.Header.Set("Content-Type", t.contentType)
	}
}

// classifyStatus maps a remote status code onto the error taxonomy:
// rejected payloads are data errors, everything else that failed is
// technical and therefore retried.
func classifyStatus(method, target string, status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s %s: %w", method, target, ErrNotFound)
	case status == http.StatusBadRequest, status == http.StatusConflict,
		status == http.StatusPreconditionFailed, status == http.StatusUnprocessableEntity:
		return syncerr.Dataf("%s %s rejected with %d: %s", method, target, status, snippet(body))
	default:
		return syncerr.Technicalf("%s %s failed with %d: %s", method, target, status, snippet(body))
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// IsNotFound reports whether err means the remote resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct{ l zerolog.Logger }

func (z leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e = e.Interface(k, kv[i+1])
		}
	}
	e.Msg(msg)
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.event(z.l.Error(), msg, kv) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.event(z.l.Debug(), msg, kv) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.event(z.l.Debug(), msg, kv) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.event(z.l.Warn(), msg, kv) }
