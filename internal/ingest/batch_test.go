package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/fhir"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/transform"
)

type funcProcessor struct {
	reqs []transform.Request
	fn   func(transform.Request) (*transform.Report, error)
}

func (p *funcProcessor) Process(_ context.Context, req transform.Request) (*transform.Report, error) {
	p.reqs = append(p.reqs, req)
	return p.fn(req)
}

func written(created bool) func(transform.Request) (*transform.Report, error) {
	return func(req transform.Request) (*transform.Report, error) {
		out := &transform.Outcome{Source: req.Ref(), Created: created, Deleted: req.Delete(), State: transform.StateComplete}
		return &transform.Report{Outcomes: []*transform.Outcome{out}}, nil
	}
}

func postBatch(t *testing.T, h *BatchHandler, body string) (*httptest.ResponseRecorder, fhir.Bundle) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/fhir", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, fhirJSON)
	rec := httptest.NewRecorder()
	if err := h.Batch(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var b fhir.Bundle
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, b
}

func batchOf(entries ...string) string {
	return `{"resourceType":"Bundle","type":"batch","entry":[` + strings.Join(entries, ",") + `]}`
}

func TestBatch_EntryStatuses(t *testing.T) {
	proc := &funcProcessor{fn: written(true)}
	h := NewBatchHandler(proc, newFakeRemote(), "R4", zerolog.Nop())

	rec, b := postBatch(t, h, batchOf(
		`{"fullUrl":"urn:uuid:p-1","resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient"}}`,
		`{"resource":{"resourceType":"Patient","id":"p-2"},"request":{"method":"PUT","url":"Patient/p-2"}}`,
		`{"request":{"method":"DELETE","url":"Patient/p-3"}}`,
		`{"request":{"method":"GET","url":"Patient/p-4"}}`,
		`{"resource":{"resourceType":"Patient","id":"x"},"request":{"method":"PUT","url":"Patient/p-5"}}`,
		`{"resource":{"resourceType":"Patient"},"request":{"method":"PUT","url":"Patient/p-6","ifMatch":"W/\"1\""}}`,
		`{"resource":{"resourceType":"Patient"},"request":{"method":"POST","url":"Patient","ifNoneExist":"identifier=a|b"}}`,
		`{"request":{"method":"DELETE","url":"Patient?identifier=a|b"}}`,
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if b.Type != "batch-response" {
		t.Errorf("expected batch-response, got %q", b.Type)
	}

	want := []struct {
		status   string
		location string
	}{
		{"201 Created", "Patient/p-1"},
		{"201 Created", "Patient/p-2"},
		{"204 No Content", ""},
		{"400 Bad Request", ""},
		{"400 Bad Request", ""},
		{"412 Precondition Failed", ""},
		{"400 Bad Request", ""},
		{"400 Bad Request", ""},
	}
	if len(b.Entry) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(b.Entry))
	}
	for i, w := range want {
		got := b.Entry[i].Response
		if got == nil || got.Status != w.status || got.Location != w.location {
			t.Errorf("entry %d: expected %s %q, got %+v", i, w.status, w.location, got)
		}
	}

	if len(proc.reqs) != 3 {
		t.Fatalf("expected 3 processed entries, got %d", len(proc.reqs))
	}
	for _, r := range proc.reqs {
		if r.Origin() != transform.OriginBatch {
			t.Errorf("expected batch origin, got %s", r.Origin())
		}
	}
	if !proc.reqs[2].Delete() {
		t.Error("expected DELETE entry to be a delete request")
	}
	if proc.reqs[0].Source().ID() != "p-1" {
		t.Errorf("expected id from fullUrl, got %q", proc.reqs[0].Source().ID())
	}
}

func TestBatch_ProcessingFailures(t *testing.T) {
	tests := []struct {
		name   string
		report *transform.Report
		err    error
		status string
	}{
		{
			name:   "data failure",
			report: &transform.Report{Failures: []transform.Failure{{Err: syncerr.Dataf("missing birth date")}}},
			status: "422 Unprocessable Entity",
		},
		{
			name:   "technical error",
			report: &transform.Report{},
			err:    syncerr.Technicalf("dhis unavailable"),
			status: "503 Service Unavailable",
		},
		{
			name:   "fatal error",
			report: &transform.Report{},
			err:    syncerr.Fatalf("script threw"),
			status: "500 Internal Server Error",
		},
		{
			name:   "skipped",
			report: &transform.Report{Outcomes: []*transform.Outcome{{State: transform.StateSkipped}}},
			status: "200 OK",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &funcProcessor{fn: func(transform.Request) (*transform.Report, error) { return tt.report, tt.err }}
			h := NewBatchHandler(proc, newFakeRemote(), "R4", zerolog.Nop())

			_, b := postBatch(t, h, batchOf(`{"resource":{"resourceType":"Patient","id":"p-1"},"request":{"method":"PUT","url":"Patient/p-1"}}`))
			if len(b.Entry) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(b.Entry))
			}
			got := b.Entry[0].Response
			if got.Status != tt.status {
				t.Errorf("expected %s, got %s", tt.status, got.Status)
			}
			if got.Outcome == nil {
				t.Error("expected an outcome")
			}
		})
	}
}

func TestBatch_RejectsNonBatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"transaction", `{"resourceType":"Bundle","type":"transaction","entry":[]}`},
		{"searchset", `{"resourceType":"Bundle","type":"searchset"}`},
		{"not a bundle", `{"resourceType":"Patient"}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &funcProcessor{fn: written(true)}
			h := NewBatchHandler(proc, newFakeRemote(), "R4", zerolog.Nop())
			rec, _ := postBatch(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "OperationOutcome") {
				t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
			}
			if len(proc.reqs) != 0 {
				t.Error("expected nothing processed")
			}
		})
	}
}
