package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewBatchResponse(t *testing.T) {
	entries := []BundleEntry{
		{Response: &BundleResponse{Status: "201 Created", Location: "Patient/p1"}},
		{Response: &BundleResponse{Status: "204 No Content"}},
	}

	bundle := NewBatchResponse(entries)

	if bundle.ResourceType != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %s", bundle.ResourceType)
	}
	if bundle.Type != "batch-response" {
		t.Errorf("expected type batch-response, got %s", bundle.Type)
	}
	if bundle.Timestamp == nil {
		t.Error("expected timestamp to be set")
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if bundle.Entry[0].Response.Location != "Patient/p1" {
		t.Errorf("expected location Patient/p1, got %q", bundle.Entry[0].Response.Location)
	}
}

func TestBundle_NextLink(t *testing.T) {
	b := &Bundle{Link: []BundleLink{
		{Relation: "self", URL: "https://fhir.example.org/Patient?_count=2"},
		{Relation: "next", URL: "https://fhir.example.org/Patient?_getpages=abc"},
	}}
	if got := b.NextLink(); got != "https://fhir.example.org/Patient?_getpages=abc" {
		t.Errorf("unexpected next link %q", got)
	}

	last := &Bundle{Link: []BundleLink{{Relation: "self", URL: "x"}}}
	if got := last.NextLink(); got != "" {
		t.Errorf("expected no next link, got %q", got)
	}
}

func TestBundle_Resources(t *testing.T) {
	raw := `{
		"resourceType": "Bundle",
		"type": "searchset",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}},
			{"fullUrl": "urn:uuid:empty"},
			{"resource": {"resourceType": "OperationOutcome", "issue": []}},
			{"resource": {"resourceType": "Patient", "id": "p2"}}
		]
	}`
	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resources, err := b.Resources()
	if err != nil {
		t.Fatalf("Resources() error: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	if resources[0].ID() != "p1" || resources[1].ID() != "p2" {
		t.Errorf("unexpected resources %v", resources)
	}
}

func TestBundle_ResourcesInvalidEntry(t *testing.T) {
	b := Bundle{Entry: []BundleEntry{{Resource: json.RawMessage(`[1,2]`)}}}
	if _, err := b.Resources(); err == nil {
		t.Error("expected error for non-object entry resource")
	}
}

func TestEntryTarget(t *testing.T) {
	tests := []struct {
		name            string
		entry           BundleEntry
		wantMethod      string
		wantType        string
		wantID          string
		wantConditional bool
	}{
		{
			name: "POST without ID",
			entry: BundleEntry{
				Request: &BundleRequest{Method: "POST", URL: "Patient"},
			},
			wantMethod: "POST", wantType: "Patient",
		},
		{
			name: "PUT with ID",
			entry: BundleEntry{
				Request: &BundleRequest{Method: "put", URL: "Patient/123"},
			},
			wantMethod: "PUT", wantType: "Patient", wantID: "123",
		},
		{
			name: "DELETE conditional",
			entry: BundleEntry{
				Request: &BundleRequest{Method: "DELETE", URL: "Patient?identifier=a|b"},
			},
			wantMethod: "DELETE", wantType: "Patient", wantConditional: true,
		},
		{
			name: "leading slash",
			entry: BundleEntry{
				Request: &BundleRequest{Method: "PUT", URL: "/Observation/obs-1"},
			},
			wantMethod: "PUT", wantType: "Observation", wantID: "obs-1",
		},
		{
			name:  "nil request",
			entry: BundleEntry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, resType, resID, conditional := EntryTarget(tt.entry)
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
			if resType != tt.wantType {
				t.Errorf("resourceType = %q, want %q", resType, tt.wantType)
			}
			if resID != tt.wantID {
				t.Errorf("resourceID = %q, want %q", resID, tt.wantID)
			}
			if conditional != tt.wantConditional {
				t.Errorf("conditional = %v, want %v", conditional, tt.wantConditional)
			}
		})
	}
}

func TestConditionalField(t *testing.T) {
	tests := []struct {
		req  *BundleRequest
		want string
	}{
		{nil, ""},
		{&BundleRequest{Method: "PUT", URL: "Patient/1"}, ""},
		{&BundleRequest{Method: "PUT", URL: "Patient/1", IfMatch: `W/"2"`}, "ifMatch"},
		{&BundleRequest{Method: "GET", URL: "Patient/1", IfNoneMatch: `W/"2"`}, "ifNoneMatch"},
		{&BundleRequest{Method: "POST", URL: "Patient", IfNoneExist: "identifier=x"}, "ifNoneExist"},
		{&BundleRequest{Method: "GET", URL: "Patient/1", IfModifiedSince: "2024-01-01"}, "ifModifiedSince"},
	}
	for _, tt := range tests {
		if got := ConditionalField(BundleEntry{Request: tt.req}); got != tt.want {
			t.Errorf("ConditionalField(%+v) = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "abc-123"); got != "Patient/abc-123" {
		t.Errorf("expected Patient/abc-123, got %s", got)
	}
}
