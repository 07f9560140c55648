// Package fhir holds the FHIR wire types shared by the remote client and the
// batch endpoint: bundles and operation outcomes.
package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fhirdhis/adapter/pkg/resource"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method          string `json:"method"`
	URL             string `json:"url"`
	IfNoneMatch     string `json:"ifNoneMatch,omitempty"`
	IfModifiedSince string `json:"ifModifiedSince,omitempty"`
	IfMatch         string `json:"ifMatch,omitempty"`
	IfNoneExist     string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// NewBatchResponse creates a batch-response Bundle from entry outcomes.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NextLink returns the URL of the "next" link, or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources decodes the entry resources, skipping entries without one and
// OperationOutcome entries added by servers as search warnings.
func (b *Bundle) Resources() ([]resource.Resource, error) {
	out := make([]resource.Resource, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		r, err := resource.Parse(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if r.Type() == "OperationOutcome" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// EntryTarget extracts the HTTP method, resource type and id from a bundle
// entry request. conditional is set when the URL carries search parameters.
func EntryTarget(entry BundleEntry) (method, resourceType, resourceID string, conditional bool) {
	if entry.Request == nil {
		return "", "", "", false
	}

	method = strings.ToUpper(entry.Request.Method)

	// Expected format is "ResourceType" or "ResourceType/id".
	url := strings.TrimPrefix(entry.Request.URL, "/")
	if idx := strings.Index(url, "?"); idx != -1 {
		url = url[:idx]
		conditional = true
	}

	parts := strings.SplitN(url, "/", 2)
	resourceType = parts[0]
	if len(parts) == 2 {
		resourceID = parts[1]
	}
	return method, resourceType, resourceID, conditional
}

// ConditionalField returns the name of the first conditional request field
// set on the entry, or "".
func ConditionalField(entry BundleEntry) string {
	r := entry.Request
	switch {
	case r == nil:
		return ""
	case r.IfMatch != "":
		return "ifMatch"
	case r.IfNoneMatch != "":
		return "ifNoneMatch"
	case r.IfNoneExist != "":
		return "ifNoneExist"
	case r.IfModifiedSince != "":
		return "ifModifiedSince"
	}
	return ""
}

// FormatReference returns "Type/id".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
