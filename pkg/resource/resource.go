// Package resource provides helpers for schemaless FHIR and DHIS2 payloads.
// Both sides are handled as decoded JSON objects so that rule scripts can
// read and write any field.
package resource

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resource is a decoded JSON object.
type Resource map[string]interface{}

// Parse decodes raw JSON into a Resource.
func Parse(raw []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("parse resource: not a JSON object")
	}
	return r, nil
}

// JSON encodes r.
func (r Resource) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Type returns the FHIR resourceType, or "" for payloads without one.
func (r Resource) Type() string { return r.String("resourceType") }

// ID returns the FHIR id.
func (r Resource) ID() string { return r.String("id") }

// Ref returns the Type/ID reference of r.
func (r Resource) Ref() Ref { return Ref{Type: r.Type(), ID: r.ID()} }

// LastUpdated returns meta.lastUpdated, or the zero time.
func (r Resource) LastUpdated() time.Time {
	s := r.String("meta", "lastUpdated")
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// VersionID returns meta.versionId.
func (r Resource) VersionID() string { return r.String("meta", "versionId") }

// Get walks path through nested objects.
func (r Resource) Get(path ...string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(r)
	for _, p := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "".
func (r Resource) String(path ...string) string {
	v, ok := r.Get(path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set assigns value at path, creating intermediate objects.
func (r Resource) Set(value interface{}, path ...string) {
	if len(path) == 0 {
		return
	}
	cur := map[string]interface{}(r)
	for _, p := range path[:len(path)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// Identifier returns the value of the first identifier with the given system.
// An empty system matches the first identifier.
func (r Resource) Identifier(system string) string {
	for _, item := range r.objects("identifier") {
		if system == "" || item["system"] == system {
			if v, ok := item["value"].(string); ok {
				return v
			}
		}
	}
	return ""
}

// Code returns the first coding code with the given system from code or
// vaccineCode.
func (r Resource) Code(system string) string {
	for _, field := range []string{"code", "vaccineCode"} {
		cc, ok := asMap(r[field])
		if !ok {
			continue
		}
		for _, coding := range objects(cc["coding"]) {
			if system == "" || coding["system"] == system {
				if v, ok := coding["code"].(string); ok {
					return v
				}
			}
		}
	}
	return ""
}

// Reference returns the reference string of a Reference-typed field such as
// "subject".
func (r Resource) Reference(field string) (Ref, bool) {
	return ParseRef(r.String(field, "reference"))
}

// Contained reports whether r is a contained resource (local id "#...").
func (r Resource) Contained() bool {
	return strings.HasPrefix(r.ID(), "#")
}

// Clone returns a deep copy of r.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return DeepCopy(map[string]interface{}(r)).(map[string]interface{})
}

// Merge overlays src onto a copy of dst. Nested objects are merged
// recursively; arrays and scalars from src replace those in dst.
func Merge(dst, src Resource) Resource {
	out := dst.Clone()
	if out == nil {
		out = Resource{}
	}
	mergeInto(out, src)
	return out
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		sm, sok := asMap(v)
		dm, dok := asMap(dst[k])
		if sok && dok {
			mergeInto(dm, sm)
			continue
		}
		dst[k] = DeepCopy(v)
	}
}

// DeepCopy copies nested maps and slices of decoded JSON.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case Resource:
		return Resource(DeepCopy(map[string]interface{}(t)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// Keys returns the sorted top-level keys.
func (r Resource) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Resource) objects(field string) []map[string]interface{} {
	return objects(r[field])
}

func objects(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, e := range list {
		if m, ok := asMap(e); ok {
			out = append(out, m)
		}
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case Resource:
		return t, true
	}
	return nil, false
}

// Ref identifies a resource on either side as Type/ID.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ParseRef parses "Type/ID", ignoring any leading base URL and trailing
// _history segment.
func ParseRef(s string) (Ref, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "/_history/"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 {
		return Ref{}, false
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ == "" || id == "" {
		return Ref{}, false
	}
	return Ref{Type: typ, ID: id}, true
}

func (r Ref) String() string { return r.Type + "/" + r.ID }

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool { return r.Type == "" && r.ID == "" }

// AdapterIdentifier is the deterministic business identifier stamped on
// target resources created from ref, used to find them again when no
// assignment is recorded.
func AdapterIdentifier(ref Ref) string {
	return "FHIR_" + ref.Type + "_" + ref.ID
}
