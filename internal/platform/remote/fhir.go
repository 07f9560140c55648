package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fhirdhis/adapter/internal/platform/fhir"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/pkg/resource"
)

const fhirJSON = "application/fhir+json"

// Search parameters controlled by the poller; subscription criteria may not
// override them.
var reservedSearchParams = []string{"_count", "_sort", "_elements"}

// FHIRClient talks to a FHIR R4 (or DSTU3) REST endpoint.
type FHIRClient struct {
	t *transport
}

var (
	_ ResourceClient = (*FHIRClient)(nil)
	_ ChangeSource   = (*FHIRClient)(nil)
)

// NewFHIRClient creates a client for the FHIR base URL, e.g.
// https://fhir.example.org/R4.
func NewFHIRClient(baseURL string, opts ...Option) (*FHIRClient, error) {
	t, err := newTransport(baseURL, fhirJSON, opts)
	if err != nil {
		return nil, err
	}
	return &FHIRClient{t: t}, nil
}

func (c *FHIRClient) Get(ctx context.Context, ref resource.Ref) (resource.Resource, error) {
	var r resource.Resource
	if _, err := c.t.do(ctx, http.MethodGet, c.t.resolve(ref.String(), nil), nil, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Create POSTs r. The new id comes from the returned representation or,
// when the server returns none, from the Location header.
func (c *FHIRClient) Create(ctx context.Context, resourceType string, r resource.Resource) (resource.Ref, error) {
	body := r.Clone()
	body["resourceType"] = resourceType
	delete(body, "id")

	var created resource.Resource
	resp, err := c.t.do(ctx, http.MethodPost, c.t.resolve(resourceType, nil), body, &created)
	if err != nil {
		return resource.Ref{}, err
	}
	if id := created.ID(); id != "" {
		return resource.Ref{Type: resourceType, ID: id}, nil
	}
	if ref, ok := resource.ParseRef(resp.header.Get("Location")); ok {
		return ref, nil
	}
	return resource.Ref{}, syncerr.Technicalf("create %s: server returned no id", resourceType)
}

// Update reads the stored resource, merges r into it and PUTs the result.
func (c *FHIRClient) Update(ctx context.Context, ref resource.Ref, r resource.Resource) error {
	current, err := c.Get(ctx, ref)
	if err != nil {
		return err
	}
	merged := resource.Merge(current, r)
	merged["resourceType"] = ref.Type
	merged["id"] = ref.ID
	_, err = c.t.do(ctx, http.MethodPut, c.t.resolve(ref.String(), nil), merged, nil)
	return err
}

func (c *FHIRClient) Delete(ctx context.Context, ref resource.Ref) error {
	_, err := c.t.do(ctx, http.MethodDelete, c.t.resolve(ref.String(), nil), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *FHIRClient) FindByIdentifier(ctx context.Context, resourceType, system, value string, max int) ([]resource.Resource, error) {
	q := url.Values{}
	token := value
	if system != "" {
		token = system + "|" + value
	}
	q.Set("identifier", token)
	q.Set("_count", strconv.Itoa(max))
	return c.search(ctx, c.t.resolve(resourceType, q), max)
}

// FetchChangedSince searches resources with _lastUpdated >= Since, oldest
// first. The cursor is the bundle's next link.
func (c *FHIRClient) FetchChangedSince(ctx context.Context, q ChangeQuery) (*Page, error) {
	target := q.Cursor
	if target == "" {
		params := url.Values{}
		for k, v := range q.Criteria {
			params[k] = append([]string(nil), v...)
		}
		for _, k := range reservedSearchParams {
			params.Del(k)
		}
		params.Set("_lastUpdated", "ge"+q.Since.UTC().Format(time.RFC3339Nano))
		params.Set("_sort", "_lastUpdated")
		if q.Count > 0 {
			params.Set("_count", strconv.Itoa(q.Count))
		}
		target = c.t.resolve(q.ResourceType, params)
	}

	var b fhir.Bundle
	if _, err := c.t.do(ctx, http.MethodGet, c.t.resolve(target, nil), nil, &b); err != nil {
		return nil, err
	}
	resources, err := b.Resources()
	if err != nil {
		return nil, syncerr.Technical(err, "decode search bundle")
	}
	return &Page{Changes: changesOf(resources), Next: b.NextLink()}, nil
}

func (c *FHIRClient) search(ctx context.Context, target string, max int) ([]resource.Resource, error) {
	var b fhir.Bundle
	if _, err := c.t.do(ctx, http.MethodGet, target, nil, &b); err != nil {
		return nil, err
	}
	resources, err := b.Resources()
	if err != nil {
		return nil, syncerr.Technical(err, "decode search bundle")
	}
	if max > 0 && len(resources) > max {
		resources = resources[:max]
	}
	return resources, nil
}
