package remote

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// DHIS2 resource kinds used as rule target types.
const (
	KindTrackedEntity     = "TRACKED_ENTITY"
	KindEnrollment        = "ENROLLMENT"
	KindProgramStageEvent = "PROGRAM_STAGE_EVENT"
	KindOrganisationUnit  = "ORGANIZATION_UNIT"
)

type dhisKind struct {
	path    string
	idField string
	// filterable kinds support identifier search.
	filterable bool
	tracker    bool
}

var dhisKinds = map[string]dhisKind{
	KindTrackedEntity:     {path: "trackedEntityInstances", idField: "trackedEntityInstance", filterable: true, tracker: true},
	KindEnrollment:        {path: "enrollments", idField: "enrollment", tracker: true},
	KindProgramStageEvent: {path: "events", idField: "event", tracker: true},
	KindOrganisationUnit:  {path: "organisationUnits", idField: "id", filterable: true},
}

// IsDHISKind reports whether typ names a DHIS2 resource kind rather than a
// FHIR resource type.
func IsDHISKind(typ string) bool {
	_, ok := dhisKinds[typ]
	return ok
}

const dhisTimeLayout = "2006-01-02T15:04:05.000"

// DHISClient talks to the DHIS2 Web API.
type DHISClient struct {
	t *transport
}

var (
	_ ResourceClient = (*DHISClient)(nil)
	_ ChangeSource   = (*DHISClient)(nil)
)

// NewDHISClient creates a client for a DHIS2 instance, e.g.
// https://play.dhis2.org/2.39.
func NewDHISClient(baseURL, username, password string, opts ...Option) (*DHISClient, error) {
	if username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		opts = append([]Option{WithHeader("Authorization", "Basic "+cred)}, opts...)
	}
	t, err := newTransport(strings.TrimRight(baseURL, "/")+"/api", "application/json", opts)
	if err != nil {
		return nil, err
	}
	return &DHISClient{t: t}, nil
}

func kindOf(typ string) (dhisKind, error) {
	k, ok := dhisKinds[typ]
	if !ok {
		return dhisKind{}, syncerr.Mappingf("unsupported DHIS2 resource type %q", typ)
	}
	return k, nil
}

func (c *DHISClient) Get(ctx context.Context, ref resource.Ref) (resource.Resource, error) {
	k, err := kindOf(ref.Type)
	if err != nil {
		return nil, err
	}
	q := url.Values{"fields": {"*"}}
	var r resource.Resource
	if _, err := c.t.do(ctx, http.MethodGet, c.t.resolve(k.path+"/"+url.PathEscape(ref.ID), q), nil, &r); err != nil {
		return nil, err
	}
	return annotate(ref.Type, k, r), nil
}

// Create assigns a DHIS2 uid client side when the payload carries none, so
// the id is known even when the import summary is terse.
func (c *DHISClient) Create(ctx context.Context, resourceType string, r resource.Resource) (resource.Ref, error) {
	k, err := kindOf(resourceType)
	if err != nil {
		return resource.Ref{}, err
	}
	body := wire(k, r)
	id, _ := body[k.idField].(string)
	if id == "" {
		if id, err = NewUID(); err != nil {
			return resource.Ref{}, syncerr.Technical(err, "generate uid")
		}
		body[k.idField] = id
	}

	var summary importSummary
	if _, err := c.t.do(ctx, http.MethodPost, c.t.resolve(k.path, nil), body, &summary); err != nil {
		return resource.Ref{}, err
	}
	if err := summary.err(resourceType); err != nil {
		return resource.Ref{}, err
	}
	return resource.Ref{Type: resourceType, ID: id}, nil
}

// Update PUTs r with mergeMode=MERGE so unset fields keep their stored value.
func (c *DHISClient) Update(ctx context.Context, ref resource.Ref, r resource.Resource) error {
	k, err := kindOf(ref.Type)
	if err != nil {
		return err
	}
	body := wire(k, r)
	body[k.idField] = ref.ID
	q := url.Values{"mergeMode": {"MERGE"}}
	var summary importSummary
	if _, err := c.t.do(ctx, http.MethodPut, c.t.resolve(k.path+"/"+url.PathEscape(ref.ID), q), body, &summary); err != nil {
		return err
	}
	return summary.err(ref.Type)
}

func (c *DHISClient) Delete(ctx context.Context, ref resource.Ref) error {
	k, err := kindOf(ref.Type)
	if err != nil {
		return err
	}
	_, err = c.t.do(ctx, http.MethodDelete, c.t.resolve(k.path+"/"+url.PathEscape(ref.ID), nil), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// FindByIdentifier searches tracked entities by attribute (system is the
// attribute uid) and organisation units by property (system defaults to
// code). Other kinds have no business identifier and never match.
func (c *DHISClient) FindByIdentifier(ctx context.Context, resourceType, system, value string, max int) ([]resource.Resource, error) {
	k, err := kindOf(resourceType)
	if err != nil {
		return nil, err
	}
	if !k.filterable {
		return nil, nil
	}
	q := url.Values{"fields": {"*"}, "pageSize": {strconv.Itoa(max)}}
	if k.tracker {
		if system == "" {
			return nil, syncerr.Mappingf("identifier search on %s needs an attribute", resourceType)
		}
		q.Set("filter", system+":EQ:"+value)
		q.Set("ouMode", "ACCESSIBLE")
	} else {
		if system == "" {
			system = "code"
		}
		q.Set("filter", system+":eq:"+value)
		q.Set("paging", "true")
	}
	list, _, err := c.list(ctx, resourceType, k, q)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	return list, nil
}

// FetchChangedSince pages through resources with lastUpdated >= Since. The
// cursor is the next page number.
func (c *DHISClient) FetchChangedSince(ctx context.Context, q ChangeQuery) (*Page, error) {
	k, err := kindOf(q.ResourceType)
	if err != nil {
		return nil, err
	}
	page := 1
	if q.Cursor != "" {
		if page, err = strconv.Atoi(q.Cursor); err != nil || page < 1 {
			return nil, syncerr.Fatalf("invalid DHIS2 page cursor %q", q.Cursor)
		}
	}
	count := q.Count
	if count <= 0 {
		count = 50
	}
	params := url.Values{}
	for key, v := range q.Criteria {
		params[key] = append([]string(nil), v...)
	}
	params.Set("fields", "*")
	params.Set("lastUpdatedStartDate", q.Since.UTC().Format(dhisTimeLayout))
	params.Set("order", "lastUpdated:asc")
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(count))
	if k.tracker {
		params.Set("ouMode", "ACCESSIBLE")
	}

	list, more, err := c.list(ctx, q.ResourceType, k, params)
	if err != nil {
		return nil, err
	}
	out := &Page{Changes: make([]Change, 0, len(list))}
	for _, r := range list {
		out.Changes = append(out.Changes, Change{Ref: r.Ref(), LastUpdated: dhisLastUpdated(r), Resource: r})
	}
	if more || len(list) == count {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (c *DHISClient) list(ctx context.Context, typ string, k dhisKind, q url.Values) ([]resource.Resource, bool, error) {
	var body map[string]interface{}
	if _, err := c.t.do(ctx, http.MethodGet, c.t.resolve(k.path, q), nil, &body); err != nil {
		return nil, false, err
	}
	raw, _ := body[k.path].([]interface{})
	out := make([]resource.Resource, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, annotate(typ, k, resource.Resource(m)))
		}
	}
	more := false
	if pager, ok := body["pager"].(map[string]interface{}); ok {
		_, more = pager["nextPage"]
	}
	return out, more, nil
}

// annotate adds resourceType and id so DHIS2 payloads can be handled like
// FHIR resources inside the engine.
func annotate(typ string, k dhisKind, r resource.Resource) resource.Resource {
	if r == nil {
		return nil
	}
	r["resourceType"] = typ
	if id, ok := r[k.idField].(string); ok {
		r["id"] = id
	}
	return r
}

// wire strips the engine annotations before sending r to DHIS2.
func wire(k dhisKind, r resource.Resource) resource.Resource {
	body := r.Clone()
	delete(body, "resourceType")
	if k.idField != "id" {
		if id := body.ID(); id != "" {
			if _, ok := body[k.idField]; !ok {
				body[k.idField] = id
			}
		}
		delete(body, "id")
	}
	return body
}

func dhisLastUpdated(r resource.Resource) time.Time {
	s := r.String("lastUpdated")
	for _, layout := range []string{dhisTimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// importSummary covers both the tracker and the metadata import reports.
type importSummary struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Response struct {
		Status          string          `json:"status"`
		Description     string          `json:"description"`
		ImportSummaries []importOutcome `json:"importSummaries"`
		Conflicts       []conflict      `json:"conflicts"`
	} `json:"response"`
}

type importOutcome struct {
	Status      string     `json:"status"`
	Description string     `json:"description"`
	Conflicts   []conflict `json:"conflicts"`
}

type conflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

func (s importSummary) err(typ string) error {
	outcomes := append([]importOutcome{{Status: s.Response.Status, Description: s.Response.Description, Conflicts: s.Response.Conflicts}}, s.Response.ImportSummaries...)
	for _, o := range outcomes {
		if o.Status != "ERROR" {
			continue
		}
		msg := o.Description
		for _, c := range o.Conflicts {
			msg += "; " + c.Object + ": " + c.Value
		}
		if msg == "" {
			msg = s.Message
		}
		return syncerr.Dataf("DHIS2 rejected %s: %s", typ, strings.TrimPrefix(msg, "; "))
	}
	return nil
}

const (
	uidLetters  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	uidAlphaNum = uidLetters + "0123456789"
)

// NewUID returns an 11 character DHIS2 identifier starting with a letter.
func NewUID() (string, error) {
	var b strings.Builder
	for i := 0; i < 11; i++ {
		set := uidAlphaNum
		if i == 0 {
			set = uidLetters
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
		if err != nil {
			return "", err
		}
		b.WriteByte(set[n.Int64()])
	}
	return b.String(), nil
}
