package rule

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/script"
)

type fixture struct {
	rules   *MemoryRepository
	scripts *script.MemoryRepository
	store   *Store
	svc     *Service
	tx      *script.Script
	app     *script.Script
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		rules:   NewMemoryRepository(),
		scripts: script.NewMemoryRepository(),
	}
	f.store = NewStore(f.rules, f.scripts, zerolog.Nop())
	f.svc = NewService(f.rules, f.scripts, f.store)

	f.tx = &script.Script{Name: "tx", Kind: script.KindTransform, Source: "return true;"}
	f.app = &script.Script{Name: "app", Kind: script.KindApplicability, Source: "return true;"}
	if err := f.svc.CreateScript(ctx, f.tx); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CreateScript(ctx, f.app); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) add(t *testing.T, r *Rule) *Rule {
	t.Helper()
	if r.Name == "" {
		r.Name = uuid.NewString()
	}
	if r.Direction == "" {
		r.Direction = FHIRToDHIS
	}
	if r.TransformScriptID == uuid.Nil {
		r.TransformScriptID = f.tx.ID
	}
	r.Enabled = true
	if err := f.svc.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("CreateRule() error: %v", err)
	}
	return r
}

func TestStore_FindApplicableOrdering(t *testing.T) {
	f := newFixture(t)
	ids := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		uuid.MustParse("00000000-0000-0000-0000-000000000004"),
	}
	f.add(t, &Rule{ID: ids[0], EvaluationOrder: 10, SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	f.add(t, &Rule{ID: ids[1], EvaluationOrder: 10, SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	f.add(t, &Rule{ID: ids[2], EvaluationOrder: 0, SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	f.add(t, &Rule{ID: ids[3], EvaluationOrder: 100, SourceType: "Patient", TargetType: "TRACKED_ENTITY"})

	rules, err := f.store.FindApplicable(context.Background(), "Patient", "", "R4")
	if err != nil {
		t.Fatalf("FindApplicable() error: %v", err)
	}
	want := []uuid.UUID{ids[3], ids[1], ids[0], ids[2]}
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i, r := range rules {
		if r.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, r.ID, want[i])
		}
		if r.Transform == nil || r.Transform.ID != f.tx.ID {
			t.Errorf("expected transform script resolved on %s", r.ID)
		}
	}
}

func TestStore_Filters(t *testing.T) {
	f := newFixture(t)
	appID := f.app.ID
	f.add(t, &Rule{Name: "r4-only", SourceType: "Patient", TargetType: "TRACKED_ENTITY", FHIRVersions: []string{"R4"}, ApplicabilityScriptID: &appID})
	f.add(t, &Rule{Name: "dstu3-only", SourceType: "Patient", TargetType: "TRACKED_ENTITY", FHIRVersions: []string{"DSTU3"}})
	f.add(t, &Rule{Name: "any", SourceType: "Patient", TargetType: "ENROLLMENT"})
	f.rules.Create(context.Background(), &Rule{Name: "disabled", Direction: FHIRToDHIS, SourceType: "Patient", TargetType: "TRACKED_ENTITY", TransformScriptID: f.tx.ID})
	f.add(t, &Rule{Name: "other-source", SourceType: "Observation", TargetType: "EVENT"})

	tests := []struct {
		target  string
		version string
		want    []string
	}{
		{"", "R4", []string{"any", "r4-only"}},
		{"TRACKED_ENTITY", "R4", []string{"r4-only"}},
		{"TRACKED_ENTITY", "DSTU3", []string{"dstu3-only"}},
		{"EVENT", "R4", nil},
	}
	for _, tt := range tests {
		rules, err := f.store.FindApplicable(context.Background(), "Patient", tt.target, tt.version)
		if err != nil {
			t.Fatal(err)
		}
		got := map[string]bool{}
		for _, r := range rules {
			got[r.Name] = true
		}
		if len(got) != len(tt.want) {
			t.Errorf("FindApplicable(%q, %q) = %v, want %v", tt.target, tt.version, got, tt.want)
			continue
		}
		for _, n := range tt.want {
			if !got[n] {
				t.Errorf("FindApplicable(%q, %q) missing %s", tt.target, tt.version, n)
			}
		}
	}

	rules, _ := f.store.FindApplicable(context.Background(), "Patient", "TRACKED_ENTITY", "R4")
	if rules[0].Applicability == nil || rules[0].Applicability.ID != appID {
		t.Error("expected applicability script resolved")
	}
}

func TestStore_CacheAndInvalidate(t *testing.T) {
	f := newFixture(t)
	f.add(t, &Rule{SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.store.FindApplicable(ctx, "Patient", "", "R4")
	}
	if f.rules.Reads != 1 {
		t.Errorf("expected one repository read, got %d", f.rules.Reads)
	}

	f.store.FindApplicable(ctx, "Patient", "", "DSTU3")
	if f.rules.Reads != 2 {
		t.Errorf("expected version to be part of the cache key, got %d reads", f.rules.Reads)
	}

	f.add(t, &Rule{SourceType: "Patient", TargetType: "ENROLLMENT"})
	rules, _ := f.store.FindApplicable(ctx, "Patient", "", "R4")
	if len(rules) != 2 {
		t.Errorf("expected cache invalidated on create, got %d rules", len(rules))
	}
}

// gatedRepository parks the first ListEnabledBySource call after it has
// read the rules until release is closed.
type gatedRepository struct {
	*MemoryRepository
	fetched chan struct{}
	release chan struct{}
	calls   int
}

func (g *gatedRepository) ListEnabledBySource(ctx context.Context, sourceType string) ([]*Rule, error) {
	rules, err := g.MemoryRepository.ListEnabledBySource(ctx, sourceType)
	g.calls++
	if g.calls == 1 {
		close(g.fetched)
		<-g.release
	}
	return rules, err
}

func TestStore_DisableDuringLoad(t *testing.T) {
	f := newFixture(t)
	r := f.add(t, &Rule{SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	ctx := context.Background()

	repo := &gatedRepository{MemoryRepository: f.rules, fetched: make(chan struct{}), release: make(chan struct{})}
	store := NewStore(repo, f.scripts, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.FindApplicable(ctx, "Patient", "", "R4")
	}()
	<-repo.fetched

	disabled := *r
	disabled.Enabled = false
	if err := f.rules.Update(ctx, &disabled); err != nil {
		t.Fatal(err)
	}
	store.Invalidate()
	close(repo.release)
	<-done

	rules, err := store.FindApplicable(ctx, "Patient", "", "R4")
	if err != nil {
		t.Fatalf("FindApplicable() error: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected disabled rule gone after invalidate, got %d rules", len(rules))
	}
}

func TestStore_TTL(t *testing.T) {
	f := newFixture(t)
	f.add(t, &Rule{SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(f.rules, f.scripts, zerolog.Nop(), WithTTL(time.Minute))
	store.now = func() time.Time { return now }

	store.FindApplicable(ctx, "Patient", "", "R4")
	now = now.Add(30 * time.Second)
	store.FindApplicable(ctx, "Patient", "", "R4")
	if f.rules.Reads != 1 {
		t.Fatalf("expected cached read within ttl, got %d reads", f.rules.Reads)
	}

	now = now.Add(time.Minute)
	store.FindApplicable(ctx, "Patient", "", "R4")
	if f.rules.Reads != 2 {
		t.Errorf("expected reload after ttl, got %d reads", f.rules.Reads)
	}
}

func TestStore_MissingScriptIsFatal(t *testing.T) {
	f := newFixture(t)
	f.rules.Create(context.Background(), &Rule{
		Name: "broken", Direction: FHIRToDHIS, Enabled: true,
		SourceType: "Patient", TargetType: "TRACKED_ENTITY", TransformScriptID: uuid.New(),
	})
	_, err := f.store.FindApplicable(context.Background(), "Patient", "", "R4")
	if syncerr.KindOf(err) != syncerr.KindFatal {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestStore_FindByID(t *testing.T) {
	f := newFixture(t)
	r := f.add(t, &Rule{SourceType: "Patient", TargetType: "TRACKED_ENTITY"})
	got, err := f.store.FindByID(context.Background(), r.ID)
	if err != nil || got.Transform == nil {
		t.Fatalf("FindByID() = %v, %v", got, err)
	}
	_, err = f.store.FindByID(context.Background(), uuid.New())
	if syncerr.KindOf(err) != syncerr.KindMapping {
		t.Errorf("expected mapping error for unknown rule, got %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Direction: FHIRToDHIS, SourceType: "Patient", TargetType: "X", TransformScriptID: f.tx.ID}},
		{"bad direction", Rule{Name: "a", Direction: "sideways", SourceType: "Patient", TargetType: "X", TransformScriptID: f.tx.ID}},
		{"missing types", Rule{Name: "a", Direction: FHIRToDHIS, TransformScriptID: f.tx.ID}},
		{"missing script", Rule{Name: "a", Direction: FHIRToDHIS, SourceType: "Patient", TargetType: "X"}},
		{"wrong script kind", Rule{Name: "a", Direction: FHIRToDHIS, SourceType: "Patient", TargetType: "X", TransformScriptID: f.app.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			if err := f.svc.CreateRule(context.Background(), &r); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRule_SupportsVersion(t *testing.T) {
	r := &Rule{}
	if !r.SupportsVersion("R4") {
		t.Error("empty restriction should match every version")
	}
	r.FHIRVersions = []string{"DSTU3"}
	if r.SupportsVersion("R4") || !r.SupportsVersion("DSTU3") {
		t.Error("unexpected version match")
	}
}

func TestHandler_CreateAndGetRule(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"name":"patient-te","direction":"fhir-to-dhis","enabled":true,"source_type":"Patient",` +
		`"target_type":"TRACKED_ENTITY","transform_script_id":"` + f.tx.ID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/rules", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateRule(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateRule() error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rules, _, _ := f.rules.List(context.Background(), 10, 0)
	if len(rules) != 1 {
		t.Fatalf("expected one stored rule, got %d", len(rules))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rules[0].ID.String())
	if err := h.GetRule(c); err != nil {
		t.Fatalf("GetRule() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "patient-te") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	err := h.GetRule(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %v", err)
	}
}
