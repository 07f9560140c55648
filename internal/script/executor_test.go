package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/pkg/resource"
)

func newScript(kind Kind, src string) *Script {
	s := &Script{ID: uuid.New(), Name: "test-" + string(kind), Kind: kind, Source: src}
	s.Normalize()
	return s
}

func patientVars() Variables {
	return NewVariables().
		With(VarInput, resource.Resource{
			"resourceType": "Patient",
			"id":           "p1",
			"gender":       "female",
			"identifier": []interface{}{
				map[string]interface{}{"system": "urn:mrn", "value": "MRN-7"},
			},
		}).
		With(VarOutput, resource.Resource{"attributes": []interface{}{}}).
		With(VarContext, Context{FHIRVersion: "R4", Direction: "fhir-to-dhis"}).
		With(VarArgs, map[string]interface{}{"mrnSystem": "urn:mrn"})
}

func TestRunApplicability(t *testing.T) {
	e := NewExecutor()
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"true", `return input.gender === 'female';`, true},
		{"false", `return input.gender === 'male';`, false},
		{"undefined", `var x = 1;`, false},
		{"non-boolean", `return 'yes';`, false},
		{"context", `return context.fhirVersion === 'R4';`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.RunApplicability(context.Background(), newScript(KindApplicability, tt.src), patientVars())
			if err != nil {
				t.Fatalf("RunApplicability() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RunApplicability() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunApplicability_NilScript(t *testing.T) {
	ok, err := NewExecutor().RunApplicability(context.Background(), nil, NewVariables())
	if err != nil || !ok {
		t.Errorf("expected nil script to apply, got %v %v", ok, err)
	}
}

func TestRunTransform_MutatesOutput(t *testing.T) {
	e := NewExecutor()
	s := newScript(KindTransform, `
		output.attributes.push({attribute: 'mrn', value: utils.identifier(input, args.mrnSystem)});
		output.gender = input.gender;
		return true;`)
	res, err := e.RunTransform(context.Background(), s, patientVars())
	if err != nil {
		t.Fatalf("RunTransform() error: %v", err)
	}
	if res == nil {
		t.Fatal("expected result")
	}
	if res.Output["gender"] != "female" {
		t.Errorf("expected gender copied, got %v", res.Output["gender"])
	}
	attrs, _ := res.Output["attributes"].([]interface{})
	if len(attrs) != 1 {
		t.Fatalf("expected one attribute, got %v", res.Output["attributes"])
	}
	if attrs[0].(map[string]interface{})["value"] != "MRN-7" {
		t.Errorf("unexpected attribute %v", attrs[0])
	}
}

func TestRunTransform_ReturnedObject(t *testing.T) {
	s := newScript(KindTransform, `return {resourceType: 'Patient', id: input.id};`)
	res, err := NewExecutor().RunTransform(context.Background(), s, patientVars())
	if err != nil {
		t.Fatalf("RunTransform() error: %v", err)
	}
	if res.Output.ID() != "p1" {
		t.Errorf("expected returned object as output, got %v", res.Output)
	}
}

func TestRunTransform_FalseSkips(t *testing.T) {
	s := newScript(KindTransform, `return false;`)
	res, err := NewExecutor().RunTransform(context.Background(), s, patientVars())
	if err != nil || res != nil {
		t.Errorf("expected nil result, got %v %v", res, err)
	}
}

func TestRunTransform_VariablesIsolated(t *testing.T) {
	vars := patientVars()
	s := newScript(KindTransform, `input.gender = 'changed'; output.x = 1; return true;`)
	if _, err := NewExecutor().RunTransform(context.Background(), s, vars); err != nil {
		t.Fatal(err)
	}
	in, _ := vars.Get(VarInput)
	if in.(resource.Resource)["gender"] != "female" {
		t.Error("script mutation leaked into caller's variables")
	}
	out, _ := vars.Get(VarOutput)
	if _, ok := out.(resource.Resource)["x"]; ok {
		t.Error("script mutation leaked into caller's output")
	}
}

func TestRun_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want syncerr.Kind
	}{
		{"fail is data", `fail('birth date missing');`, syncerr.KindData},
		{"runtime fault is fatal", `return input.missing.field;`, syncerr.KindFatal},
		{"throw is fatal", `throw new Error('boom');`, syncerr.KindFatal},
		{"syntax error is fatal", `return (;`, syncerr.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor().RunTransform(context.Background(), newScript(KindTransform, tt.src), patientVars())
			if got := syncerr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	e := NewExecutor(WithTimeout(50 * time.Millisecond))
	_, err := e.RunApplicability(context.Background(), newScript(KindApplicability, `while (true) {}`), NewVariables())
	if syncerr.KindOf(err) != syncerr.KindFatal {
		t.Errorf("expected fatal timeout, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewExecutor(WithTimeout(time.Minute)).RunApplicability(ctx, newScript(KindApplicability, `while (true) {}`), NewVariables())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestRun_Lookup(t *testing.T) {
	e := NewExecutor(WithLookup("orgUnit", func(_ context.Context, key string) (interface{}, bool, error) {
		if key == "CLINIC-A" {
			return map[string]interface{}{"id": "ou1"}, true, nil
		}
		return nil, false, nil
	}))
	s := newScript(KindTransform, `
		var ou = utils.lookup('orgUnit', 'CLINIC-A');
		var none = utils.lookup('orgUnit', 'CLINIC-Z');
		output.orgUnit = ou.id;
		output.missing = none === null;
		return true;`)
	res, err := e.RunTransform(context.Background(), s, patientVars())
	if err != nil {
		t.Fatalf("RunTransform() error: %v", err)
	}
	if res.Output["orgUnit"] != "ou1" || res.Output["missing"] != true {
		t.Errorf("unexpected lookup output %v", res.Output)
	}
}

func TestRun_LookupErrorIsTechnical(t *testing.T) {
	e := NewExecutor(WithLookup("orgUnit", func(context.Context, string) (interface{}, bool, error) {
		return nil, false, errors.New("dhis2 unavailable")
	}))
	s := newScript(KindTransform, `try { utils.lookup('orgUnit', 'X'); } catch (e) {} return true;`)
	_, err := e.RunTransform(context.Background(), s, patientVars())
	if syncerr.KindOf(err) != syncerr.KindTechnical {
		t.Errorf("expected technical error even when caught by the script, got %v", err)
	}
}

func TestProgramCache(t *testing.T) {
	e := NewExecutor()
	s := newScript(KindApplicability, `return true;`)
	p1, err := e.program(s)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := e.program(s)
	if p1 != p2 {
		t.Error("expected cached program for same id and checksum")
	}

	changed := *s
	changed.Source = `return false;`
	changed.Normalize()
	p3, _ := e.program(&changed)
	if p3 == p1 {
		t.Error("expected recompilation after source change")
	}
}

func TestVariables_Immutable(t *testing.T) {
	base := NewVariables().With("a", map[string]interface{}{"k": "v"})
	next := base.With("b", 1)
	if _, ok := base.Get("b"); ok {
		t.Error("With must not modify the receiver")
	}
	got, _ := next.Get("a")
	got.(map[string]interface{})["k"] = "mutated"
	again, _ := next.Get("a")
	if again.(map[string]interface{})["k"] != "v" {
		t.Error("Get must return a copy")
	}
	if names := next.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestScript_Normalize(t *testing.T) {
	s := &Script{Name: "x", Kind: KindTransform, Source: "return true;"}
	if err := s.Normalize(); err != nil {
		t.Fatal(err)
	}
	if s.Checksum != Checksum("return true;") || s.Version != 1 {
		t.Errorf("unexpected normalized script %+v", s)
	}
	if err := (&Script{Name: "x", Kind: "other", Source: "1"}).Normalize(); err == nil {
		t.Error("expected invalid kind error")
	}
}
