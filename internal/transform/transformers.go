package transform

import (
	"fmt"
	"time"

	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// Rule argument names read by the built-in transformers.
const (
	ArgOrgUnit             = "orgUnit"
	ArgTrackedEntityType   = "trackedEntityType"
	ArgProgram             = "program"
	ArgProgramStage        = "programStage"
	ArgParent              = "parent"
	ArgIdentifierAttribute = "identifierAttribute"
)

func arg(r *rule.Rule, name string) string {
	if r.Arguments == nil {
		return ""
	}
	s, _ := r.Arguments[name].(string)
	return s
}

func setIf(target resource.Resource, field, value string) {
	if value != "" {
		target[field] = value
	}
}

func require(kind string, target resource.Resource, fields ...string) error {
	for _, f := range fields {
		if target.String(f) == "" {
			return syncerr.Dataf("%s is missing required field %s", kind, f)
		}
	}
	return nil
}

// trackedEntity writes DHIS2 tracked entity instances.
type trackedEntity struct{}

func (trackedEntity) Skeleton(r *rule.Rule, req Request, source resource.Resource) resource.Resource {
	t := resource.Resource{"resourceType": remote.KindTrackedEntity, "attributes": []interface{}{}}
	setIf(t, "trackedEntityType", arg(r, ArgTrackedEntityType))
	setIf(t, "orgUnit", arg(r, ArgOrgUnit))
	if attr := arg(r, ArgIdentifierAttribute); attr != "" && req.UseAdapterIdentifier() {
		t["attributes"] = []interface{}{map[string]interface{}{
			"attribute": attr,
			"value":     resource.AdapterIdentifier(source.Ref()),
		}}
	}
	return t
}

func (trackedEntity) Identifier(r *rule.Rule, req Request, source resource.Resource) (string, string) {
	attr := arg(r, ArgIdentifierAttribute)
	if attr == "" {
		return "", ""
	}
	if req.UseAdapterIdentifier() {
		return attr, resource.AdapterIdentifier(source.Ref())
	}
	if r.System() == "" {
		return "", ""
	}
	return attr, source.Identifier(r.System())
}

func (trackedEntity) Validate(t resource.Resource) error {
	return require(remote.KindTrackedEntity, t, "trackedEntityType", "orgUnit")
}

func (trackedEntity) Dependent(Request, resource.Resource, resource.Resource) *Request { return nil }

// enrollment writes DHIS2 program enrollments. Writing one refreshes the
// tracked entity of the enrolled patient.
type enrollment struct{}

func (enrollment) Skeleton(r *rule.Rule, _ Request, _ resource.Resource) resource.Resource {
	t := resource.Resource{"resourceType": remote.KindEnrollment, "status": "ACTIVE"}
	setIf(t, "program", arg(r, ArgProgram))
	setIf(t, "orgUnit", arg(r, ArgOrgUnit))
	return t
}

func (enrollment) Identifier(*rule.Rule, Request, resource.Resource) (string, string) { return "", "" }

func (enrollment) Validate(t resource.Resource) error {
	return require(remote.KindEnrollment, t, "program", "orgUnit", "trackedEntityInstance")
}

func (enrollment) Dependent(req Request, source, _ resource.Resource) *Request {
	for _, field := range []string{"patient", "subject"} {
		if ref, ok := source.Reference(field); ok && ref.Type == "Patient" {
			next := req.follow(ref)
			return &next
		}
	}
	return nil
}

// event writes DHIS2 program stage events.
type event struct{}

func (event) Skeleton(r *rule.Rule, _ Request, _ resource.Resource) resource.Resource {
	t := resource.Resource{"resourceType": remote.KindProgramStageEvent, "status": "COMPLETED"}
	setIf(t, "program", arg(r, ArgProgram))
	setIf(t, "programStage", arg(r, ArgProgramStage))
	setIf(t, "orgUnit", arg(r, ArgOrgUnit))
	return t
}

func (event) Identifier(*rule.Rule, Request, resource.Resource) (string, string) { return "", "" }

func (event) Validate(t resource.Resource) error {
	return require(remote.KindProgramStageEvent, t, "program", "orgUnit")
}

func (event) Dependent(Request, resource.Resource, resource.Resource) *Request { return nil }

// orgUnit writes DHIS2 organisation units, matched by code.
type orgUnit struct{}

func (orgUnit) Skeleton(r *rule.Rule, _ Request, _ resource.Resource) resource.Resource {
	t := resource.Resource{
		"resourceType": remote.KindOrganisationUnit,
		"openingDate":  time.Now().UTC().Format("2006-01-02"),
	}
	if p := arg(r, ArgParent); p != "" {
		t["parent"] = map[string]interface{}{"id": p}
	}
	return t
}

func (orgUnit) Identifier(r *rule.Rule, _ Request, source resource.Resource) (string, string) {
	if r.System() == "" {
		return "", ""
	}
	return "code", source.Identifier(r.System())
}

func (orgUnit) Validate(t resource.Resource) error {
	return require(remote.KindOrganisationUnit, t, "name", "shortName", "openingDate")
}

func (orgUnit) Dependent(Request, resource.Resource, resource.Resource) *Request { return nil }

// fhirResource writes FHIR resources from DHIS2 data. defaults are set on
// new resources and differ between FHIR versions.
type fhirResource struct {
	kind     string
	defaults map[string]interface{}
}

func (f fhirResource) Skeleton(*rule.Rule, Request, resource.Resource) resource.Resource {
	t := resource.Resource{"resourceType": f.kind}
	for k, v := range f.defaults {
		t[k] = resource.DeepCopy(v)
	}
	return t
}

// Identifier reads the business identifier from the DHIS2 source: the
// configured tracked entity attribute, or the organisation unit code.
func (f fhirResource) Identifier(r *rule.Rule, _ Request, source resource.Resource) (string, string) {
	if r.System() == "" {
		return "", ""
	}
	if source.Type() == remote.KindOrganisationUnit {
		return r.System(), source.String("code")
	}
	attr := arg(r, ArgIdentifierAttribute)
	if attr == "" {
		return "", ""
	}
	attrs, _ := source["attributes"].([]interface{})
	for _, a := range attrs {
		m, ok := a.(map[string]interface{})
		if ok && m["attribute"] == attr {
			v, _ := m["value"].(string)
			return r.System(), v
		}
	}
	return "", ""
}

func (f fhirResource) Validate(t resource.Resource) error {
	if t.Type() != f.kind {
		return syncerr.Dataf("expected %s, script produced %q", f.kind, t.Type())
	}
	return nil
}

func (fhirResource) Dependent(Request, resource.Resource, resource.Resource) *Request { return nil }

// DefaultRegistry returns the built-in transformers.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(rule.FHIRToDHIS, remote.KindTrackedEntity, AnyVersion, trackedEntity{})
	reg.Register(rule.FHIRToDHIS, remote.KindEnrollment, AnyVersion, enrollment{})
	reg.Register(rule.FHIRToDHIS, remote.KindProgramStageEvent, AnyVersion, event{})
	reg.Register(rule.FHIRToDHIS, remote.KindOrganisationUnit, AnyVersion, orgUnit{})

	for _, kind := range []string{"Patient", "Organization", "Location"} {
		reg.Register(rule.DHISToFHIR, kind, AnyVersion, fhirResource{kind: kind})
	}
	reg.Register(rule.DHISToFHIR, "Observation", AnyVersion, fhirResource{kind: "Observation",
		defaults: map[string]interface{}{"status": "final"}})
	reg.Register(rule.DHISToFHIR, "Immunization", "R4", fhirResource{kind: "Immunization",
		defaults: map[string]interface{}{"status": "completed"}})
	reg.Register(rule.DHISToFHIR, "Immunization", "DSTU3", fhirResource{kind: "Immunization",
		defaults: map[string]interface{}{"status": "completed", "notGiven": false}})
	return reg
}

// EntityKey is the lock key of a resource on either side.
func EntityKey(ref resource.Ref) string {
	switch ref.Type {
	case remote.KindTrackedEntity:
		return "tracked-entity:" + ref.ID
	case remote.KindEnrollment:
		return "enrollment:" + ref.ID
	case remote.KindProgramStageEvent:
		return "event:" + ref.ID
	case remote.KindOrganisationUnit:
		return "org-unit:" + ref.ID
	default:
		return fmt.Sprintf("fhir-resource:%s/%s", ref.Type, ref.ID)
	}
}
