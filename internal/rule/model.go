// Package rule holds the ordered mapping rules that decide how a changed
// resource on one side is written to the other.
package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/script"
)

// Direction is the sync direction a rule applies to.
type Direction string

const (
	FHIRToDHIS Direction = "fhir-to-dhis"
	DHISToFHIR Direction = "dhis-to-fhir"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == FHIRToDHIS || d == DHISToFHIR
}

// Rule maps one source resource type to one target resource type.
type Rule struct {
	ID                    uuid.UUID              `json:"id"`
	Name                  string                 `json:"name"`
	Description           *string                `json:"description,omitempty"`
	Direction             Direction              `json:"direction"`
	EvaluationOrder       int                    `json:"evaluation_order"`
	Enabled               bool                   `json:"enabled"`
	SourceType            string                 `json:"source_type"`
	TargetType            string                 `json:"target_type"`
	FHIRVersions          []string               `json:"fhir_versions"`
	ApplicabilityScriptID *uuid.UUID             `json:"applicability_script_id,omitempty"`
	TransformScriptID     uuid.UUID              `json:"transform_script_id"`
	Grouping              bool                   `json:"grouping"`
	Stop                  bool                   `json:"stop"`
	CreateEnabled         bool                   `json:"create_enabled"`
	UpdateEnabled         bool                   `json:"update_enabled"`
	DeleteEnabled         bool                   `json:"delete_enabled"`
	ContainedAllowed      bool                   `json:"contained_allowed"`
	IdentifierSystem      *string                `json:"identifier_system,omitempty"`
	Arguments             map[string]interface{} `json:"arguments"`
	Version               int                    `json:"version"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`

	// Resolved by the Store.
	Applicability *script.Script `json:"-"`
	Transform     *script.Script `json:"-"`
}

// New returns a rule with the column defaults: enabled, stopping after it
// applies, and allowed to create and update targets.
func New() *Rule {
	return &Rule{Enabled: true, Stop: true, CreateEnabled: true, UpdateEnabled: true}
}

// SupportsVersion reports whether the rule applies to protocol version v.
// An empty restriction matches every version.
func (r *Rule) SupportsVersion(v string) bool {
	if len(r.FHIRVersions) == 0 {
		return true
	}
	for _, allowed := range r.FHIRVersions {
		if allowed == v {
			return true
		}
	}
	return false
}

// System returns the identifier system used for business-identifier
// matching, or "".
func (r *Rule) System() string {
	if r.IdentifierSystem == nil {
		return ""
	}
	return *r.IdentifierSystem
}

// Validate checks required fields.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("invalid direction: %q", r.Direction)
	}
	if r.SourceType == "" || r.TargetType == "" {
		return fmt.Errorf("source and target type are required")
	}
	if r.TransformScriptID == uuid.Nil {
		return fmt.Errorf("transform script is required")
	}
	return nil
}

// Less orders rules by evaluation order descending, then id ascending.
func Less(a, b *Rule) bool {
	if a.EvaluationOrder != b.EvaluationOrder {
		return a.EvaluationOrder > b.EvaluationOrder
	}
	return a.ID.String() < b.ID.String()
}
