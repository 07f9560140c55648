package transform

import (
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateRuleMatch     State = "RULE_MATCH"
	StateLockAcquire   State = "LOCK_ACQUIRE"
	StateResolveTarget State = "RESOLVE_TARGET"
	StateApplicability State = "APPLICABILITY_CHECK"
	StateBuild         State = "BUILD"
	StateValidate      State = "VALIDATE"
	StatePersist       State = "PERSIST"
	StateSkipped       State = "SKIPPED"
	StateComplete      State = "COMPLETE"
)

// Outcome is the result of one request.
type Outcome struct {
	Source resource.Ref
	// Rule is the rule that applied, or nil when skipped. Rules lists every
	// grouped rule that contributed to the target.
	Rule  *rule.Rule
	Rules []*rule.Rule
	// Target is the written resource; nil when skipped or deleted.
	Target    resource.Resource
	TargetRef resource.Ref
	Created   bool
	Deleted   bool
	State     State
	// Trace lists the states visited.
	Trace []State
	// Next are the requests this one emitted.
	Next []Request
}

// Skipped reports whether nothing was written.
func (o *Outcome) Skipped() bool { return o.State == StateSkipped }

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// Failure is a request that failed with a data or mapping error.
type Failure struct {
	Source resource.Ref
	Err    error
}

// Report collects the outcomes of a request and its chain.
type Report struct {
	Outcomes []*Outcome
	Failures []Failure
}

// Err returns the first recorded failure.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return r.Failures[0].Err
}

// First returns the outcome of the initial request, or nil.
func (r *Report) First() *Outcome {
	if len(r.Outcomes) == 0 {
		return nil
	}
	return r.Outcomes[0]
}
