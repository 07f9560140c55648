// Package transform runs changed resources through the matching rules and
// writes the result to the other system.
package transform

import (
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// Origin tells where a request came from.
type Origin string

const (
	OriginQueue Origin = "queue"
	OriginBatch Origin = "batch"
	OriginChain Origin = "chain"
)

// Request is one unit of transformation work. It is immutable: the With
// methods return modified copies.
type Request struct {
	direction            rule.Direction
	ref                  resource.Ref
	source               resource.Resource
	rules                []*rule.Rule
	targetType           string
	version              string
	creationDisabled     bool
	useAdapterIdentifier bool
	delete               bool
	origin               Origin

	sourceClient remote.ResourceClient
	targetClient remote.ResourceClient
}

// NewRequest creates a request for the source resource ref. Without a
// payload the resource is loaded from the source client when processed.
func NewRequest(direction rule.Direction, ref resource.Ref) Request {
	return Request{direction: direction, ref: ref, version: "R4", origin: OriginQueue}
}

// NewRequestFor creates a request carrying the source payload.
func NewRequestFor(direction rule.Direction, source resource.Resource) Request {
	r := NewRequest(direction, source.Ref())
	r.source = source.Clone()
	return r
}

func (r Request) Direction() rule.Direction { return r.direction }
func (r Request) Ref() resource.Ref         { return r.ref }
func (r Request) Version() string           { return r.version }
func (r Request) Delete() bool              { return r.delete }
func (r Request) Origin() Origin            { return r.origin }
func (r Request) CreationDisabled() bool    { return r.creationDisabled }
func (r Request) UseAdapterIdentifier() bool {
	return r.useAdapterIdentifier
}

// Source returns a copy of the payload, or nil for a deferred load.
func (r Request) Source() resource.Resource {
	if r.source == nil {
		return nil
	}
	return r.source.Clone()
}

// Rules returns the explicitly requested rules. Nil means the rules are
// looked up in the rule store.
func (r Request) Rules() []*rule.Rule {
	if r.rules == nil {
		return nil
	}
	return append([]*rule.Rule(nil), r.rules...)
}

func (r Request) WithVersion(v string) Request {
	r.version = v
	return r
}

// WithTargetType restricts rule matching to one target type.
func (r Request) WithTargetType(t string) Request {
	r.targetType = t
	return r
}

func (r Request) WithCreationDisabled(disabled bool) Request {
	r.creationDisabled = disabled
	return r
}

func (r Request) WithAdapterIdentifier(use bool) Request {
	r.useAdapterIdentifier = use
	return r
}

// AsDelete marks the request as the deletion of the source resource.
func (r Request) AsDelete() Request {
	r.delete = true
	return r
}

func (r Request) WithOrigin(o Origin) Request {
	r.origin = o
	return r
}

// WithRules restricts the request to rules, evaluated in the given order.
func (r Request) WithRules(rules []*rule.Rule) Request {
	r.rules = append(make([]*rule.Rule, 0, len(rules)), rules...)
	return r
}

// WithClients sets the clients of the source and the target system.
func (r Request) WithClients(source, target remote.ResourceClient) Request {
	r.sourceClient = source
	r.targetClient = target
	return r
}

// follow derives a chained request for another source resource, keeping the
// execution context and clients.
func (r Request) follow(ref resource.Ref) Request {
	n := r
	n.ref = ref
	n.source = nil
	n.rules = nil
	n.targetType = ""
	n.delete = false
	n.origin = OriginChain
	return n
}

// remaining derives the request evaluating the rules left after a non-stop
// rule applied.
func (r Request) remaining(rules []*rule.Rule, source resource.Resource) Request {
	n := r.WithRules(rules)
	n.source = source.Clone()
	n.origin = OriginChain
	return n
}
