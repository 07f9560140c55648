package transform

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/assignment"
	"github.com/fhirdhis/adapter/internal/platform/cache"
	"github.com/fhirdhis/adapter/internal/platform/lock"
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/internal/script"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// RuleFinder returns the ordered candidate rules for a source type.
type RuleFinder interface {
	FindApplicable(ctx context.Context, sourceType, targetType, version string) ([]*rule.Rule, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxChainLength bounds how many requests one Process call may run.
func WithMaxChainLength(n int) Option {
	return func(o *Orchestrator) { o.maxChain = n }
}

// WithCache sets the shared tier behind each request's cache scope.
func WithCache(shared cache.Shared, ttl time.Duration) Option {
	return func(o *Orchestrator) { o.shared, o.cacheTTL = shared, ttl }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Observer is told the result of every request the orchestrator runs:
// "written", "deleted", "skipped", "rejected" or "failed".
type Observer func(direction rule.Direction, result string, elapsed time.Duration)

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// Orchestrator runs requests through rule matching, target resolution,
// scripts and the final write.
type Orchestrator struct {
	rules    RuleFinder
	scripts  *script.Executor
	tracker  *assignment.Tracker
	locks    *lock.Manager
	registry *Registry
	shared   cache.Shared
	cacheTTL time.Duration
	maxChain int
	logger   zerolog.Logger
	observe  Observer
	now      func() time.Time
}

func NewOrchestrator(rules RuleFinder, scripts *script.Executor, tracker *assignment.Tracker, locks *lock.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rules:    rules,
		scripts:  scripts,
		tracker:  tracker,
		locks:    locks,
		registry: DefaultRegistry(),
		maxChain: 10,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs req and every request it emits. Data and mapping errors are
// recorded on the report and end that branch of the chain; other errors
// abort and are returned for the queue layer to retry or dead-letter.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Report, error) {
	report := &Report{}
	work := []Request{req}
	for n := 0; len(work) > 0; n++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if n >= o.maxChain {
			return report, syncerr.Fatalf("transform chain of %s exceeds %d requests", req.Ref(), o.maxChain)
		}
		cur := work[0]
		work = work[1:]

		started := o.now()
		out, err := o.processOne(ctx, cur)
		o.record(cur, out, err, started)
		if err != nil {
			kind := syncerr.KindOf(err)
			if !kind.IsData() {
				return report, err
			}
			o.logger.Warn().Err(err).
				Str("kind", kind.String()).
				Str("resource_type", cur.Ref().Type).
				Str("resource_id", cur.Ref().ID).
				Msg("transform rejected")
			report.Failures = append(report.Failures, Failure{Source: cur.Ref(), Err: err})
			continue
		}
		report.Outcomes = append(report.Outcomes, out)
		work = append(work, out.Next...)
	}
	return report, nil
}

func (o *Orchestrator) record(req Request, out *Outcome, err error, started time.Time) {
	if o.observe == nil {
		return
	}
	result := "written"
	switch {
	case err != nil && syncerr.KindOf(err).IsData():
		result = "rejected"
	case err != nil:
		result = "failed"
	case out.Skipped():
		result = "skipped"
	case out.Deleted:
		result = "deleted"
	}
	o.observe(req.Direction(), result, o.now().Sub(started))
}

// processOne runs one request in its own cache scope and unit of work.
func (o *Orchestrator) processOne(ctx context.Context, req Request) (*Outcome, error) {
	ref := req.Ref()
	out := &Outcome{Source: ref}
	out.enter(StateReceived)
	log := o.logger.With().
		Str("direction", string(req.Direction())).
		Str("resource_type", ref.Type).
		Str("resource_id", ref.ID).
		Str("origin", string(req.Origin())).
		Logger()

	if req.targetClient == nil {
		return nil, syncerr.Fatalf("request for %s has no target client", ref)
	}
	if req.sourceClient == nil && req.source == nil && !req.Delete() && req.Origin() == OriginChain {
		// Batch submissions carry payloads only; references cannot be read back.
		log.Debug().Msg("chained request without source client, skipping")
		out.enter(StateSkipped)
		return out, nil
	}
	ctx, _ = cache.WithScope(ctx, o.shared, o.cacheTTL)

	source, err := o.loadSource(ctx, req)
	if err != nil {
		return nil, err
	}
	vanished := source == nil
	if vanished {
		if req.Origin() != OriginQueue {
			log.Info().Msg("source resource no longer exists, skipping")
			out.enter(StateSkipped)
			return out, nil
		}
		log.Info().Msg("source resource no longer exists, propagating deletion")
		req = req.AsDelete()
		if source, err = o.loadSource(ctx, req); err != nil {
			return nil, err
		}
	}

	out.enter(StateRuleMatch)
	rules, err := o.match(ctx, req, source)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		if vanished {
			out.enter(StateSkipped)
			return out, nil
		}
		return nil, syncerr.Mappingf("no applicable %s rule for %s", req.Direction(), ref)
	}

	err = o.locks.Run(ctx, func(ctx context.Context, uow *lock.UnitOfWork) error {
		return o.evaluate(ctx, uow, req, source, rules, out, log)
	})
	if err != nil {
		return nil, err
	}
	if out.Skipped() {
		log.Debug().Msg("no rule applied")
	} else {
		log.Info().
			Str("rule_id", out.Rule.ID.String()).
			Str("target", out.TargetRef.String()).
			Bool("created", out.Created).
			Bool("deleted", out.Deleted).
			Msg("transform complete")
	}
	return out, nil
}

func (o *Orchestrator) loadSource(ctx context.Context, req Request) (resource.Resource, error) {
	if src := req.Source(); src != nil {
		return src, nil
	}
	ref := req.Ref()
	if req.Delete() {
		return resource.Resource{"resourceType": ref.Type, "id": ref.ID}, nil
	}
	if req.sourceClient == nil {
		return nil, syncerr.Fatalf("request for %s has neither payload nor source client", ref)
	}
	src, err := req.sourceClient.Get(ctx, ref)
	if remote.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// match returns the candidate rules for the request's direction. Contained
// resources only match rules that allow them.
func (o *Orchestrator) match(ctx context.Context, req Request, source resource.Resource) ([]*rule.Rule, error) {
	rules := req.Rules()
	if rules == nil {
		var err error
		rules, err = o.rules.FindApplicable(ctx, source.Type(), req.targetType, req.Version())
		if err != nil {
			return nil, err
		}
	}
	out := rules[:0:0]
	for _, r := range rules {
		if r.Direction != req.Direction() {
			continue
		}
		if source.Contained() && !r.ContainedAllowed {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// evaluate tries the rules in order until one applies. Consecutive grouped
// rules with the same target type are tried together.
func (o *Orchestrator) evaluate(ctx context.Context, uow *lock.UnitOfWork, req Request, source resource.Resource, rules []*rule.Rule, out *Outcome, log zerolog.Logger) error {
	for i := 0; i < len(rules); {
		group := groupAt(rules, i)
		i += len(group)

		var (
			applied bool
			err     error
		)
		if req.Delete() {
			applied, err = o.delete(ctx, uow, req, group, out)
		} else {
			applied, err = o.apply(ctx, uow, req, source, group, out)
		}
		if err != nil {
			log.Debug().Err(err).Str("rule_id", group[0].ID.String()).Msg("rule failed")
			return err
		}
		if !applied {
			continue
		}
		if last := group[len(group)-1]; !last.Stop && i < len(rules) {
			out.Next = append(out.Next, req.remaining(rules[i:], source))
		}
		return nil
	}
	out.enter(StateSkipped)
	return nil
}

func groupAt(rules []*rule.Rule, i int) []*rule.Rule {
	j := i + 1
	if rules[i].Grouping {
		for j < len(rules) && rules[j].Grouping && rules[j].TargetType == rules[i].TargetType {
			j++
		}
	}
	return rules[i:j]
}

func (o *Orchestrator) apply(ctx context.Context, uow *lock.UnitOfWork, req Request, source resource.Resource, group []*rule.Rule, out *Outcome) (bool, error) {
	lead := group[0]
	tf, err := o.registry.Lookup(req.Direction(), lead.TargetType, req.Version())
	if err != nil {
		return false, err
	}
	client := req.targetClient

	// Unlocked lookup first; a miss is re-checked under the source lock so
	// that concurrent requests for one source create a single target.
	out.enter(StateResolveTarget)
	ref, target, found, err := o.resolve(ctx, req, lead, source, tf)
	if err != nil {
		return false, err
	}
	out.enter(StateLockAcquire)
	if err := uow.Lock(ctx, EntityKey(req.Ref())); err != nil {
		return false, err
	}
	if !found {
		out.enter(StateResolveTarget)
		if ref, target, found, err = o.resolve(ctx, req, lead, source, tf); err != nil {
			return false, err
		}
	}
	if found {
		if err := uow.Lock(ctx, EntityKey(ref)); err != nil {
			return false, err
		}
		if !lead.UpdateEnabled {
			return false, nil
		}
	} else if req.CreationDisabled() || !lead.CreateEnabled {
		return false, nil
	}

	output := target
	if !found {
		output = tf.Skeleton(lead, req, source)
	}

	out.enter(StateApplicability)
	var applicable []*rule.Rule
	for _, r := range group {
		ok, err := o.scripts.RunApplicability(ctx, r.Applicability, o.variables(req, r, source, output))
		if err != nil {
			return false, err
		}
		if ok {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return false, nil
	}

	out.enter(StateBuild)
	var contributed []*rule.Rule
	for _, r := range applicable {
		res, err := o.scripts.RunTransform(ctx, r.Transform, o.variables(req, r, source, output))
		if err != nil {
			return false, err
		}
		if res == nil {
			continue
		}
		output = res.Output
		contributed = append(contributed, r)
	}
	if len(contributed) == 0 {
		return false, nil
	}
	if output.Type() == "" {
		output["resourceType"] = lead.TargetType
	}

	out.enter(StateValidate)
	if err := tf.Validate(output); err != nil {
		return false, err
	}

	out.enter(StatePersist)
	if found {
		if err := client.Update(ctx, ref, output); err != nil {
			return false, err
		}
	} else {
		if ref, err = client.Create(ctx, lead.TargetType, output); err != nil {
			return false, err
		}
		out.Created = true
	}
	for _, r := range contributed {
		if err := o.tracker.Assign(ctx, r, req.Ref().ID, ref); err != nil {
			return false, err
		}
	}
	output["id"] = ref.ID

	out.Rule = contributed[0]
	out.Rules = contributed
	out.Target = output
	out.TargetRef = ref
	out.enter(StateComplete)
	if next := tf.Dependent(req, source, output); next != nil {
		out.Next = append(out.Next, *next)
	}
	return true, nil
}

// resolve finds the existing target: by assignment first, then by business
// identifier. More than one identifier match is ambiguous.
func (o *Orchestrator) resolve(ctx context.Context, req Request, lead *rule.Rule, source resource.Resource, tf Transformer) (resource.Ref, resource.Resource, bool, error) {
	client := req.targetClient
	ref, ok, err := o.tracker.Find(ctx, lead, req.Ref().ID)
	if err != nil {
		return resource.Ref{}, nil, false, syncerr.Technical(err, "find assignment")
	}
	if ok {
		target, err := client.Get(ctx, ref)
		switch {
		case err == nil:
			return ref, target, true, nil
		case !remote.IsNotFound(err):
			return resource.Ref{}, nil, false, err
		}
		o.logger.Warn().Str("target", ref.String()).Str("rule_id", lead.ID.String()).
			Msg("assigned target no longer exists")
	}

	system, value := tf.Identifier(lead, req, source)
	if value == "" {
		return resource.Ref{}, nil, false, nil
	}
	matches, err := client.FindByIdentifier(ctx, lead.TargetType, system, value, 2)
	if err != nil {
		return resource.Ref{}, nil, false, err
	}
	switch len(matches) {
	case 0:
		return resource.Ref{}, nil, false, nil
	case 1:
		return resource.Ref{Type: lead.TargetType, ID: matches[0].ID()}, matches[0], true, nil
	default:
		return resource.Ref{}, nil, false, syncerr.Mappingf("identifier %s|%s matches more than one %s", system, value, lead.TargetType)
	}
}

// delete removes the assigned target and the assignments of group. Scripts
// are not run.
func (o *Orchestrator) delete(ctx context.Context, uow *lock.UnitOfWork, req Request, group []*rule.Rule, out *Outcome) (bool, error) {
	lead := group[0]
	if !lead.DeleteEnabled {
		return false, nil
	}
	out.enter(StateLockAcquire)
	if err := uow.Lock(ctx, EntityKey(req.Ref())); err != nil {
		return false, err
	}
	out.enter(StateResolveTarget)
	ref, ok, err := o.tracker.Find(ctx, lead, req.Ref().ID)
	if err != nil {
		return false, syncerr.Technical(err, "find assignment")
	}
	if !ok {
		return false, nil
	}
	if err := uow.Lock(ctx, EntityKey(ref)); err != nil {
		return false, err
	}

	out.enter(StatePersist)
	if err := req.targetClient.Delete(ctx, ref); err != nil {
		return false, err
	}
	for _, r := range group {
		if err := o.tracker.Unassign(ctx, r, req.Ref().ID); err != nil {
			return false, err
		}
	}
	out.Rule = lead
	out.Rules = group
	out.TargetRef = ref
	out.Deleted = true
	out.enter(StateComplete)
	return true, nil
}

func (o *Orchestrator) variables(req Request, r *rule.Rule, source, output resource.Resource) script.Variables {
	return script.NewVariables().
		With(script.VarInput, source).
		With(script.VarOutput, output).
		With(script.VarArgs, r.Arguments).
		With(script.VarContext, script.Context{
			Now:                  o.now().UTC(),
			FHIRVersion:          req.Version(),
			Direction:            string(req.Direction()),
			CreationDisabled:     req.CreationDisabled(),
			UseAdapterIdentifier: req.UseAdapterIdentifier(),
			RuleID:               r.ID.String(),
			Delete:               req.Delete(),
		})
}
