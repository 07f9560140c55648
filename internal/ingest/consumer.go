package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/subscription"
	"github.com/fhirdhis/adapter/internal/transform"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// Processor runs transform requests.
type Processor interface {
	Process(ctx context.Context, req transform.Request) (*transform.Report, error)
}

// Handlers adapts the queue items of this package to the poller and the
// orchestrator.
type Handlers struct {
	subs    *subscription.Service
	clients *Clients
	poller  *Poller
	proc    Processor
	logger  zerolog.Logger
}

func NewHandlers(subs *subscription.Service, clients *Clients, poller *Poller, proc Processor, logger zerolog.Logger) *Handlers {
	return &Handlers{
		subs:    subs,
		clients: clients,
		poller:  poller,
		proc:    proc,
		logger:  logger.With().Str("component", "ingest-consumer").Logger(),
	}
}

// Register routes the item types of this package on mux.
func (h *Handlers) Register(mux *queue.Mux) {
	mux.Handle(TypeTrigger, h.HandleTrigger)
	mux.Handle(TypeChange, h.HandleChange)
}

// HandleTrigger runs a poll pass.
func (h *Handlers) HandleTrigger(ctx context.Context, item queue.Item) error {
	var t Trigger
	if err := item.Decode(&t); err != nil {
		return syncerr.Fatal(err, "trigger")
	}
	_, err := h.poller.Pass(ctx, t.SubscriptionResourceID)
	return err
}

// HandleChange loads the current state of the changed resource and runs it
// through the orchestrator. Rejections by rules are logged and not retried.
func (h *Handlers) HandleChange(ctx context.Context, item queue.Item) error {
	var ch Change
	if err := item.Decode(&ch); err != nil {
		return syncerr.Fatal(err, "change")
	}
	sub, _, err := h.subs.Resource(ctx, ch.SubscriptionResourceID)
	if subscription.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return syncerr.Technical(err, "load subscription resource")
	}
	if !sub.Enabled {
		return nil
	}
	source, target, dir, err := h.clients.Pair(sub, ch.ResourceType)
	if err != nil {
		return err
	}

	req := transform.NewRequest(dir, resource.Ref{Type: ch.ResourceType, ID: ch.ID}).
		WithClients(source, target).
		WithVersion(sub.FHIRVersion).
		WithCreationDisabled(sub.CreationDisabled).
		WithAdapterIdentifier(sub.UseAdapterIdentifier).
		WithOrigin(transform.OriginQueue)
	report, err := h.proc.Process(ctx, req)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		h.logger.Warn().Err(f.Err).
			Str("subscription", sub.Name).
			Str("resource_type", f.Source.Type).
			Str("resource_id", f.Source.ID).
			Msg("change not transformed")
	}
	return nil
}
