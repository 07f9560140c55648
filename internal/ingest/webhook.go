package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/subscription"
)

// WebhookPath is the route prefix remote FHIR servers notify.
const WebhookPath = "/remote-fhir-web-hook"

// Webhook receives change notifications from remote FHIR servers. Accepted
// notifications go through a bounded channel to a single drain worker that
// turns them into poll triggers. A full channel drops the notification;
// the next scheduled poll picks the change up.
type Webhook struct {
	subs    *subscription.Service
	broker  queue.Broker
	pending chan uuid.UUID
	pause   time.Duration
	logger  zerolog.Logger
	observe func(result string)
}

func NewWebhook(subs *subscription.Service, broker queue.Broker, capacity int, logger zerolog.Logger) *Webhook {
	if capacity < 1 {
		capacity = 1
	}
	return &Webhook{
		subs:    subs,
		broker:  broker,
		pending: make(chan uuid.UUID, capacity),
		pause:   time.Second,
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

// OnNotify sets a callback invoked with "accepted", "dropped" or
// "rejected" for every notification.
func (w *Webhook) OnNotify(fn func(result string)) {
	w.observe = fn
}

func (w *Webhook) record(result string) {
	if w.observe != nil {
		w.observe(result)
	}
}

// RegisterRoutes registers the notification endpoints. Payload-bearing
// notifications use PUT with the resource path appended; the payload is
// ignored and the resource is re-read from the server.
func (w *Webhook) RegisterRoutes(e *echo.Echo, m ...echo.MiddlewareFunc) {
	g := e.Group(WebhookPath, m...)
	g.POST("/:subscriptionId/:resourceId", w.Notify)
	g.PUT("/:subscriptionId/:resourceId/*", w.Notify)
}

func (w *Webhook) Notify(c echo.Context) error {
	err := w.notify(c)
	if err != nil {
		w.record("rejected")
	}
	return err
}

func (w *Webhook) notify(c echo.Context) error {
	subID, err := uuid.Parse(c.Param("subscriptionId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subscription")
	}
	resID, err := uuid.Parse(c.Param("resourceId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subscription resource")
	}

	sub, res, err := w.subs.Target(c.Request().Context(), subID, resID)
	if subscription.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subscription resource")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if res.Virtual || remote.IsDHISKind(res.ResourceType) {
		return echo.NewHTTPError(http.StatusNotFound, "subscription resource does not accept notifications")
	}
	if !sub.AcceptsWebHook(c.Request().Header.Get(echo.HeaderAuthorization)) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization")
	}

	select {
	case w.pending <- resID:
		w.record("accepted")
	default:
		w.record("dropped")
		w.logger.Warn().
			Str("subscription_id", subID.String()).
			Str("subscription_resource_id", resID.String()).
			Msg("notification queue full, dropping notification")
	}
	return c.NoContent(http.StatusOK)
}

// Run drains accepted notifications until ctx is done. A failing item is
// logged, followed by a short pause.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-w.pending:
			if err := w.forward(ctx, id); err != nil {
				w.logger.Error().Err(err).Str("subscription_resource_id", id.String()).
					Msg("processing notification failed")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.pause):
				}
			}
		}
	}
}

func (w *Webhook) forward(ctx context.Context, id uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	sub, _, err := w.subs.Resource(ctx, id)
	if subscription.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.Enabled {
		return nil
	}
	return publishTrigger(ctx, w.broker, id)
}
