package subscription

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhirdhis/adapter/internal/platform/auth"
	"github.com/fhirdhis/adapter/pkg/pagination"
)

// Handler provides admin endpoints for remote subscriptions.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the admin endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin))
	g.GET("/subscriptions", h.ListSubscriptions)
	g.GET("/subscriptions/:id", h.GetSubscription)
	g.POST("/subscriptions", h.CreateSubscription)
	g.PUT("/subscriptions/:id", h.UpdateSubscription)
	g.DELETE("/subscriptions/:id", h.DeleteSubscription)

	g.GET("/subscriptions/:id/resources", h.ListResources)
	g.POST("/subscriptions/:id/resources", h.AddResource)
	g.DELETE("/subscriptions/:id/resources/:rid", h.RemoveResource)
}

func parseUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) CreateSubscription(c echo.Context) error {
	sub := New()
	if err := c.Bind(sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSubscription(c.Request().Context(), sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) GetSubscription(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	sub, err := h.svc.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) UpdateSubscription(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var sub Subscription
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub.ID = id
	if err := h.svc.UpdateSubscription(c.Request().Context(), &sub); err != nil {
		if IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) DeleteSubscription(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSubscription(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSubscriptions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListResources(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListResources(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Resource{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddResource(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var r Resource
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.SubscriptionID = id
	if err := h.svc.AddResource(c.Request().Context(), &r); err != nil {
		if IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) RemoveResource(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	rid, err := parseUUID(c, "rid")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, _, err := h.svc.Target(ctx, id, rid); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "subscription resource not found")
	}
	if err := h.svc.RemoveResource(ctx, rid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
