package systemhealth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
)

// Provider resolves the caller's health monitor.
type Provider interface {
	Health(ctx context.Context) (*Monitor, error)
}

type Handler struct {
	monitors Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{monitors: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/system/health", session.RequireRole(session.RoleAdmin))
	g.GET("", h.Get)
	g.POST("/refresh", h.Refresh)
}

type healthResponse struct {
	Snapshot
	Status   string   `json:"status"`
	Degraded []string `json:"degraded,omitempty"`
}

func render(s Snapshot) healthResponse {
	return healthResponse{Snapshot: s, Status: s.Status(), Degraded: s.Degraded()}
}

func (h *Handler) Get(c echo.Context) error {
	m, err := h.monitors.Health(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, render(m.Snapshot()))
}

func (h *Handler) Refresh(c echo.Context) error {
	m, err := h.monitors.Health(c.Request().Context())
	if err != nil {
		return err
	}
	snap, err := m.Poll(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, render(snap))
}
