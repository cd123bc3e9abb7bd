package bed

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/pkg/pagination"
)

// Provider resolves the bed coordinator of the caller's workspace.
type Provider interface {
	Beds(ctx context.Context) (*Coordinator, error)
}

type Handler struct {
	coordinators Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{coordinators: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Ward endpoints – frontdesk, doctor (read)
	readGroup := api.Group("/beds", session.RequireRole(session.RoleFrontDesk, session.RoleDoctor))
	readGroup.GET("", h.ListBeds)
	readGroup.GET("/occupancy", h.Occupancy)

	writeGroup := api.Group("/beds", session.RequireRole(session.RoleFrontDesk))
	writeGroup.POST("/sync", h.Sync)
	writeGroup.POST("/:id/allocate", h.AllocateBed)
	writeGroup.POST("/:id/release", h.ReleaseBed)

	// Reconciliation endpoints – admin, frontdesk
	reconGroup := api.Group("/beds/reconciliations", session.RequireRole(session.RoleFrontDesk))
	reconGroup.GET("", h.ListReconciliations)
	reconGroup.POST("/:id/retry", h.RetryReconciliation)
}

type allocateRequest struct {
	PatientID string `json:"patient_id"`
}

type releaseFailure struct {
	apperr.Notice
	*ReleaseResult
}

func (h *Handler) ListBeds(c echo.Context) error {
	co, err := h.coordinators.Beds(c.Request().Context())
	if err != nil {
		return err
	}
	beds := co.Beds()
	if s := c.QueryParam("status"); s != "" {
		status := ParseStatus(s)
		filtered := beds[:0]
		for _, b := range beds {
			if b.Status == status {
				filtered = append(filtered, b)
			}
		}
		beds = filtered
	}
	if k := c.QueryParam("kind"); k != "" {
		filtered := beds[:0]
		for _, b := range beds {
			if b.Kind == k {
				filtered = append(filtered, b)
			}
		}
		beds = filtered
	}
	return c.JSON(http.StatusOK, pagination.Page(beds, pagination.FromContext(c)))
}

func (h *Handler) Occupancy(c echo.Context) error {
	co, err := h.coordinators.Beds(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co.Occupancy())
}

func (h *Handler) Sync(c echo.Context) error {
	ctx := c.Request().Context()
	co, err := h.coordinators.Beds(ctx)
	if err != nil {
		return err
	}
	if err := co.Sync(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"synced_at": co.SyncedAt(), "count": len(co.Beds())})
}

func (h *Handler) AllocateBed(c echo.Context) error {
	var req allocateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	co, err := h.coordinators.Beds(ctx)
	if err != nil {
		return err
	}
	b, err := co.Allocate(ctx, c.Param("id"), req.PatientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

// ReleaseBed returns the bill alongside the notice when the bed needs manual
// reconciliation, so the operator can see what was charged.
func (h *Handler) ReleaseBed(c echo.Context) error {
	ctx := c.Request().Context()
	co, err := h.coordinators.Beds(ctx)
	if err != nil {
		return err
	}
	res, err := co.Release(ctx, c.Param("id"))
	if err != nil {
		if res != nil && errors.Is(err, apperr.ErrReconciliationRequired) {
			return c.JSON(apperr.HTTPStatus(apperr.KindReconciliation), releaseFailure{
				Notice:        apperr.NoticeFor(err),
				ReleaseResult: res,
			})
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListReconciliations(c echo.Context) error {
	ctx := c.Request().Context()
	co, err := h.coordinators.Beds(ctx)
	if err != nil {
		return err
	}
	entries, err := co.Reconciliations(ctx, c.QueryParam("all") == "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(entries, pagination.FromContext(c)))
}

func (h *Handler) RetryReconciliation(c echo.Context) error {
	ctx := c.Request().Context()
	co, err := h.coordinators.Beds(ctx)
	if err != nil {
		return err
	}
	entry, err := co.RetryReconciliation(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}
