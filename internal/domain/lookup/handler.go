package lookup

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
)

// Provider resolves the caller's resolver for a kind.
type Provider interface {
	Resolver(ctx context.Context, kind Kind) (*Resolver, error)
}

type Handler struct {
	resolvers Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{resolvers: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/lookup", session.RequireRole(session.RoleDoctor, session.RoleFrontDesk, session.RolePatient))
	g.GET("/:kind", h.GetState)
	g.POST("/:kind/query", h.Query)
	g.POST("/:kind/select", h.Select)
	g.DELETE("/:kind", h.Clear)
}

type queryRequest struct {
	Text string `json:"text"`
}

type selectRequest struct {
	ID string `json:"id"`
}

func (h *Handler) resolver(c echo.Context) (*Resolver, error) {
	kind, ok := ParseKind(c.Param("kind"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown lookup kind: "+c.Param("kind"))
	}
	return h.resolvers.Resolver(c.Request().Context(), kind)
}

func (h *Handler) GetState(c echo.Context) error {
	r, err := h.resolver(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r.State())
}

// Query accepts the current text. Results arrive asynchronously over the
// websocket or by polling GetState.
func (h *Handler) Query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.resolver(c)
	if err != nil {
		return err
	}
	st := r.Query(req.Text)
	if st.Loading {
		return c.JSON(http.StatusAccepted, st)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Select(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.resolver(c)
	if err != nil {
		return err
	}
	sel, err := r.Select(req.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sel)
}

func (h *Handler) Clear(c echo.Context) error {
	r, err := h.resolver(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r.Clear())
}
