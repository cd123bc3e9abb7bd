package feed

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/pkg/pagination"
)

// Provider resolves the feed aggregator of the caller's workspace.
type Provider interface {
	Feed(ctx context.Context) (*Aggregator, error)
}

type Handler struct {
	aggregators Provider
	now         func() time.Time
}

func NewHandler(p Provider) *Handler {
	return &Handler{aggregators: p, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	feedGroup := api.Group("/feed", session.RequireRole(session.RoleDoctor, session.RoleFrontDesk, session.RolePatient))
	feedGroup.GET("", h.ListFeed)
	feedGroup.POST("/sync", h.Sync)
	feedGroup.POST("/retry", h.RetryPending)
	feedGroup.POST("/:id/read", h.MarkRead)

	// Audit endpoints – admin only
	auditGroup := api.Group("/feed/audit", session.RequireRole(session.RoleAdmin))
	auditGroup.GET("", h.ListAudit)
	auditGroup.GET("/stats", h.AuditStats)
}

type notificationView struct {
	Notification
	TimeAgo string `json:"time_ago"`
}

type feedResponse struct {
	*pagination.Response[notificationView]
	Unread int `json:"unread"`
}

func (h *Handler) ListFeed(c echo.Context) error {
	agg, err := h.aggregators.Feed(c.Request().Context())
	if err != nil {
		return err
	}
	now := h.now()
	items := agg.Feed()
	unreadOnly := c.QueryParam("unread") == "true"
	views := make([]notificationView, 0, len(items))
	for _, n := range items {
		if unreadOnly && n.Read {
			continue
		}
		views = append(views, notificationView{Notification: n, TimeAgo: TimeAgo(n.Timestamp, now)})
	}
	return c.JSON(http.StatusOK, feedResponse{
		Response: pagination.Page(views, pagination.FromContext(c)),
		Unread:   agg.Unread(),
	})
}

func (h *Handler) Sync(c echo.Context) error {
	ctx := c.Request().Context()
	agg, err := h.aggregators.Feed(ctx)
	if err != nil {
		return err
	}
	if err := agg.Sync(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"synced_at": agg.SyncedAt(), "unread": agg.Unread()})
}

func (h *Handler) MarkRead(c echo.Context) error {
	ctx := c.Request().Context()
	agg, err := h.aggregators.Feed(ctx)
	if err != nil {
		return err
	}
	n, err := agg.MarkRead(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, notificationView{Notification: *n, TimeAgo: TimeAgo(n.Timestamp, h.now())})
}

func (h *Handler) RetryPending(c echo.Context) error {
	ctx := c.Request().Context()
	agg, err := h.aggregators.Feed(ctx)
	if err != nil {
		return err
	}
	sent, err := agg.RetryPending(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"sent": sent})
}

func (h *Handler) ListAudit(c echo.Context) error {
	q := AuditQuery{User: c.QueryParam("user"), Endpoint: c.QueryParam("endpoint")}
	if s := c.QueryParam("start_date"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			if since, err = time.Parse("2006-01-02", s); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid start_date")
			}
		}
		q.Since = since
	}
	if s := c.QueryParam("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid max")
		}
		q.Limit = n
	}

	ctx := c.Request().Context()
	agg, err := h.aggregators.Feed(ctx)
	if err != nil {
		return err
	}
	entries, err := agg.Audit(ctx, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(entries, pagination.FromContext(c)))
}

func (h *Handler) AuditStats(c echo.Context) error {
	agg, err := h.aggregators.Feed(c.Request().Context())
	if err != nil {
		return err
	}
	stats, err := agg.AuditStats()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
