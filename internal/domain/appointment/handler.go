package appointment

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/pkg/pagination"
)

// Provider resolves the appointment manager of the caller's workspace.
type Provider interface {
	Appointments(ctx context.Context) (*Manager, error)
}

type Handler struct {
	managers      Provider
	upcomingLimit int
}

func NewHandler(p Provider, upcomingLimit int) *Handler {
	return &Handler{managers: p, upcomingLimit: upcomingLimit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every operator role
	readGroup := api.Group("/appointments", session.RequireRole(session.RoleDoctor, session.RoleFrontDesk, session.RolePatient))
	readGroup.GET("", h.ListAppointments)
	readGroup.GET("/today", h.TodayAppointments)
	readGroup.GET("/upcoming", h.UpcomingAppointments)
	readGroup.GET("/pending", h.PendingAppointments)
	readGroup.GET("/stats", h.Stats)
	readGroup.POST("/sync", h.Sync)
	readGroup.POST("", h.CreateAppointment)
	readGroup.POST("/:id/cancel", h.transition(ActionCancel))

	// Review endpoints – doctor, frontdesk
	reviewGroup := api.Group("/appointments", session.RequireRole(session.RoleDoctor, session.RoleFrontDesk))
	reviewGroup.POST("/:id/approve", h.transition(ActionApprove))
	reviewGroup.POST("/:id/reject", h.transition(ActionReject))

	// Clinical endpoints – doctor
	clinicalGroup := api.Group("/appointments", session.RequireRole(session.RoleDoctor))
	clinicalGroup.POST("/:id/complete", h.transition(ActionComplete))
}

type createRequest struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	DateTime  time.Time `json:"date_time"`
	Reason    string    `json:"reason"`
	Modality  string    `json:"modality"`
}

func (h *Handler) ListAppointments(c echo.Context) error {
	m, err := h.managers.Appointments(c.Request().Context())
	if err != nil {
		return err
	}
	appts := m.Snapshot()
	if s := c.QueryParam("status"); s != "" {
		status := ParseStatus(s)
		if status == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+s)
		}
		filtered := appts[:0]
		for _, a := range appts {
			if a.Status == status {
				filtered = append(filtered, a)
			}
		}
		appts = filtered
	}
	return c.JSON(http.StatusOK, pagination.Page(appts, pagination.FromContext(c)))
}

func (h *Handler) TodayAppointments(c echo.Context) error {
	m, err := h.managers.Appointments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(m.Today()))
}

func (h *Handler) UpcomingAppointments(c echo.Context) error {
	m, err := h.managers.Appointments(c.Request().Context())
	if err != nil {
		return err
	}
	limit := h.upcomingLimit
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		limit = l
	}
	return c.JSON(http.StatusOK, nonNil(m.Upcoming(limit)))
}

func (h *Handler) PendingAppointments(c echo.Context) error {
	m, err := h.managers.Appointments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(m.Pending()))
}

func (h *Handler) Stats(c echo.Context) error {
	m, err := h.managers.Appointments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m.Stats())
}

func (h *Handler) Sync(c echo.Context) error {
	ctx := c.Request().Context()
	m, err := h.managers.Appointments(ctx)
	if err != nil {
		return err
	}
	if err := m.Sync(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(m.Snapshot()))
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	m, err := h.managers.Appointments(ctx)
	if err != nil {
		return err
	}

	cred, _ := session.FromContext(ctx)
	byPatient := cred.HasRole(session.RolePatient) && !cred.HasRole(session.RoleFrontDesk)
	if byPatient && req.PatientID == "" {
		req.PatientID = cred.Subject
	}
	modality, _ := ParseModality(req.Modality)
	if modality == "" {
		modality = Modality(req.Modality)
	}

	appt, err := m.Create(ctx, Draft{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		DateTime:  req.DateTime,
		Reason:    req.Reason,
		Modality:  modality,
	}, byPatient)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) transition(action Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		m, err := h.managers.Appointments(ctx)
		if err != nil {
			return err
		}
		appt, err := m.Transition(ctx, c.Param("id"), action)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, appt)
	}
}

func nonNil(appts []Appointment) []Appointment {
	if appts == nil {
		return []Appointment{}
	}
	return appts
}
