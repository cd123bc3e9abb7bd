package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/pkg/pagination"
)

// Provider resolves the billing engine of the caller's workspace.
type Provider interface {
	Billing(ctx context.Context) (*Engine, error)
}

type Handler struct {
	engines Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{engines: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, frontdesk, patient
	readGroup := api.Group("/bills", session.RequireRole(session.RoleFrontDesk, session.RolePatient))
	readGroup.GET("", h.ListBills)
	readGroup.GET("/categories", h.Categories)
	readGroup.GET("/:id", h.GetBill)

	// Write endpoints – admin, frontdesk
	writeGroup := api.Group("/bills", session.RequireRole(session.RoleFrontDesk))
	writeGroup.GET("/revenue", h.Revenue)
	writeGroup.POST("", h.CreateBill)
	writeGroup.POST("/stay-quote", h.StayQuote)
	writeGroup.PUT("/:id", h.EditBill)
	writeGroup.POST("/:id/settle", h.SettleBill)
	writeGroup.POST("/:id/proceed", h.ProceedBill)
}

type itemsRequest struct {
	PatientID string     `json:"patient_id"`
	Items     []LineItem `json:"items"`
}

type stayQuoteRequest struct {
	Kind      string    `json:"kind"`
	BedNumber string    `json:"bed_number"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
}

type stayQuoteResponse struct {
	Items  []LineItem `json:"items"`
	Amount Amount     `json:"amount"`
	Nights int        `json:"nights"`
}

type revenueResponse struct {
	Date   string `json:"date"`
	Amount Amount `json:"amount"`
}

func (h *Handler) ListBills(c echo.Context) error {
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	if c.QueryParam("refresh") == "true" {
		if err := eng.Refresh(ctx); err != nil {
			return err
		}
	}

	var bills []Bill
	switch {
	case c.QueryParam("patient_id") != "":
		bills = eng.ForPatient(c.QueryParam("patient_id"))
	case c.QueryParam("status") == string(StatusPending):
		bills = eng.Pending()
	default:
		bills = eng.Bills()
	}
	return c.JSON(http.StatusOK, pagination.Page(bills, pagination.FromContext(c)))
}

func (h *Handler) GetBill(c echo.Context) error {
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	bill, err := eng.Bill(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) Categories(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"categories": Categories})
}

func (h *Handler) Revenue(c echo.Context) error {
	eng, err := h.engines.Billing(c.Request().Context())
	if err != nil {
		return err
	}
	day := time.Now()
	if d := c.QueryParam("date"); d != "" {
		day, err = time.ParseInLocation("2006-01-02", d, time.Local)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
	}
	return c.JSON(http.StatusOK, revenueResponse{Date: day.Format("2006-01-02"), Amount: eng.Revenue(day)})
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req itemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	bill, err := eng.CreateInvoice(ctx, req.PatientID, req.Items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, bill)
}

func (h *Handler) StayQuote(c echo.Context) error {
	var req stayQuoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	eng, err := h.engines.Billing(c.Request().Context())
	if err != nil {
		return err
	}
	if req.Until.IsZero() {
		req.Until = time.Now()
	}
	stay := Stay{Kind: req.Kind, BedNumber: req.BedNumber, Since: req.Since, Until: req.Until}
	items, total := eng.StayBill(stay)
	return c.JSON(http.StatusOK, stayQuoteResponse{Items: items, Amount: total, Nights: stay.Nights()})
}

func (h *Handler) EditBill(c echo.Context) error {
	var req itemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	bill, err := eng.Edit(ctx, c.Param("id"), req.Items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) SettleBill(c echo.Context) error {
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	bill, err := eng.Settle(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) ProceedBill(c echo.Context) error {
	var req itemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	eng, err := h.engines.Billing(ctx)
	if err != nil {
		return err
	}
	bill, err := eng.Proceed(ctx, c.Param("id"), req.Items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bill)
}
