package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/schedule"
	"github.com/iliyamo/live-tours/internal/service"
)

// SlotHandler exposes slot availability and slot administration.
type SlotHandler struct {
	Ledger *service.SlotLedger
}

// NewSlotHandler constructs a SlotHandler.  ledger must be non-nil.
func NewSlotHandler(ledger *service.SlotLedger) *SlotHandler {
	if ledger == nil {
		panic("nil ledger passed to NewSlotHandler")
	}
	return &SlotHandler{Ledger: ledger}
}

// List handles GET /v1/tours/:tourId/slots?from=&to= with RFC 3339 bounds.
func (h *SlotHandler) List(c echo.Context) error {
	from, err := parseTimeParam(c, "from")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_request"})
	}
	to, err := parseTimeParam(c, "to")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_request"})
	}
	slots, err := h.Ledger.ListAvailable(c.Request().Context(), c.Param("tourId"), from, to)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	if slots == nil {
		slots = []model.TourSlot{}
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": slots})
}

type slotOwnerBody struct {
	GuideID         string `json:"guide_id"`
	MaxParticipants int    `json:"max_participants"`
}

// Create handles POST /v1/tours/:tourId/slots:
//
//	{"guide_id":"g1","max_participants":8,"timezone":"Europe/Rome",
//	 "slots":[{"date":"2026-11-02","start":"09:00","end":"10:30"}]}
//
// A guide may omit guide_id; it defaults to their own.
func (h *SlotHandler) Create(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	var body struct {
		slotOwnerBody
		Timezone string            `json:"timezone"`
		Slots    []schedule.OneOff `json:"slots"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": "invalid_request"})
	}
	req := service.SlotRequest{TourID: c.Param("tourId"), GuideID: body.GuideID, MaxParticipants: body.MaxParticipants}
	slots, err := h.Ledger.CreateOneOff(c.Request().Context(), ident, req, body.Timezone, body.Slots)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusCreated, echo.Map{"slots": slots})
}

// Recurring handles POST /v1/tours/:tourId/slots/recurring.  Days are
// weekday numbers with Sunday as 0; from and until are inclusive local
// dates.
func (h *SlotHandler) Recurring(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	var body struct {
		slotOwnerBody
		Pattern schedule.Weekly `json:"pattern"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": "invalid_request"})
	}
	req := service.SlotRequest{TourID: c.Param("tourId"), GuideID: body.GuideID, MaxParticipants: body.MaxParticipants}
	slots, err := h.Ledger.CreateRecurring(c.Request().Context(), ident, req, body.Pattern)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusCreated, echo.Map{"slots": slots, "count": len(slots)})
}
