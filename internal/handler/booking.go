package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/service"
)

// BookingHandler serves booking creation, lookup and cancellation.  All
// routes run behind the identity middleware.
type BookingHandler struct {
	Life *service.Lifecycle
}

// NewBookingHandler constructs a BookingHandler.  life must be non-nil.
func NewBookingHandler(life *service.Lifecycle) *BookingHandler {
	if life == nil {
		panic("nil lifecycle passed to NewBookingHandler")
	}
	return &BookingHandler{Life: life}
}

// Create handles POST /v1/bookings.  The body names the tour and slot and
// optionally the viewer's IANA timezone.  A lost race returns 409 and the
// client should re-fetch availability.
func (h *BookingHandler) Create(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	var body struct {
		TourID   string `json:"tour_id"`
		SlotID   string `json:"slot_id"`
		Timezone string `json:"timezone"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": "invalid_request"})
	}
	b, err := h.Life.CreateBooking(c.Request().Context(), ident, body.TourID, body.SlotID, body.Timezone)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	b, err := h.Life.GetBooking(c.Request().Context(), ident, c.Param("id"))
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, b)
}

// Mine handles GET /v1/me/bookings.
func (h *BookingHandler) Mine(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	list, err := h.Life.ListMine(c.Request().Context(), ident)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	if list == nil {
		list = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": list})
}

// Cancel handles POST /v1/bookings/:id/cancel.  Only confirmed bookings
// can be cancelled; anything else is a 400.
func (h *BookingHandler) Cancel(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": "invalid_request"})
	}
	b, err := h.Life.Cancel(c.Request().Context(), ident, c.Param("id"), body.Reason)
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, b)
}
