package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/middleware"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/service"
)

// SessionHandler drives the live session of a booking and hands out media
// credentials.
type SessionHandler struct {
	Life *service.Lifecycle
}

// NewSessionHandler constructs a SessionHandler.  life must be non-nil.
func NewSessionHandler(life *service.Lifecycle) *SessionHandler {
	if life == nil {
		panic("nil lifecycle passed to NewSessionHandler")
	}
	return &SessionHandler{Life: life}
}

// Start handles POST /v1/bookings/:id/session/start.  Only the booking's
// guide may start; a booking that is not confirmed answers 409.
func (h *SessionHandler) Start(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	grant, err := h.Life.StartSession(c.Request().Context(), ident, c.Param("id"))
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"channel_name": grant.ChannelName,
		"token":        grant.Token,
		"app_id":       grant.AppID,
		"expires_at":   grant.ExpiresAt,
		"booking":      grant.Booking,
	})
}

// End handles POST /v1/bookings/:id/session/end.
func (h *SessionHandler) End(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	b, err := h.Life.EndSession(c.Request().Context(), ident, c.Param("id"))
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "booking": b})
}

// ViewerToken handles POST /v1/bookings/:id/viewer-token.  Guests without
// an identity receive an anonymous subscriber token.
func (h *SessionHandler) ViewerToken(c echo.Context) error {
	var viewer *model.Identity
	if ident, ok := middleware.IdentityFrom(c); ok {
		viewer = &ident
	}
	cred, err := h.Life.IssueViewerCredential(c.Request().Context(), c.Param("id"), viewer)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"channel_name": cred.ChannelName,
		"token":        cred.Token,
		"app_id":       cred.AppID,
		"expires_at":   cred.ExpiresAt,
	})
}

// Session handles GET /v1/bookings/:id/session and returns the stream
// record once the session has been started.
func (h *SessionHandler) Session(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	ctx := c.Request().Context()
	if _, err := h.Life.GetBooking(ctx, ident, c.Param("id")); err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	s, err := h.Life.StreamSession(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, s)
}
