package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/middleware"
	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/service"
	"github.com/iliyamo/live-tours/internal/token"
)

// currentIdentity returns the caller set by the identity middleware, or
// writes a 401 and returns ok=false.
func currentIdentity(c echo.Context) (model.Identity, bool) {
	ident, ok := middleware.IdentityFrom(c)
	if !ok || ident.UserID == "" {
		_ = c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "code": "unauthorized"})
		return model.Identity{}, false
	}
	return ident, true
}

// writeError translates the error taxonomy into a JSON response with a
// specific message and a machine readable code.  transition is the status
// used for an invalid booking state change, which differs per endpoint.
func writeError(c echo.Context, err error, transition int) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking, slot or message not found", "code": "not_found"})
	case errors.Is(err, repository.ErrSlotConflict):
		return c.JSON(http.StatusConflict, echo.Map{
			"error": "someone else just took this time; refresh availability and pick another slot",
			"code":  "slot_conflict",
		})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "you are not linked to this booking", "code": "forbidden"})
	case errors.Is(err, repository.ErrInvalidTransition):
		return c.JSON(transition, echo.Map{"error": "the booking is not in a state that allows this action", "code": "invalid_transition"})
	case errors.Is(err, service.ErrSessionNotActive):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "the live session has not started or has already ended", "code": "session_not_active"})
	case errors.Is(err, service.ErrInvalidMessage):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "messages must be 1 to 500 characters", "code": "invalid_message"})
	case errors.Is(err, service.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_request"})
	case errors.Is(err, token.ErrConfiguration):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "live streaming is not configured on this server", "code": "media_unavailable"})
	}
	c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error", "code": "internal"})
}

// parseTimeParam reads an RFC 3339 query parameter.  An absent parameter
// yields the zero time.
func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + ": use RFC 3339")
	}
	return t.UTC(), nil
}

func parseIntParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
