package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/service"
)

// ProfileHandler serves the caller's identity and guide linking.
type ProfileHandler struct {
	Identities *service.Identities
}

// NewProfileHandler constructs a ProfileHandler.  ids must be non-nil.
func NewProfileHandler(ids *service.Identities) *ProfileHandler {
	if ids == nil {
		panic("nil identities passed to NewProfileHandler")
	}
	return &ProfileHandler{Identities: ids}
}

// Me handles GET /v1/me.
func (h *ProfileHandler) Me(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	out := echo.Map{"user_id": ident.UserID, "name": ident.Name, "role": ident.Role}
	if ident.GuideID != "" {
		out["guide_id"] = ident.GuideID
	}
	return c.JSON(http.StatusOK, out)
}

// LinkGuide handles PUT /v1/me/profile/guide.  Admins link a user to a
// guide id, which makes that user a guide.
func (h *ProfileHandler) LinkGuide(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	var body struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		GuideID     string `json:"guide_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body", "code": "invalid_request"})
	}
	p, err := h.Identities.LinkGuide(c.Request().Context(), ident, body.UserID, body.DisplayName, body.GuideID)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, p)
}
