package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health is used by load balancers to verify the service is running.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
