// Package router wires handlers and middleware onto the echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/live-tours/internal/handler"
	"github.com/iliyamo/live-tours/internal/middleware"
	"github.com/iliyamo/live-tours/internal/model"
)

// Handlers groups everything RegisterAPI mounts.
type Handlers struct {
	Bookings *handler.BookingHandler
	Sessions *handler.SessionHandler
	Slots    *handler.SlotHandler
	Profiles *handler.ProfileHandler
	Rooms    *handler.RoomHandler
}

// RegisterRoutes registers routes that need no identity: the health
// check and the prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAPI mounts the /v1 API.  auth verifies the caller, optional
// lets guests through, and limit throttles the write paths that hit the
// slot ledger or mint media tokens.
func RegisterAPI(e *echo.Echo, h Handlers, auth, optional, limit echo.MiddlewareFunc) {
	v1 := e.Group("/v1")

	// Guests may watch a live session.
	v1.POST("/bookings/:id/viewer-token", h.Sessions.ViewerToken, optional, limit)
	v1.GET("/tours/:tourId/slots", h.Slots.List)

	g := v1.Group("", auth)
	g.GET("/me", h.Profiles.Me)
	g.GET("/me/bookings", h.Bookings.Mine)
	g.PUT("/me/profile/guide", h.Profiles.LinkGuide, middleware.RequireRole(model.RoleAdmin))

	g.POST("/bookings", h.Bookings.Create, limit)
	g.GET("/bookings/:id", h.Bookings.Get)
	g.POST("/bookings/:id/cancel", h.Bookings.Cancel, limit)

	staff := middleware.RequireRole(model.RoleGuide, model.RoleAdmin)
	g.POST("/bookings/:id/session/start", h.Sessions.Start, staff, limit)
	g.POST("/bookings/:id/session/end", h.Sessions.End, staff)
	g.GET("/bookings/:id/session", h.Sessions.Session)

	g.GET("/bookings/:id/participants", h.Rooms.Participants)
	g.GET("/bookings/:id/messages", h.Rooms.Messages)
	g.GET("/rooms/ws", h.Rooms.Stream)

	g.POST("/tours/:tourId/slots", h.Slots.Create, staff)
	g.POST("/tours/:tourId/slots/recurring", h.Slots.Recurring, staff)
}
