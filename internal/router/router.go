package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-seat-inventory/internal/handler"
	"github.com/iliyamo/train-seat-inventory/internal/middleware"
)

// RegisterRoutes registers routes that need no authentication.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterTickets registers the seat inventory API. Remaining counts are
// public; purchases require a token from the account service.
func RegisterTickets(e *echo.Echo, h *handler.TicketHandler, jwtSecret string) {
	g := e.Group("/api/v1")
	g.GET("/trains/:id/remaining", h.Remaining)
	g.POST("/tickets/purchase", h.Purchase, middleware.JWTAuth(jwtSecret))
}
