package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/middleware"
	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// TicketService is the purchase flow as seen by HTTP handlers.
type TicketService interface {
	Purchase(ctx context.Context, username, idemKey string, req model.PurchaseRequest) (*model.PurchaseResult, error)
	Remaining(ctx context.Context, trainID uint64, departure, arrival string) (map[model.SeatClass]int, error)
}

type TicketHandler struct {
	svc TicketService
	log logrus.FieldLogger
}

func NewTicketHandler(svc TicketService, log logrus.FieldLogger) *TicketHandler {
	return &TicketHandler{svc: svc, log: log}
}

// Purchase handles POST /api/v1/tickets/purchase. An Idempotency-Key header
// deduplicates retries of the same logical purchase.
func (h *TicketHandler) Purchase(c echo.Context) error {
	user := middleware.Username(c)
	if user == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req model.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	res, err := h.svc.Purchase(c.Request().Context(), user, c.Request().Header.Get("Idempotency-Key"), req)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Remaining handles GET /api/v1/trains/:id/remaining?departure=&arrival=.
func (h *TicketHandler) Remaining(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid train id"})
	}
	dep, arr := c.QueryParam("departure"), c.QueryParam("arrival")
	if dep == "" || arr == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "departure and arrival are required"})
	}
	left, err := h.svc.Remaining(c.Request().Context(), id, dep, arr)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"train_id":  id,
		"departure": dep,
		"arrival":   arr,
		"remaining": left,
	})
}
