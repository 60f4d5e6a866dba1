package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// status maps a purchase error to its HTTP status. Duplicates are checked
// before client rejections since they wrap them.
func status(err error) int {
	switch {
	case errors.Is(err, model.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, model.ErrClientRejection):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientInventory):
		return http.StatusConflict
	case errors.Is(err, model.ErrServiceBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrUnsupportedTrainType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrDependencyFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error body. Server side failures are logged and
// their details withheld from the client.
func fail(c echo.Context, log logrus.FieldLogger, err error) error {
	code := status(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		log.WithError(err).WithField("path", c.Path()).Error("request failed")
		return c.JSON(code, echo.Map{"error": http.StatusText(code)})
	}
	return c.JSON(code, echo.Map{"error": err.Error()})
}
