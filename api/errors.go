package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/auth"
	"github.com/NTDesnoyers/memry-OS-sub003/capture"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

var errBadRequest = errors.New("api: bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, event.ErrValidation),
		errors.Is(err, capture.ErrInvalidBody),
		errors.Is(err, capture.ErrTooManyItems),
		errors.Is(err, action.ErrUnknownType),
		errors.Is(err, syncqueue.ErrInvalidInput),
		errors.Is(err, subscription.ErrUnknownAgent),
		errors.Is(err, subscription.ErrUnknownEventType):
		return http.StatusBadRequest, "validation_error"

	case errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrUnknownSource):
		return http.StatusUnauthorized, "unauthorized"

	case errors.Is(err, event.ErrNotFound),
		errors.Is(err, action.ErrNotFound),
		errors.Is(err, signal.ErrNotFound),
		errors.Is(err, syncqueue.ErrNotFound),
		errors.Is(err, syncqueue.ErrUnknownIntegration),
		errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, action.ErrInvalidStateTransition),
		errors.Is(err, action.ErrNotRetryable),
		errors.Is(err, action.ErrClaimed),
		errors.Is(err, syncqueue.ErrInvalidStateTransition),
		errors.Is(err, signal.ErrNotOpen):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		msg = http.StatusText(status)
	}
	return c.JSON(status, ErrorResponse{Error: code, Message: msg})
}

// errorHandler renders errors raised outside handlers, such as auth
// middleware rejections and unknown routes, in the same shape.
func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = h.fail(c, err)
		return
	}
	msg := fmt.Sprint(he.Message)
	code := "http_error"
	switch he.Code {
	case http.StatusUnauthorized:
		code = "unauthorized"
	case http.StatusForbidden:
		code = "forbidden"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusMethodNotAllowed:
		code = "method_not_allowed"
	}
	_ = c.JSON(he.Code, ErrorResponse{Error: code, Message: msg})
}
