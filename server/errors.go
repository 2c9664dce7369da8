package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrMalformedEvent       = errors.New("malformed event")
	ErrRouteNotFound        = errors.New("route not found")
	ErrMethodNotAllowed     = errors.New("method not allowed")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrConnectionGone       = errors.New("connection gone")
	ErrPushRejected         = errors.New("push rejected")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrTimeout              = errors.New("invocation timeout")
)

// StatusCode maps an error from the taxonomy above to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrConnectionGone):
		return http.StatusGone
	case errors.Is(err, ErrPushRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Message string `json:"message"`
}

// ErrorResponse renders err as a JSON response. Internal errors are not
// echoed back to the caller.
func ErrorResponse(err error) *Response {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}

	body, _ := json.Marshal(errorBody{Message: msg})
	return &Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}
