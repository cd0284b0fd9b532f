package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-coap/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in Error.Code.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeInternal           = "internal_error"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeUnavailable        = "service_unavailable"
	ErrCodeDeviceError        = "device_error"
	ErrCodeDeviceUnreachable  = "device_unreachable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeBridgeError maps bridge and dispatcher errors to HTTP responses.
func writeBridgeError(w http.ResponseWriter, err error) {
	var statusErr *coapclient.StatusError

	switch {
	case errors.Is(err, coap.ErrUnknownThing), errors.Is(err, coap.ErrUnknownChannel):
		writeNotFound(w, err.Error())
	case errors.Is(err, coapclient.ErrInvalidDelay),
		errors.Is(err, coap.ErrWriteOnlyChannel),
		errors.Is(err, coap.ErrReadOnlyChannel):
		writeBadRequest(w, err.Error())
	case errors.Is(err, coapclient.ErrShutdown), errors.Is(err, coap.ErrBridgeStopped),
		errors.Is(err, coapclient.ErrCanceled), errors.Is(err, coapclient.ErrQueueFull):
		writeUnavailable(w, err.Error())
	case errors.Is(err, coap.ErrNoResponse):
		writeError(w, http.StatusGatewayTimeout, ErrCodeDeviceUnreachable, err.Error())
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
