package coapclient

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Domain-specific errors for CoAP request dispatch.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrQueueFull is returned when a request cannot be queued because the
	// dispatcher already holds its maximum number of pending requests.
	ErrQueueFull = errors.New("coapclient: maximum queue size exceeded")

	// ErrCanceled is returned for queued requests discarded by Shutdown.
	ErrCanceled = errors.New("coapclient: request canceled by shutdown")

	// ErrShutdown is returned when submitting to a dispatcher that was shut down.
	ErrShutdown = errors.New("coapclient: dispatcher is shut down")

	// ErrInvalidDelay is returned when a delay is negative or above MaxDelay.
	ErrInvalidDelay = errors.New("coapclient: delay must be between zero and 24h")

	// ErrNoTransport is returned when a dispatcher is created without a transport.
	ErrNoTransport = errors.New("coapclient: transport is required")

	// ErrInvalidMethod is returned for methods other than GET, POST, PUT and DELETE.
	ErrInvalidMethod = errors.New("coapclient: invalid request method")

	// ErrInvalidTarget is returned when a request target is not a coap:// URL.
	ErrInvalidTarget = errors.New("coapclient: invalid request target")

	// ErrUnsuccessfulResponse is matched by every *StatusError.
	ErrUnsuccessfulResponse = errors.New("coapclient: response is not successful")
)

// StatusError reports a response whose code is outside the 2.xx success class.
type StatusError struct {
	Target string
	Code   codes.Code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coapclient: response is not successful, response code %s", e.Code)
}

// Unwrap lets errors.Is(err, ErrUnsuccessfulResponse) match.
func (e *StatusError) Unwrap() error {
	return ErrUnsuccessfulResponse
}
