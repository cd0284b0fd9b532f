package coap

import "errors"

// Domain errors for the CoAP bridge package.
var (
	// ErrUnknownThing is returned when a thing ID is not configured.
	ErrUnknownThing = errors.New("coap: unknown thing")

	// ErrUnknownChannel is returned when a channel ID is not configured on a thing.
	ErrUnknownChannel = errors.New("coap: unknown channel")

	// ErrReadOnlyChannel is returned when a command targets a channel that
	// only reports state.
	ErrReadOnlyChannel = errors.New("coap: channel is read only")

	// ErrWriteOnlyChannel is returned when state is requested from a channel
	// that only accepts commands.
	ErrWriteOnlyChannel = errors.New("coap: channel is write only")

	// ErrInvalidCommand is returned when a command is not supported by the
	// channel type.
	ErrInvalidCommand = errors.New("coap: invalid command")

	// ErrInvalidParameters is returned when command parameters are missing or
	// out of range.
	ErrInvalidParameters = errors.New("coap: invalid parameters")

	// ErrNoResponse is returned when a device could not be reached.
	ErrNoResponse = errors.New("coap: no response from device")

	// ErrBridgeStopped is returned by operations attempted after Stop.
	ErrBridgeStopped = errors.New("coap: bridge stopped")
)
