package coapclient

import (
	"context"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Transport sends one CoAP request and waits for its response.
//
// An error return is a transport failure (unreachable host, timeout, broken
// connection). A response with any code, including 4.xx and 5.xx, is not an
// error at this level.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Response is the transport-level result of a request.
type Response struct {
	Code    codes.Code
	Payload []byte

	// MediaType is the declared content format, including any charset
	// parameter (e.g. "text/plain; charset=utf-8"). Empty when absent.
	MediaType string
}

// IsSuccess reports whether the code is in the 2.xx class.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Code>>5 == 2
}
