package coapclient

import (
	"fmt"
	"net/url"
	"strings"
)

// Method is a CoAP request method.
type Method string

// Supported request methods.
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod converts a case-insensitive method name to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
}

// HasBody reports whether requests with this method carry a payload.
func (m Method) HasBody() bool {
	return m == MethodPost || m == MethodPut
}

// Request describes one outbound CoAP operation.
// It is immutable once submitted.
type Request struct {
	Target *url.URL
	Method Method
	Body   string
}

// String returns "METHOD target" for logging.
func (r Request) String() string {
	if r.Target == nil {
		return string(r.Method) + " <nil>"
	}
	return string(r.Method) + " " + r.Target.String()
}

// entry is a queued request together with its caller-facing result.
type entry struct {
	req    Request
	future *Future
}
