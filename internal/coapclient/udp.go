package coapclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpClient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// DefaultPort is the IANA-assigned CoAP port.
const DefaultPort = "5683"

// UDPOptions configures a UDPTransport.
type UDPOptions struct {
	// MaxMessageSize bounds response size in bytes. Default: DefaultBufferSize.
	MaxMessageSize int

	// Accept, when set, is sent as the Accept option on every request.
	Accept string

	// ContentFormat is the payload format for POST and PUT.
	// Default: text/plain.
	ContentFormat string
}

// UDPTransport sends requests over plain CoAP/UDP using go-coap.
//
// One connection per host:port is dialed lazily and shared by every request
// to that endpoint. A request that times out or is cancelled leaves the
// connection alone; only a connection that has itself failed is evicted and
// redialed on the next request.
type UDPTransport struct {
	maxMessageSize uint32
	accept         *message.MediaType
	contentFormat  message.MediaType

	mu     sync.Mutex
	conns  map[string]*udpClient.Conn
	closed bool
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport creates a UDPTransport. No connection is opened until the
// first request.
func NewUDPTransport(opts UDPOptions) (*UDPTransport, error) {
	size := opts.MaxMessageSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	t := &UDPTransport{
		maxMessageSize: uint32(size), //nolint:gosec // positive, checked above
		contentFormat:  message.TextPlain,
		conns:          make(map[string]*udpClient.Conn),
	}

	if opts.ContentFormat != "" {
		mt, err := ParseMediaType(opts.ContentFormat)
		if err != nil {
			return nil, err
		}
		t.contentFormat = mt
	}
	if opts.Accept != "" {
		mt, err := ParseMediaType(opts.Accept)
		if err != nil {
			return nil, err
		}
		t.accept = &mt
	}
	return t, nil
}

// Do implements Transport.
func (t *UDPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	addr, err := hostPort(req.Target)
	if err != nil {
		return nil, err
	}

	conn, err := t.conn(addr)
	if err != nil {
		return nil, err
	}

	path := req.Target.Path
	if path == "" {
		path = "/"
	}
	opts := t.requestOptions(req.Target)

	var resp *pool.Message
	switch req.Method {
	case MethodGet:
		resp, err = conn.Get(ctx, path, opts...)
	case MethodPost:
		resp, err = conn.Post(ctx, path, t.contentFormat, bytes.NewReader([]byte(req.Body)), opts...)
	case MethodPut:
		resp, err = conn.Put(ctx, path, t.contentFormat, bytes.NewReader([]byte(req.Body)), opts...)
	case MethodDelete:
		resp, err = conn.Delete(ctx, path, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if err != nil {
		if connFailed(ctx, conn, err) {
			t.drop(addr, conn)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Target.Redacted(), err)
	}
	defer conn.ReleaseMessage(resp)

	return toResponse(resp)
}

// connFailed reports whether a request error means the connection itself is
// unusable. Deadlines and cancellation belong to the request only.
func connFailed(ctx context.Context, conn *udpClient.Conn, err error) bool {
	select {
	case <-conn.Done():
		return true
	default:
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}

// Close closes every open connection. Later requests fail.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*udpClient.Conn)
	t.closed = true
	t.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// conn returns the cached connection for addr, dialing if needed.
func (t *UDPTransport) conn(addr string) (*udpClient.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, net.ErrClosed
	}
	if c, ok := t.conns[addr]; ok {
		select {
		case <-c.Done():
			delete(t.conns, addr)
		default:
			return c, nil
		}
	}

	c, err := udp.Dial(addr, options.WithMaxMessageSize(t.maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	t.conns[addr] = c
	return c, nil
}

// drop forgets and closes c if it is still the cached connection for addr.
func (t *UDPTransport) drop(addr string, c *udpClient.Conn) {
	t.mu.Lock()
	if t.conns[addr] == c {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	_ = c.Close() //nolint:errcheck // connection already failed
}

func (t *UDPTransport) requestOptions(target *url.URL) []message.Option {
	var opts []message.Option
	if target.RawQuery != "" {
		for _, q := range strings.Split(target.RawQuery, "&") {
			if q == "" {
				continue
			}
			if unescaped, err := url.QueryUnescape(q); err == nil {
				q = unescaped
			}
			opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(q)})
		}
	}
	if t.accept != nil {
		opts = append(opts, message.Option{ID: message.Accept, Value: encodeUint(uint32(*t.accept))})
	}
	return opts
}

func toResponse(msg *pool.Message) (*Response, error) {
	body, err := msg.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	resp := &Response{Code: msg.Code(), Payload: body}
	if mt, err := msg.ContentFormat(); err == nil {
		resp.MediaType = mt.String()
	}
	return resp, nil
}

// hostPort validates a coap:// target and returns its dial address.
func hostPort(target *url.URL) (string, error) {
	if target == nil {
		return "", fmt.Errorf("%w: missing target", ErrInvalidTarget)
	}
	if !strings.EqualFold(target.Scheme, "coap") {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, target.Scheme)
	}
	host := target.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	port := target.Port()
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// mediaTypes maps common content format names to CoAP media types.
var mediaTypes = map[string]message.MediaType{
	"text/plain":               message.TextPlain,
	"application/link-format":  message.AppLinkFormat,
	"application/xml":          message.AppXML,
	"application/octet-stream": message.AppOctets,
	"application/json":         message.AppJSON,
	"application/cbor":         message.AppCBOR,
}

// ParseMediaType accepts a content format name ("application/json") or its
// numeric CoAP identifier ("50").
func ParseMediaType(s string) (message.MediaType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if base, _, found := strings.Cut(s, ";"); found {
		s = strings.TrimSpace(base)
	}
	if mt, ok := mediaTypes[s]; ok {
		return mt, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("coapclient: unknown content format %q", s)
	}
	return message.MediaType(n), nil
}

// encodeUint encodes v as a CoAP uint option value: big-endian, minimal
// length, zero encoded as no bytes.
func encodeUint(v uint32) []byte {
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte(v)}, buf...)
		v >>= 8
	}
	return buf
}
