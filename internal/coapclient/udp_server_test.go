package coapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// echoReply is what the in-process test server reports back for /echo.
type echoReply struct {
	Method  string   `json:"method"`
	Body    string   `json:"body"`
	Queries []string `json:"queries"`
	Accept  string   `json:"accept"`
}

// startTestServer runs a CoAP/UDP server on a loopback port and returns its
// coap:// base URL.
func startTestServer(t *testing.T) string {
	t.Helper()

	l, err := coapNet.NewListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewListenUDP() error = %v", err)
	}

	router := mux.NewRouter()
	handle := func(path string, h mux.HandlerFunc) {
		if err := router.Handle(path, h); err != nil {
			t.Fatalf("router.Handle(%q) error = %v", path, err)
		}
	}

	handle("/echo", func(w mux.ResponseWriter, r *mux.Message) {
		reply := echoReply{Method: r.Code().String()}
		if r.Body() != nil {
			body, _ := io.ReadAll(r.Body())
			reply.Body = string(body)
		}
		reply.Queries, _ = r.Queries()
		if mt, err := r.Accept(); err == nil {
			reply.Accept = mt.String()
		}
		data, _ := json.Marshal(reply)
		_ = w.SetResponse(codes.Content, message.AppJSON, bytes.NewReader(data))
	})
	handle("/missing", func(w mux.ResponseWriter, _ *mux.Message) {
		_ = w.SetResponse(codes.NotFound, message.TextPlain, bytes.NewReader([]byte("no such resource")))
	})
	handle("/slow", func(w mux.ResponseWriter, _ *mux.Message) {
		time.Sleep(400 * time.Millisecond)
		_ = w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte("slow")))
	})
	handle("/fast", func(w mux.ResponseWriter, _ *mux.Message) {
		_ = w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte("fast")))
	})

	s := udp.NewServer(options.WithMux(router))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(l)
	}()
	t.Cleanup(func() {
		s.Stop()
		<-done
		l.Close()
	})

	return "coap://" + l.LocalAddr().String()
}

func newTestUDPTransport(t *testing.T) *UDPTransport {
	t.Helper()
	tr, err := NewUDPTransport(UDPOptions{Accept: "application/json"})
	if err != nil {
		t.Fatalf("NewUDPTransport() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestUDPTransport_Do(t *testing.T) {
	base := startTestServer(t)
	tr := newTestUDPTransport(t)

	tests := []struct {
		name     string
		method   Method
		body     string
		wantBody string
	}{
		{"get", MethodGet, "", ""},
		{"post", MethodPost, "on", "on"},
		{"put", MethodPut, "42", "42"},
		{"delete", MethodDelete, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := tr.Do(ctx, Request{
				Target: mustURL(t, base+"/echo?unit=c&verbose"),
				Method: tt.method,
				Body:   tt.body,
			})
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if resp.Code != codes.Content {
				t.Errorf("Code = %v, want %v", resp.Code, codes.Content)
			}
			if resp.MediaType != "application/json" {
				t.Errorf("MediaType = %q, want application/json", resp.MediaType)
			}

			var got echoReply
			if err := json.Unmarshal(resp.Payload, &got); err != nil {
				t.Fatalf("decoding reply %q: %v", resp.Payload, err)
			}
			if got.Method != string(tt.method) {
				t.Errorf("server saw method %q, want %q", got.Method, tt.method)
			}
			if got.Body != tt.wantBody {
				t.Errorf("server saw body %q, want %q", got.Body, tt.wantBody)
			}
			if strings.Join(got.Queries, "&") != "unit=c&verbose" {
				t.Errorf("server saw queries %v, want [unit=c verbose]", got.Queries)
			}
			if got.Accept != "application/json" {
				t.Errorf("server saw accept %q, want application/json", got.Accept)
			}
		})
	}
}

func TestUDPTransport_DoErrorCodeIsResponse(t *testing.T) {
	base := startTestServer(t)
	tr := newTestUDPTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Do(ctx, Request{Target: mustURL(t, base+"/missing"), Method: MethodGet})
	if err != nil {
		t.Fatalf("Do() error = %v, want a 4.04 response", err)
	}
	if resp.Code != codes.NotFound {
		t.Errorf("Code = %v, want %v", resp.Code, codes.NotFound)
	}
	if string(resp.Payload) != "no such resource" {
		t.Errorf("Payload = %q", resp.Payload)
	}
}

// A request that runs out of time must not take down other requests sharing
// its connection.
func TestUDPTransport_TimeoutKeepsSharedConn(t *testing.T) {
	base := startTestServer(t)
	tr := newTestUDPTransport(t)

	var wg sync.WaitGroup
	var slowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		_, slowErr = tr.Do(ctx, Request{Target: mustURL(t, base+"/slow"), Method: MethodGet})
	}()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := tr.Do(ctx, Request{Target: mustURL(t, base+"/fast"), Method: MethodGet})
	wg.Wait()

	if !errors.Is(slowErr, context.DeadlineExceeded) {
		t.Errorf("slow request error = %v, want deadline exceeded", slowErr)
	}
	if err != nil {
		t.Fatalf("concurrent request error = %v", err)
	}
	if string(resp.Payload) != "fast" {
		t.Errorf("Payload = %q, want fast", resp.Payload)
	}

	tr.mu.Lock()
	cached := len(tr.conns)
	tr.mu.Unlock()
	if cached != 1 {
		t.Errorf("cached connections = %d, want 1", cached)
	}

	resp, err = tr.Do(ctx, Request{Target: mustURL(t, base+"/fast"), Method: MethodGet})
	if err != nil {
		t.Fatalf("follow-up request error = %v", err)
	}
	if string(resp.Payload) != "fast" {
		t.Errorf("follow-up Payload = %q, want fast", resp.Payload)
	}
}

func TestUDPTransport_RedialsClosedConn(t *testing.T) {
	base := startTestServer(t)
	tr := newTestUDPTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := mustURL(t, base+"/fast")

	if _, err := tr.Do(ctx, Request{Target: target, Method: MethodGet}); err != nil {
		t.Fatalf("first Do() error = %v", err)
	}

	addr, _ := hostPort(target)
	tr.mu.Lock()
	first := tr.conns[addr]
	tr.mu.Unlock()
	first.Close()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not shut down after Close")
	}

	if _, err := tr.Do(ctx, Request{Target: target, Method: MethodGet}); err != nil {
		t.Fatalf("Do() after close error = %v", err)
	}
	tr.mu.Lock()
	second := tr.conns[addr]
	tr.mu.Unlock()
	if second == first {
		t.Error("closed connection was reused")
	}
}
