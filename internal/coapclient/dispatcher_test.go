package coapclient

import (
	"context"
	"errors"
	"math"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu       sync.Mutex
	calls    []mockCall
	response *Response
	err      error
	block    chan struct{}
	notify   chan Request
}

type mockCall struct {
	Request Request
	At      time.Time
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		response: &Response{Code: codes.Content, Payload: []byte("ok"), MediaType: "text/plain; charset=utf-8"},
		notify:   make(chan Request, 64),
	}
}

func (m *mockTransport) Do(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{Request: req, At: time.Now()})
	resp, err, block := m.response, m.err, m.block
	m.mu.Unlock()

	select {
	case m.notify <- req:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (m *mockTransport) getCalls() []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockTransport) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func waitFuture(t *testing.T, f *Future) (*Content, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future not resolved within 2s")
	}
	return c, err
}

func newTestDispatcher(t *testing.T, opts DispatcherOptions) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(opts)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d
}

func TestNewDispatcher_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    DispatcherOptions
		wantErr error
	}{
		{"missing transport", DispatcherOptions{}, ErrNoTransport},
		{"negative delay", DispatcherOptions{Transport: newMockTransport(), Delay: -time.Millisecond}, ErrInvalidDelay},
		{"zero delay", DispatcherOptions{Transport: newMockTransport()}, nil},
		{"positive delay", DispatcherOptions{Transport: newMockTransport(), Delay: time.Second}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDispatcher(tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewDispatcher() error = %v, want %v", err, tt.wantErr)
			}
			if d != nil {
				d.Shutdown()
			}
		})
	}
}

func TestDispatcher_ZeroDelayDispatchesImmediately(t *testing.T) {
	tr := newMockTransport()
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr})

	futures := make([]*Future, 5)
	for i := range futures {
		futures[i] = d.Submit(mustURL(t, "coap://device.local/sensor"), MethodGet, "")
	}

	for i, f := range futures {
		c, err := waitFuture(t, f)
		if err != nil {
			t.Fatalf("future[%d] error = %v", i, err)
		}
		if c == nil || c.String() != "ok" {
			t.Errorf("future[%d] content = %v, want ok", i, c)
		}
	}

	if got := len(tr.getCalls()); got != 5 {
		t.Errorf("transport calls = %d, want 5", got)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestDispatcher_ZeroDelayDoesNotSerialiseCallers(t *testing.T) {
	tr := newMockTransport()
	tr.block = make(chan struct{})
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr})

	blocked := d.Submit(mustURL(t, "coap://device.local/slow"), MethodGet, "")

	// A second request must reach the transport while the first is still waiting.
	second := d.Submit(mustURL(t, "coap://device.local/fast"), MethodGet, "")
	for seen := 0; seen < 2; seen++ {
		select {
		case <-tr.notify:
		case <-time.After(time.Second):
			t.Fatalf("only %d requests reached the transport", seen)
		}
	}

	close(tr.block)
	if _, err := waitFuture(t, blocked); err != nil {
		t.Errorf("blocked future error = %v", err)
	}
	if _, err := waitFuture(t, second); err != nil {
		t.Errorf("second future error = %v", err)
	}
}

func TestDispatcher_DelayedDispatchOrderAndSpacing(t *testing.T) {
	const delay = 50 * time.Millisecond
	tr := newMockTransport()
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr, Delay: delay})

	paths := []string{"/a", "/b", "/c", "/d"}
	futures := make([]*Future, len(paths))
	for i, p := range paths {
		futures[i] = d.Submit(mustURL(t, "coap://device.local"+p), MethodGet, "")
	}
	for _, f := range futures {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("future error = %v", err)
		}
	}

	calls := tr.getCalls()
	if len(calls) != len(paths) {
		t.Fatalf("transport calls = %d, want %d", len(calls), len(paths))
	}
	const jitter = 10 * time.Millisecond
	for i, c := range calls {
		if c.Request.Target.Path != paths[i] {
			t.Errorf("call[%d] path = %q, want %q", i, c.Request.Target.Path, paths[i])
		}
		if i > 0 {
			if gap := c.At.Sub(calls[i-1].At); gap < delay-jitter {
				t.Errorf("gap between call %d and %d = %v, want >= %v", i-1, i, gap, delay)
			}
		}
	}
}

func TestDispatcher_QueueFullRejectsWithoutTouchingQueue(t *testing.T) {
	tr := newMockTransport()
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr, Delay: time.Hour, Capacity: 3})

	// Let the immediate first tick pass on an empty queue.
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		f := d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")
		if _, _, done := f.Result(); done {
			t.Fatalf("submit %d resolved immediately, want queued", i)
		}
	}

	rejected := d.Submit(mustURL(t, "coap://device.local/overflow"), MethodGet, "")
	_, err, done := rejected.Result()
	if !done {
		t.Fatal("overflow future not resolved immediately")
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow error = %v, want ErrQueueFull", err)
	}
	if d.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", d.Pending())
	}
	if got := d.Stats().Rejected; got != 1 {
		t.Errorf("Stats().Rejected = %d, want 1", got)
	}
}

func TestDispatcher_ShutdownCancelsQueued(t *testing.T) {
	tr := newMockTransport()
	d, err := NewDispatcher(DispatcherOptions{Transport: tr, Delay: time.Hour})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	const n = 5
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		futures[i] = d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")
	}

	d.Shutdown()

	for i, f := range futures {
		_, err, done := f.Result()
		if !done {
			t.Fatalf("future[%d] not resolved by Shutdown", i)
		}
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("future[%d] error = %v, want ErrCanceled", i, err)
		}
	}

	if d.Pending() != 0 {
		t.Errorf("Pending() after Shutdown = %d, want 0", d.Pending())
	}
	if d.timerActive() {
		t.Error("timer still active after Shutdown")
	}
	if len(tr.getCalls()) != 0 {
		t.Errorf("transport calls = %d, want 0", len(tr.getCalls()))
	}

	// Second shutdown is a no-op.
	d.Shutdown()
	if got := d.Stats().Canceled; got != n {
		t.Errorf("Stats().Canceled = %d, want %d", got, n)
	}
}

func TestDispatcher_QueuePreservesSubmissionOrder(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{Transport: newMockTransport(), Delay: time.Hour})
	time.Sleep(20 * time.Millisecond)

	futures := make([]*Future, 4)
	for i := range futures {
		futures[i] = d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")
	}

	// Shutdown cancels in drain order; check drain order matches submission.
	d.mu.Lock()
	pending := d.queue.drain()
	for _, e := range pending {
		d.queue.push(e)
	}
	d.mu.Unlock()

	for i, e := range pending {
		if e.future != futures[i] {
			t.Fatalf("queue position %d holds the wrong future", i)
		}
	}
	d.Shutdown()
}

func TestDispatcher_SubmitAfterShutdown(t *testing.T) {
	tr := newMockTransport()
	d, _ := NewDispatcher(DispatcherOptions{Transport: tr})
	d.Shutdown()

	_, err := waitFuture(t, d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, ""))
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("error = %v, want ErrShutdown", err)
	}
	if err := d.SetDelay(time.Second); !errors.Is(err, ErrShutdown) {
		t.Errorf("SetDelay() after Shutdown error = %v, want ErrShutdown", err)
	}
}

func TestDispatcher_SetDelayNegative(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{Transport: newMockTransport(), Delay: 40 * time.Millisecond})

	err := d.SetDelay(-time.Millisecond)
	if !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("SetDelay(-1ms) error = %v, want ErrInvalidDelay", err)
	}
	if d.Delay() != 40*time.Millisecond {
		t.Errorf("Delay() = %v, want 40ms", d.Delay())
	}
	if !d.timerActive() {
		t.Error("timer stopped by rejected SetDelay")
	}
}

func TestDispatcher_SetDelayAboveMax(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{Transport: newMockTransport(), Delay: 40 * time.Millisecond})

	if err := d.SetDelay(MaxDelay + time.Millisecond); !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("SetDelay(MaxDelay+1ms) error = %v, want ErrInvalidDelay", err)
	}
	if d.Delay() != 40*time.Millisecond {
		t.Errorf("Delay() = %v, want 40ms", d.Delay())
	}
	if err := d.SetDelay(MaxDelay); err != nil {
		t.Errorf("SetDelay(MaxDelay) error = %v", err)
	}
}

func TestDelayFromMillis(t *testing.T) {
	tests := []struct {
		name    string
		ms      int64
		want    time.Duration
		wantErr bool
	}{
		{"zero", 0, 0, false},
		{"typical", 250, 250 * time.Millisecond, false},
		{"max", MaxDelay.Milliseconds(), MaxDelay, false},
		{"negative", -1, 0, true},
		{"above max", MaxDelay.Milliseconds() + 1, 0, true},
		{"would overflow", math.MaxInt64, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DelayFromMillis(tt.ms)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDelay) {
					t.Fatalf("DelayFromMillis(%d) error = %v, want ErrInvalidDelay", tt.ms, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DelayFromMillis(%d) error = %v", tt.ms, err)
			}
			if got != tt.want {
				t.Errorf("DelayFromMillis(%d) = %v, want %v", tt.ms, got, tt.want)
			}
		})
	}
}

func TestDispatcher_SetDelayTimerInvariant(t *testing.T) {
	d := newTestDispatcher(t, DispatcherOptions{Transport: newMockTransport()})

	steps := []struct {
		delay     time.Duration
		wantTimer bool
	}{
		{5 * time.Millisecond, true},
		{0, false},
		{5 * time.Millisecond, true},
		{10 * time.Millisecond, true},
		{0, false},
		{0, false},
	}

	for i, s := range steps {
		if err := d.SetDelay(s.delay); err != nil {
			t.Fatalf("step %d: SetDelay(%v) error = %v", i, s.delay, err)
		}
		if got := d.timerActive(); got != s.wantTimer {
			t.Errorf("step %d: timerActive() = %v, want %v", i, got, s.wantTimer)
		}
	}
}

func TestDispatcher_ReplacedTimersDoNotDispatch(t *testing.T) {
	tr := newMockTransport()
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr, Delay: time.Hour})
	time.Sleep(20 * time.Millisecond)

	f := d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")

	// Stop the timer: the queued request must stay queued.
	if err := d.SetDelay(0); err != nil {
		t.Fatalf("SetDelay(0) error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, _, done := f.Result(); done {
		t.Fatal("queued request dispatched after delay set to zero")
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 (queue is not drained on zero delay)", d.Pending())
	}

	// A new positive delay picks the request up on its first tick.
	if err := d.SetDelay(20 * time.Millisecond); err != nil {
		t.Fatalf("SetDelay(20ms) error = %v", err)
	}
	if _, err := waitFuture(t, f); err != nil {
		t.Errorf("future error = %v", err)
	}
	if got := len(tr.getCalls()); got != 1 {
		t.Errorf("transport calls = %d, want 1", got)
	}
}

func TestDispatcher_SetTransport(t *testing.T) {
	oldTr := newMockTransport()
	oldTr.block = make(chan struct{})
	newTr := newMockTransport()
	newTr.response = &Response{Code: codes.Content, Payload: []byte("new")}

	d := newTestDispatcher(t, DispatcherOptions{Transport: oldTr})

	inFlight := d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")
	<-oldTr.notify

	d.SetTransport(newTr)
	after := d.Submit(mustURL(t, "coap://device.local/y"), MethodGet, "")

	c, err := waitFuture(t, after)
	if err != nil || c == nil || c.String() != "new" {
		t.Fatalf("after swap: content = %v, err = %v, want new", c, err)
	}

	close(oldTr.block)
	c, err = waitFuture(t, inFlight)
	if err != nil || c == nil || c.String() != "ok" {
		t.Errorf("in-flight: content = %v, err = %v, want ok from old transport", c, err)
	}
	if len(newTr.getCalls()) != 1 || len(oldTr.getCalls()) != 1 {
		t.Errorf("calls old=%d new=%d, want 1 and 1", len(oldTr.getCalls()), len(newTr.getCalls()))
	}
}

func TestDispatcher_TransportFailureIsSoft(t *testing.T) {
	tr := newMockTransport()
	tr.setError(errors.New("network unreachable"))
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr})

	c, err := waitFuture(t, d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, ""))
	if err != nil {
		t.Errorf("error = %v, want nil for transport failure", err)
	}
	if c != nil {
		t.Errorf("content = %v, want nil for transport failure", c)
	}
}

func TestDispatcher_TransportPanicDoesNotStopTicks(t *testing.T) {
	var calls int
	var mu sync.Mutex
	tr := TransportFunc(func(_ context.Context, req Request) (*Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return &Response{Code: codes.Content, Payload: []byte(req.Target.Path)}, nil
	})
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr, Delay: 10 * time.Millisecond})

	first := d.Submit(mustURL(t, "coap://device.local/1"), MethodGet, "")
	second := d.Submit(mustURL(t, "coap://device.local/2"), MethodGet, "")

	if c, err := waitFuture(t, first); c != nil || err != nil {
		t.Errorf("first = (%v, %v), want soft failure", c, err)
	}
	c, err := waitFuture(t, second)
	if err != nil || c == nil || c.String() != "/2" {
		t.Errorf("second = (%v, %v), want /2", c, err)
	}
}

func TestDispatcher_StatusErrorIsHard(t *testing.T) {
	tr := newMockTransport()
	tr.response = &Response{Code: codes.NotFound}
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr})

	_, err := waitFuture(t, d.Submit(mustURL(t, "coap://device.local/missing"), MethodGet, ""))
	if !errors.Is(err, ErrUnsuccessfulResponse) {
		t.Fatalf("error = %v, want ErrUnsuccessfulResponse", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != codes.NotFound {
		t.Errorf("error = %#v, want StatusError with NotFound", err)
	}
}

// TestDispatcher_EndToEndCapacityTwo submits three requests against a
// two-entry queue with a 100ms delay.
func TestDispatcher_EndToEndCapacityTwo(t *testing.T) {
	const delay = 100 * time.Millisecond
	tr := newMockTransport()
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr, Delay: delay, Capacity: 2})
	time.Sleep(10 * time.Millisecond)

	f1 := d.Submit(mustURL(t, "coap://device.local/1"), MethodGet, "")
	f2 := d.Submit(mustURL(t, "coap://device.local/2"), MethodPut, "on")
	f3 := d.Submit(mustURL(t, "coap://device.local/3"), MethodGet, "")

	if _, err, done := f3.Result(); !done || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third future = (done=%v, err=%v), want immediate ErrQueueFull", done, err)
	}

	for _, f := range []*Future{f1, f2} {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("future error = %v", err)
		}
	}

	calls := tr.getCalls()
	if len(calls) != 2 {
		t.Fatalf("transport calls = %d, want 2", len(calls))
	}
	if calls[0].Request.Target.Path != "/1" || calls[1].Request.Target.Path != "/2" {
		t.Errorf("dispatch order = %s, %s; want /1, /2", calls[0].Request.Target.Path, calls[1].Request.Target.Path)
	}
	if calls[1].Request.Body != "on" || calls[1].Request.Method != MethodPut {
		t.Errorf("second request = %s %q, want PUT \"on\"", calls[1].Request.Method, calls[1].Request.Body)
	}
	if gap := calls[1].At.Sub(calls[0].At); gap < delay-10*time.Millisecond {
		t.Errorf("dispatch gap = %v, want ~%v", gap, delay)
	}
}

func TestDispatcher_WaitForInFlight(t *testing.T) {
	tr := newMockTransport()
	tr.block = make(chan struct{})
	d := newTestDispatcher(t, DispatcherOptions{Transport: tr})

	d.Submit(mustURL(t, "coap://device.local/x"), MethodGet, "")
	<-tr.notify
	d.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() with blocked request error = %v, want deadline exceeded", err)
	}

	close(tr.block)
	if err := d.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}
