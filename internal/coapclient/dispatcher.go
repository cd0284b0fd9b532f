package coapclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds a single dispatched request.
const DefaultRequestTimeout = 3 * time.Second

// MaxDelay is the longest inter-request delay a dispatcher accepts.
const MaxDelay = 24 * time.Hour

// DelayFromMillis converts a millisecond delay from an external source into
// a Duration, rejecting values SetDelay would refuse before they can overflow.
func DelayFromMillis(ms int64) (time.Duration, error) {
	if ms < 0 || ms > MaxDelay.Milliseconds() {
		return 0, fmt.Errorf("%w: %dms", ErrInvalidDelay, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Transport sends requests. Required.
	Transport Transport

	// Delay is the minimum spacing between dispatched requests.
	// Zero dispatches every request immediately.
	Delay time.Duration

	// Capacity bounds the queue. Default: DefaultQueueCapacity.
	Capacity int

	// RequestTimeout bounds each request. Default: DefaultRequestTimeout.
	RequestTimeout time.Duration

	// FallbackEncoding is used when a response declares no charset.
	// Default: DefaultEncoding.
	FallbackEncoding string

	// Logger is optional.
	Logger Logger
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Submitted  uint64        `json:"submitted"`
	Dispatched uint64        `json:"dispatched"`
	Rejected   uint64        `json:"rejected"`
	Canceled   uint64        `json:"canceled"`
	Queued     int           `json:"queued"`
	Delay      time.Duration `json:"delay"`
}

// Dispatcher serialises CoAP requests from many callers onto one transport,
// sending at most one queued request per delay interval.
//
// The state set {queue, delay, transport, timer} is guarded by mu. A live
// timer exists if and only if delay > 0 and the dispatcher is not shut down.
type Dispatcher struct {
	mu        sync.Mutex
	queue     *requestQueue
	delay     time.Duration
	transport Transport
	timer     *dispatchTimer
	closed    bool

	timeout    time.Duration
	completion *completion
	logger     Logger

	inflight sync.WaitGroup

	submitted  atomic.Uint64
	dispatched atomic.Uint64
	rejected   atomic.Uint64
	canceled   atomic.Uint64
}

// dispatchTimer is one periodic dispatch job. It is identified by pointer so a
// replaced timer can never dispatch after its replacement was installed.
type dispatchTimer struct {
	interval time.Duration
	stop     chan struct{}
}

// NewDispatcher creates a Dispatcher and starts its timer if opts.Delay > 0.
//
// Returns:
//   - *Dispatcher: ready for Submit
//   - error: ErrNoTransport or ErrInvalidDelay
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Delay < 0 || opts.Delay > MaxDelay {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelay, opts.Delay)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	d := &Dispatcher{
		queue:      newRequestQueue(opts.Capacity),
		transport:  opts.Transport,
		timeout:    timeout,
		completion: newCompletion(opts.FallbackEncoding, opts.Logger),
		logger:     opts.Logger,
	}
	if err := d.SetDelay(opts.Delay); err != nil {
		return nil, err
	}
	return d, nil
}

// Submit sends a request respecting the rate limit and returns its result.
//
// With a zero delay the request is dispatched at once. Otherwise it is queued
// for a later tick; if the queue is full the returned Future is already
// resolved with ErrQueueFull. Submit never blocks waiting for dispatch.
func (d *Dispatcher) Submit(target *url.URL, method Method, body string) *Future {
	f := newFuture()
	e := entry{
		req:    Request{Target: target, Method: method, Body: body},
		future: f,
	}
	d.submitted.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		f.resolve(nil, ErrShutdown)
		return f
	}

	if d.delay == 0 {
		d.dispatchLocked(e)
		return f
	}

	if !d.queue.push(e) {
		d.rejected.Add(1)
		f.resolve(nil, ErrQueueFull)
		d.logWarn("request rejected, queue full", "target", e.req.String(), "capacity", d.queue.capacity)
	}
	return f
}

// SetDelay changes the minimum spacing between dispatches.
//
// The current timer is always stopped first. A positive delay starts a new
// timer that fires immediately and then every delay. A zero delay leaves no
// timer running; requests already queued stay queued until a positive delay
// is set again or Shutdown cancels them.
//
// Returns ErrInvalidDelay for values outside [0, MaxDelay] (no state change)
// and ErrShutdown after Shutdown.
func (d *Dispatcher) SetDelay(delay time.Duration) error {
	if delay < 0 || delay > MaxDelay {
		return fmt.Errorf("%w: %v", ErrInvalidDelay, delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrShutdown
	}

	d.stopTimerLocked()
	d.delay = delay
	if delay > 0 {
		d.startTimerLocked(delay)
	}
	return nil
}

// Delay returns the current dispatch delay.
func (d *Dispatcher) Delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}

// SetTransport replaces the transport used by later dispatches.
// Requests already sent complete on the transport they were sent with.
func (d *Dispatcher) SetTransport(t Transport) {
	if t == nil {
		return
	}
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
}

// Shutdown stops the timer and cancels every queued request, in queue order,
// with ErrCanceled. In-flight requests are left to finish and the transport
// is not closed. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopTimerLocked()
	d.closed = true
	pending := d.queue.drain()
	d.mu.Unlock()

	for _, e := range pending {
		d.canceled.Add(1)
		e.future.resolve(nil, ErrCanceled)
	}
	if len(pending) > 0 {
		d.logDebug("queued requests canceled", "count", len(pending))
	}
}

// Wait blocks until every dispatched request has completed or ctx is done.
// Call it after Shutdown, before closing the transport.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	queued, delay := d.queue.len(), d.delay
	d.mu.Unlock()

	return DispatcherStats{
		Submitted:  d.submitted.Load(),
		Dispatched: d.dispatched.Load(),
		Rejected:   d.rejected.Load(),
		Canceled:   d.canceled.Load(),
		Queued:     queued,
		Delay:      delay,
	}
}

// startTimerLocked installs and starts a new periodic timer. Caller holds mu
// and has stopped any previous timer.
func (d *Dispatcher) startTimerLocked(interval time.Duration) {
	t := &dispatchTimer{interval: interval, stop: make(chan struct{})}
	d.timer = t
	go d.run(t)
}

// stopTimerLocked stops the live timer, if any. Caller holds mu.
func (d *Dispatcher) stopTimerLocked() {
	if d.timer == nil {
		return
	}
	close(d.timer.stop)
	d.timer = nil
}

// run drives one timer: tick now, then tick again interval after each tick
// finishes, until stopped.
func (d *Dispatcher) run(t *dispatchTimer) {
	wait := time.NewTimer(t.interval)
	defer wait.Stop()

	for {
		d.tick(t)
		wait.Reset(t.interval)
		select {
		case <-t.stop:
			return
		case <-wait.C:
		}
	}
}

// tick dispatches at most one queued request. A timer that has been replaced
// or stopped does nothing.
func (d *Dispatcher) tick(t *dispatchTimer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != t {
		return
	}
	if e, ok := d.queue.pop(); ok {
		d.dispatchLocked(e)
	}
}

// dispatchLocked sends e on the current transport in a new goroutine.
// Caller holds mu, which keeps inflight.Add ordered before any Wait that
// follows Shutdown.
func (d *Dispatcher) dispatchLocked(e entry) {
	t := d.transport
	d.dispatched.Add(1)
	d.inflight.Add(1)

	go func() {
		defer d.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		resp, err := send(ctx, t, e.req)
		d.completion.complete(e.future, e.req, resp, err)
	}()
}

// send calls the transport, converting a panic into a transport failure so
// one bad request cannot take down the dispatcher.
func send(ctx context.Context, t Transport, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return t.Do(ctx, req)
}

// timerActive reports whether a periodic timer is installed.
func (d *Dispatcher) timerActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Dispatcher) logWarn(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, kv...)
	}
}

func (d *Dispatcher) logDebug(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, kv...)
	}
}
