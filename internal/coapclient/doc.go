// Package coapclient provides the rate-limited CoAP request client used by the
// CoAP bridge.
//
// Many channel pollers and command handlers share one outbound CoAP transport.
// The Dispatcher serialises their requests so that no more than one request
// leaves per configured delay, while every caller still receives its own
// asynchronous result.
//
// # Architecture
//
//	caller ──Submit──▶ Dispatcher ──(queue / immediate)──▶ Transport ──▶ device
//	   ▲                                                        │
//	   └──────────── Future ◀── completion adapter ◀────────────┘
//
// # Key Responsibilities
//
//   - Bounded FIFO queueing (default 1000 entries) with immediate rejection when full
//   - A single periodic dispatch timer, replaced atomically when the delay changes
//   - Hot-swapping of the transport while requests are in flight
//   - Shutdown that cancels every queued request in order
//   - Mapping CoAP completions into Content, a soft failure, or a StatusError
//
// # Result Semantics
//
// A resolved Future holds exactly one of:
//
//   - Content, for a 2.xx response
//   - no content and no error, when the transport failed (timeout, unreachable)
//   - an error: ErrQueueFull, ErrCanceled, ErrShutdown or *StatusError
//
// Transport failures are soft because pollers treat them as "no update this
// cycle". Non-success response codes are hard failures because the device
// actively rejected the request.
//
// # Delay Changes
//
// Changing the delay from a positive value to zero stops the timer but leaves
// any queued requests in place. They are dispatched once a positive delay is
// set again, or cancelled by Shutdown.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package coapclient
