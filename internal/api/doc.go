// Package api implements the status and admin HTTP API of the CoAP bridge.
//
// This package provides:
//   - REST endpoints to inspect things, change a thing's dispatch delay,
//     read a channel on demand and reset the CoAP transports
//   - Channel state history served from the SQLite store
//   - A WebSocket hub streaming channel state changes as they happen
//   - Middleware: request ID, access log, panic recovery, per-client rate
//     limiting and a body size cap
//
// # Architecture
//
// The API is a side door for operators. Home automation traffic still flows
// through MQTT; the API reads from the same Bridge the MQTT handlers use so
// both views agree.
//
//	Operator ↔ HTTP API ↔ Bridge ↔ CoAP devices
//	                         ↕
//	                    MQTT broker
//
// # Graceful Degradation
//
// History and component health checks are optional dependencies. Without a
// history store the history endpoint answers 503; everything else works.
package api
