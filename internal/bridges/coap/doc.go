// Package coap implements the CoAP device bridge for Gray Logic.
//
// The bridge polls CoAP resources on field devices ("things") and forwards
// commands to them. Every thing owns a coapclient.Dispatcher, so the request
// rate towards one device is bounded by that thing's configured delay no
// matter how many pollers, MQTT commands and API requests target it.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   CoAP/UDP
//	│   Gray Logic    │   MQTT   │   CoAP Bridge   │◄────────────► Things
//	│      Core       │◄────────►│   (this pkg)    │  rate limited
//	└─────────────────┘          └─────────────────┘  per thing
//
// # Key Responsibilities
//
//   - Load thing and channel definitions from YAML
//   - Poll readable channels every refresh interval
//   - Convert payloads to channel values (string, number, switch, contact, dimmer)
//   - Publish state changes to MQTT (retained) and optional recorders
//   - Translate MQTT commands into CoAP requests and acknowledge them
//   - Apply runtime delay changes and transport resets
//   - Publish health status and metrics
//
// # Topics
//
//	graylogic/command/coap/{thing}/{channel}   in
//	graylogic/ack/coap/{thing}/{channel}       out
//	graylogic/state/coap/{thing}/{channel}     out, retained
//	graylogic/request/coap/{request_id}        in
//	graylogic/response/coap/{request_id}       out
//	graylogic/config/coap                      in
//	graylogic/health/coap                      out, retained, LWT
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package coap
