// Package logging provides structured logging for the CoAP bridge.
//
// It wraps log/slog so every entry carries the service name and build
// version, and so components can derive child loggers tagged with their
// name:
//
//	logger := logging.New(cfg.Logging, version)
//	coapLog := logger.Component("coap")
//	coapLog.Info("thing online", "thing_id", "kitchen")
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log thing passwords or broker credentials.
package logging
