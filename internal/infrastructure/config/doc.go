// Package config loads and validates the CoAP bridge service configuration.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// COAPBRIDGE_* environment variables. Validate collects every problem it
// finds so an operator can fix them in one pass.
//
// Thing and channel definitions live in a separate file referenced by
// coap.config_file and are loaded by the coap bridge package.
//
// Secrets (MQTT password, InfluxDB token) should be supplied through the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/coapbridge.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Bridge.Name)
package config
