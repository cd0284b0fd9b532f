// Package mqtt connects the CoAP bridge to the Gray Logic message bus.
//
// It wraps paho.mqtt.golang with:
//   - Auto-reconnect with backoff and subscription restore on reconnect
//   - A configurable Last Will so the broker announces the bridge offline
//     when the process dies
//   - Panic recovery and error logging around message handlers
//   - Input validation (topic, QoS, payload size) before touching the wire
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(coap.HealthTopic(), lwtPayload),
//	    mqtt.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(coap.CommandSubscribeTopic(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
// TLS should be enabled (mqtt.broker.tls) whenever the broker is not on
// the same host.
package mqtt
