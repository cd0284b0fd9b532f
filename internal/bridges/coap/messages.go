package coap

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "coap"

// CommandMessage is sent from Core to Bridge to change a channel.
// Topic: graylogic/command/coap/{thing}/{channel}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is the command name: "on", "off", "set", "dim".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"value": 21.5} for set
	//   {"level": 40} for dim
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device answered the command successfully.
	AckAccepted AckStatus = "accepted"

	// AckQueued indicates the command waits for the thing's next dispatch slot.
	AckQueued AckStatus = "queued"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/coap/{thing}/{channel}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	ThingID   string    `json:"thing_id"`
	ChannelID string    `json:"channel_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when a channel value changes.
// Topic: graylogic/state/coap/{thing}/{channel}
// QoS: 1, Retained: Yes
type StateMessage struct {
	ThingID   string    `json:"thing_id"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`

	// Value is the converted channel value; nil means undefined.
	Value any `json:"value"`

	Unit     string `json:"unit,omitempty"`
	Protocol string `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the operational status of the bridge.
// Topic: graylogic/health/coap
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	ThingsManaged int               `json:"things_managed"`
	ThingsOnline  int               `json:"things_online"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters summed over all things.
type BridgeStatistics struct {
	RequestsSubmitted  uint64 `json:"requests_submitted"`
	RequestsDispatched uint64 `json:"requests_dispatched"`
	RequestsRejected   uint64 `json:"requests_rejected"`
	RequestsCanceled   uint64 `json:"requests_canceled"`
	RequestsQueued     int    `json:"requests_queued"`
	NoResponse         uint64 `json:"no_response"`
	StatusErrors       uint64 `json:"status_errors"`
	CommandsReceived   uint64 `json:"commands_received"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/coap/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation: "read_state", "read_all", "list_things".
	Action string `json:"action"`

	ThingID   string `json:"thing_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/coap/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConfigMessage changes runtime settings of one thing.
// Topic: graylogic/config/coap
type ConfigMessage struct {
	ThingID string `json:"thing_id"`

	// DelayMS is the new dispatch delay in milliseconds. Zero disables
	// rate limiting.
	DelayMS *int64 `json:"delay_ms,omitempty"`
}

// UnmarshalJSON accepts RFC3339 timestamps and an absent timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, thingID, channelID string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		ThingID:   thingID,
		ChannelID: channelID,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment. TIMEOUT codes produce a
// timeout status.
func NewAckError(cmd CommandMessage, thingID, channelID, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, thingID, channelID, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a channel.
func NewStateMessage(thingID, channelID string, value any, unit string) StateMessage {
	return StateMessage{
		ThingID:   thingID,
		ChannelID: channelID,
		Timestamp: time.Now().UTC(),
		Value:     value,
		Unit:      unit,
		Protocol:  Protocol,
	}
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

func newErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

func newDataResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic for a channel.
// Example: graylogic/command/coap/kitchen-sensor/temperature
func CommandTopic(thingID, channelID string) string {
	return fmt.Sprintf("%s/command/%s/%s/%s", TopicPrefix, Protocol, thingID, channelID)
}

// AckTopic returns the acknowledgment topic for a channel.
func AckTopic(thingID, channelID string) string {
	return fmt.Sprintf("%s/ack/%s/%s/%s", TopicPrefix, Protocol, thingID, channelID)
}

// StateTopic returns the state topic for a channel.
func StateTopic(thingID, channelID string) string {
	return fmt.Sprintf("%s/state/%s/%s/%s", TopicPrefix, Protocol, thingID, channelID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the topic for a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the topic for a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// ConfigTopic returns the runtime configuration topic.
func ConfigTopic() string {
	return fmt.Sprintf("%s/config/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+/+", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}
