package coap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTopicParts is graylogic/command/coap/{thing}/{channel}.
	commandTopicParts = 5

	// shutdownTimeout bounds the wait for in-flight requests on Stop.
	shutdownTimeout = 5 * time.Second

	// recordTimeout bounds a single history write.
	recordTimeout = 2 * time.Second
)

// Logger is the logging interface used by the bridge.
// It is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// TransportFactory builds the transport for one thing. It is called once per
// thing at construction and again by ResetTransport.
type TransportFactory func(cfg ThingConfig) (coapclient.Transport, error)

// UDPTransportFactory builds a go-coap UDP transport from the thing settings.
func UDPTransportFactory(cfg ThingConfig) (coapclient.Transport, error) {
	return coapclient.NewUDPTransport(cfg.UDPOptions())
}

// StateChange describes a channel value that differs from the last one seen.
type StateChange struct {
	ThingID   string    `json:"thing_id"`
	ChannelID string    `json:"channel_id"`
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateRecorder persists state changes. Optional.
type StateRecorder interface {
	RecordState(ctx context.Context, change StateChange) error
}

// SeriesWriter writes state changes to a time-series store. Optional.
type SeriesWriter interface {
	WriteChannelState(thingID, channelID string, value any)
}

// BridgeMetrics contains metrics data for health and the API.
type BridgeMetrics struct {
	ThingsManaged int              `json:"things_managed"`
	ThingsOnline  int              `json:"things_online"`
	ThingsOffline int              `json:"things_offline"`
	Statistics    BridgeStatistics `json:"statistics"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded thing configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// TransportFactory builds per-thing transports.
	// Default: UDPTransportFactory.
	TransportFactory TransportFactory

	// Version is reported in health messages.
	Version string

	// Logger is optional structured logger.
	Logger Logger

	// History and Series are optional state sinks.
	History StateRecorder
	Series  SeriesWriter
}

// Bridge connects configured CoAP things to MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg          *Config
	mqtt         MQTTClient
	newTransport TransportFactory
	health       *HealthReporter
	history      StateRecorder
	series       SeriesWriter

	things map[string]*Thing
	order  []string

	listeners   []func(StateChange)
	listenersMu sync.RWMutex

	commandsReceived atomic.Uint64

	// resetMu serialises ResetTransport calls.
	resetMu sync.Mutex

	// Shutdown coordination. runMu orders wg.Add against Stop.
	runMu     sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates the runtime for every configured thing.
// Call Start to begin polling and MQTT handling.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	factory := opts.TransportFactory
	if factory == nil {
		factory = UDPTransportFactory
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:          opts.Config,
		mqtt:         opts.MQTTClient,
		newTransport: factory,
		history:      opts.History,
		series:       opts.Series,
		things:       make(map[string]*Thing, len(opts.Config.Things)),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}

	for _, tc := range opts.Config.Things {
		tr, err := factory(tc)
		if err != nil {
			b.discardThings()
			ctxCancel()
			return nil, fmt.Errorf("creating transport for thing %s: %w", tc.ID, err)
		}
		t, err := newThing(tc, tr, opts.Logger)
		if err != nil {
			_ = closeTransport(tr) //nolint:errcheck // construction already failed
			b.discardThings()
			ctxCancel()
			return nil, err
		}
		b.things[tc.ID] = t
		b.order = append(b.order, tc.ID)
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   opts.Version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to MQTT topics, starts one poller per thing and begins
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	subscriptions := []string{CommandSubscribeTopic(), RequestSubscribeTopic(), ConfigTopic()}
	for _, topic := range subscriptions {
		if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	for _, id := range b.order {
		t := b.things[id]
		b.spawn(func() { b.pollLoop(t) })
	}

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"things", len(b.order))

	return nil
}

// Stop stops pollers, cancels queued requests, closes transports and
// publishes a final stopping status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.runMu.Lock()
		b.stopped = true
		b.runMu.Unlock()

		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, id := range b.order {
			if err := b.things[id].shutdown(ctx); err != nil {
				b.logError("thing shutdown incomplete", fmt.Errorf("thing=%s: %w", id, err))
			}
		}

		b.logInfo("bridge stopped")
	})
}

// discardThings releases things created by a failed NewBridge.
func (b *Bridge) discardThings() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, t := range b.things {
		_ = t.shutdown(ctx) //nolint:errcheck // construction already failed
	}
}

// spawn runs fn in a tracked goroutine unless the bridge is stopping.
func (b *Bridge) spawn(fn func()) bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

func (b *Bridge) thing(id string) (*Thing, error) {
	t, ok := b.things[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThing, id)
	}
	return t, nil
}

// SetDelay changes the dispatch delay of one thing at runtime.
// A zero delay leaves already queued requests waiting until a positive
// delay is set again.
func (b *Bridge) SetDelay(thingID string, delay time.Duration) error {
	t, err := b.thing(thingID)
	if err != nil {
		return err
	}
	if err := t.dispatcher.SetDelay(delay); err != nil {
		return err
	}
	b.logInfo("thing delay changed", "thing_id", thingID, "delay", delay)
	return nil
}

// ResetTransport builds a fresh transport for every thing and swaps it in.
// Requests already in flight finish on the old transport, which is closed
// once the thing's request timeout has passed.
func (b *Bridge) ResetTransport() error {
	b.resetMu.Lock()
	defer b.resetMu.Unlock()

	var errs []error
	for _, id := range b.order {
		id := id
		t := b.things[id]
		tr, err := b.newTransport(t.cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("thing %s: %w", id, err))
			continue
		}
		old := t.setTransport(tr)
		time.AfterFunc(t.cfg.RequestTimeout(), func() {
			if err := closeTransport(old); err != nil {
				b.logDebug("closing replaced transport", "thing_id", id, "error", err)
			}
		})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logInfo("transports reset", "things", len(b.order))
	return nil
}

// ReadChannel requests the current value of a channel, publishing it if it
// changed.
func (b *Bridge) ReadChannel(ctx context.Context, thingID, channelID string) (any, error) {
	t, err := b.thing(thingID)
	if err != nil {
		return nil, err
	}
	value, err := t.readChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	b.applyState(t, t.channels[channelID], value, time.Now().UTC())
	return value, nil
}

// Snapshot returns every thing in configuration order.
func (b *Bridge) Snapshot() []ThingSnapshot {
	out := make([]ThingSnapshot, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.things[id].snapshot())
	}
	return out
}

// SnapshotThing returns one thing.
func (b *Bridge) SnapshotThing(id string) (ThingSnapshot, error) {
	t, err := b.thing(id)
	if err != nil {
		return ThingSnapshot{}, err
	}
	return t.snapshot(), nil
}

// OnStateChange registers fn to be called for every state change.
// fn runs on the poller goroutine and must not block.
func (b *Bridge) OnStateChange(fn func(StateChange)) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

// HealthStatus returns the status the next health message would report.
func (b *Bridge) HealthStatus() (HealthStatus, string) {
	return b.health.Status()
}

// Uptime returns the bridge uptime.
func (b *Bridge) Uptime() time.Duration {
	return b.health.Uptime()
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	m := BridgeMetrics{ThingsManaged: len(b.order)}
	m.Statistics.CommandsReceived = b.commandsReceived.Load()

	for _, id := range b.order {
		t := b.things[id]
		switch t.Status() {
		case ThingOnline:
			m.ThingsOnline++
		case ThingOffline:
			m.ThingsOffline++
		case ThingUnknown:
		}

		s := t.dispatcher.Stats()
		m.Statistics.RequestsSubmitted += s.Submitted
		m.Statistics.RequestsDispatched += s.Dispatched
		m.Statistics.RequestsRejected += s.Rejected
		m.Statistics.RequestsCanceled += s.Canceled
		m.Statistics.RequestsQueued += s.Queued
		m.Statistics.NoResponse += t.noResponse.Load()
		m.Statistics.StatusErrors += t.statusErrors.Load()
	}
	return m
}

// applyState stores a value and fans it out when it changed.
func (b *Bridge) applyState(t *Thing, ch *channel, value any, at time.Time) {
	if !t.storeValue(ch.cfg.ID, value, at) {
		return
	}

	change := StateChange{
		ThingID:   t.ID(),
		ChannelID: ch.cfg.ID,
		Value:     value,
		Unit:      ch.cfg.Unit,
		Timestamp: at,
	}

	msg := NewStateMessage(change.ThingID, change.ChannelID, value, change.Unit)
	msg.Timestamp = at
	if payload, err := json.Marshal(msg); err != nil {
		b.logError("failed to marshal state", err)
	} else if err := b.mqtt.Publish(StateTopic(change.ThingID, change.ChannelID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	if b.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := b.history.RecordState(ctx, change); err != nil {
			b.logError("failed to record state history", err)
		}
		cancel()
	}
	if b.series != nil {
		b.series.WriteChannelState(change.ThingID, change.ChannelID, value)
	}

	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}

	b.logDebug("state changed", "thing_id", change.ThingID, "channel_id", change.ChannelID, "value", value)
}

// handleMQTTMessage routes an incoming message by its type segment.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(parts, payload)
	case "request":
		b.handleRequest(payload)
	case "config":
		b.handleConfig(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand converts a command, submits it and acknowledges the outcome.
func (b *Bridge) handleCommand(parts []string, payload []byte) {
	if len(parts) != commandTopicParts {
		b.logError("invalid command topic", fmt.Errorf("topic: %s", strings.Join(parts, "/")))
		return
	}
	thingID, channelID := parts[3], parts[4]

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	b.commandsReceived.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"thing_id", thingID,
		"channel_id", channelID,
		"command", cmd.Command)

	t, err := b.thing(thingID)
	if err != nil {
		b.publishAckError(cmd, thingID, channelID, err)
		return
	}

	pendingBefore := t.dispatcher.Pending()
	f, err := t.sendCommand(channelID, cmd.Command, cmd.Parameters)
	if err != nil {
		b.publishAckError(cmd, thingID, channelID, err)
		return
	}
	if _, ferr, done := f.Result(); done && ferr != nil {
		b.publishAckError(cmd, thingID, channelID, ferr)
		return
	}

	delay := t.dispatcher.Delay()
	if delay > 0 {
		b.publishAck(cmd, thingID, channelID, AckQueued)
	}
	wait := t.cfg.RequestTimeout() + time.Duration(pendingBefore+1)*delay

	started := b.spawn(func() {
		ctx, cancel := context.WithTimeout(b.ctx, wait)
		defer cancel()

		content, err := f.Wait(ctx)
		if err == nil && content == nil {
			err = ErrNoResponse
		}
		if err != nil {
			b.publishAckError(cmd, thingID, channelID, err)
			return
		}
		b.publishAck(cmd, thingID, channelID, AckAccepted)
	})
	if !started {
		b.publishAckError(cmd, thingID, channelID, ErrBridgeStopped)
	}
}

// handleRequest answers a request on its response topic.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	b.spawn(func() {
		var resp ResponseMessage
		switch req.Action {
		case "read_state":
			resp = b.handleReadState(req)
		case "read_all":
			resp = b.handleReadAll(req)
		case "list_things":
			resp = newDataResponse(req.RequestID, map[string]any{"things": b.Snapshot()})
		default:
			resp = newErrorResponse(req.RequestID, ErrCodeInvalidCommand,
				fmt.Sprintf("unknown action: %s", req.Action))
		}
		b.publishResponse(resp)
	})
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.ThingID == "" || req.ChannelID == "" {
		return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, "thing_id and channel_id are required")
	}
	t, err := b.thing(req.ThingID)
	if err != nil {
		return newErrorResponse(req.RequestID, errorCode(err), err.Error())
	}

	ctx, cancel := context.WithTimeout(b.ctx, t.cfg.RequestTimeout()+time.Duration(t.dispatcher.Pending()+1)*t.dispatcher.Delay())
	defer cancel()

	value, err := b.ReadChannel(ctx, req.ThingID, req.ChannelID)
	if err != nil {
		return newErrorResponse(req.RequestID, errorCode(err), err.Error())
	}
	return newDataResponse(req.RequestID, map[string]any{
		"thing_id":   req.ThingID,
		"channel_id": req.ChannelID,
		"value":      value,
	})
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	for _, id := range b.order {
		b.pollThing(b.ctx, b.things[id])
	}
	if b.ctx.Err() != nil {
		return newErrorResponse(req.RequestID, ErrCodeBridgeError, ErrBridgeStopped.Error())
	}
	return newDataResponse(req.RequestID, map[string]any{"things": b.Snapshot()})
}

// handleConfig applies a runtime delay change.
func (b *Bridge) handleConfig(payload []byte) {
	var msg ConfigMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logError("failed to parse config message", err)
		return
	}
	if msg.DelayMS == nil {
		b.logDebug("config message without changes", "thing_id", msg.ThingID)
		return
	}
	delay, err := coapclient.DelayFromMillis(*msg.DelayMS)
	if err == nil {
		err = b.SetDelay(msg.ThingID, delay)
	}
	if err != nil {
		b.logError("failed to apply config", fmt.Errorf("thing=%s: %w", msg.ThingID, err))
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, thingID, channelID string, status AckStatus) {
	b.publishJSON(AckTopic(thingID, channelID), NewAckMessage(cmd, thingID, channelID, status), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, thingID, channelID string, err error) {
	code := errorCode(err)
	b.publishJSON(AckTopic(thingID, channelID), NewAckError(cmd, thingID, channelID, code, err.Error()), false)
	b.logWarn("command failed",
		"command_id", cmd.ID,
		"thing_id", thingID,
		"channel_id", channelID,
		"code", code,
		"error", err)
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	b.publishJSON(ResponseTopic(resp.RequestID), resp, false)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish message", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

// errorCode maps an error to its acknowledgment code.
func errorCode(err error) string {
	var se *coapclient.StatusError
	switch {
	case errors.Is(err, ErrUnknownThing), errors.Is(err, ErrUnknownChannel):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrReadOnlyChannel), errors.Is(err, ErrWriteOnlyChannel), errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, coapclient.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.As(err, &se):
		return ErrCodeProtocolError
	case errors.Is(err, ErrNoResponse):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeBridgeError
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
