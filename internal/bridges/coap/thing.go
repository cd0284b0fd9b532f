package coap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// ValuePlaceholder in a command extension is replaced by the URL-escaped
// command payload, for devices that take commands as GET parameters.
const ValuePlaceholder = "{value}"

// ThingStatus is the reachability of a thing as seen by the poller.
type ThingStatus string

const (
	ThingUnknown ThingStatus = "unknown"
	ThingOnline  ThingStatus = "online"
	ThingOffline ThingStatus = "offline"
)

// ThingSnapshot is a point-in-time view of a thing for the API and
// list_things requests.
type ThingSnapshot struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name,omitempty"`
	BaseURL   string                     `json:"base_url"`
	Status    ThingStatus                `json:"status"`
	LastPoll  *time.Time                 `json:"last_poll,omitempty"`
	LastError string                     `json:"last_error,omitempty"`
	DelayMS   int64                      `json:"delay_ms"`
	Channels  []ChannelSnapshot          `json:"channels"`
	Requests  coapclient.DispatcherStats `json:"requests"`
}

// ChannelSnapshot is the last known value of a channel.
type ChannelSnapshot struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Mode      string     `json:"mode"`
	Unit      string     `json:"unit,omitempty"`
	Value     any        `json:"value"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type channel struct {
	cfg        ChannelConfig
	conv       *Converter
	stateURL   *url.URL
	commandURL string
}

type channelValue struct {
	value   any
	updated time.Time
}

// Thing is the runtime of one configured device: its dispatcher, channel
// table and last known values.
type Thing struct {
	cfg           ThingConfig
	stateMethod   coapclient.Method
	commandMethod coapclient.Method
	dispatcher    *coapclient.Dispatcher
	channels      map[string]*channel
	order         []string

	mu        sync.RWMutex
	transport coapclient.Transport
	status    ThingStatus
	lastPoll  time.Time
	lastError string
	values    map[string]channelValue

	noResponse   atomic.Uint64
	statusErrors atomic.Uint64
}

// newThing builds the runtime for cfg. cfg must have been validated.
func newThing(cfg ThingConfig, transport coapclient.Transport, logger Logger) (*Thing, error) {
	stateMethod, err := coapclient.ParseMethod(cfg.StateMethod)
	if err != nil {
		return nil, fmt.Errorf("thing %s: %w", cfg.ID, err)
	}
	commandMethod, err := coapclient.ParseMethod(cfg.CommandMethod)
	if err != nil {
		return nil, fmt.Errorf("thing %s: %w", cfg.ID, err)
	}

	t := &Thing{
		cfg:           cfg,
		stateMethod:   stateMethod,
		commandMethod: commandMethod,
		channels:      make(map[string]*channel, len(cfg.Channels)),
		transport:     transport,
		status:        ThingUnknown,
		values:        make(map[string]channelValue),
	}

	for _, chCfg := range cfg.Channels {
		ch := &channel{
			cfg:        chCfg,
			conv:       NewConverter(chCfg),
			commandURL: cfg.BaseURL + chCfg.CommandExtension,
		}
		if chCfg.Readable() {
			if ch.stateURL, err = cfg.ResolveURL(chCfg.StateExtension); err != nil {
				return nil, err
			}
		}
		t.channels[chCfg.ID] = ch
		t.order = append(t.order, chCfg.ID)
	}

	opts := coapclient.DispatcherOptions{
		Transport:        transport,
		Delay:            cfg.DispatchDelay(),
		RequestTimeout:   cfg.RequestTimeout(),
		FallbackEncoding: cfg.Encoding,
	}
	if logger != nil {
		opts.Logger = logger
	}
	t.dispatcher, err = coapclient.NewDispatcher(opts)
	if err != nil {
		return nil, fmt.Errorf("thing %s: %w", cfg.ID, err)
	}
	return t, nil
}

// ID returns the thing identifier.
func (t *Thing) ID() string {
	return t.cfg.ID
}

func (t *Thing) channel(id string) (*channel, error) {
	ch, ok := t.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownChannel, t.cfg.ID, id)
	}
	return ch, nil
}

// requestState submits a state request for a channel.
func (t *Thing) requestState(ch *channel) (*coapclient.Future, error) {
	if !ch.cfg.Readable() {
		return nil, ErrWriteOnlyChannel
	}
	return t.dispatcher.Submit(ch.stateURL, t.stateMethod, ""), nil
}

// readChannel requests a channel's state and waits for the converted value.
// ErrNoResponse is returned when the device did not answer.
func (t *Thing) readChannel(ctx context.Context, channelID string) (any, error) {
	ch, err := t.channel(channelID)
	if err != nil {
		return nil, err
	}
	f, err := t.requestState(ch)
	if err != nil {
		return nil, err
	}
	return t.await(ctx, ch, f)
}

// await waits for f and converts its content for ch.
func (t *Thing) await(ctx context.Context, ch *channel, f *coapclient.Future) (any, error) {
	content, err := f.Wait(ctx)
	if err != nil {
		var se *coapclient.StatusError
		if errors.As(err, &se) {
			t.statusErrors.Add(1)
		}
		return nil, err
	}
	if content == nil {
		t.noResponse.Add(1)
		return nil, ErrNoResponse
	}
	return ch.conv.ToState(content)
}

// sendCommand converts a command and submits it to the command URL.
func (t *Thing) sendCommand(channelID, command string, params map[string]any) (*coapclient.Future, error) {
	ch, err := t.channel(channelID)
	if err != nil {
		return nil, err
	}
	payload, err := ch.conv.ToPayload(command, params)
	if err != nil {
		return nil, err
	}

	raw := ch.commandURL
	body := payload
	if strings.Contains(raw, ValuePlaceholder) {
		raw = strings.ReplaceAll(raw, ValuePlaceholder, url.QueryEscape(payload))
		body = ""
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: command url %q: %v", ErrInvalidParameters, raw, err)
	}
	if !t.commandMethod.HasBody() {
		body = ""
	}
	return t.dispatcher.Submit(target, t.commandMethod, body), nil
}

// storeValue records a channel value and reports whether it changed.
func (t *Thing) storeValue(channelID string, value any, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.values[channelID]
	t.values[channelID] = channelValue{value: value, updated: at}
	return !known || !valuesEqual(prev.value, value)
}

// recordPoll updates reachability after a poll round.
func (t *Thing) recordPoll(at time.Time, answered bool, lastErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastPoll = at
	if answered {
		t.status = ThingOnline
	} else {
		t.status = ThingOffline
	}
	t.lastError = ""
	if lastErr != nil {
		t.lastError = lastErr.Error()
	}
}

// Status returns the current reachability.
func (t *Thing) Status() ThingStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// setTransport installs a new transport on the thing and its dispatcher
// together and returns the previous one.
func (t *Thing) setTransport(tr coapclient.Transport) coapclient.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.transport
	t.transport = tr
	t.dispatcher.SetTransport(tr)
	return old
}

// shutdown cancels queued requests, waits for in-flight ones and closes the
// transport.
func (t *Thing) shutdown(ctx context.Context) error {
	t.dispatcher.Shutdown()
	waitErr := t.dispatcher.Wait(ctx)

	t.mu.RLock()
	tr := t.transport
	t.mu.RUnlock()
	if err := closeTransport(tr); err != nil {
		return err
	}
	return waitErr
}

// snapshot returns a copy of the thing state.
func (t *Thing) snapshot() ThingSnapshot {
	stats := t.dispatcher.Stats()

	t.mu.RLock()
	defer t.mu.RUnlock()

	s := ThingSnapshot{
		ID:        t.cfg.ID,
		Name:      t.cfg.Name,
		BaseURL:   t.cfg.BaseURL,
		Status:    t.status,
		LastError: t.lastError,
		DelayMS:   stats.Delay.Milliseconds(),
		Requests:  stats,
		Channels:  make([]ChannelSnapshot, 0, len(t.order)),
	}
	if !t.lastPoll.IsZero() {
		lp := t.lastPoll
		s.LastPoll = &lp
	}
	for _, id := range t.order {
		ch := t.channels[id]
		cs := ChannelSnapshot{ID: id, Type: ch.cfg.Type, Mode: ch.cfg.Mode, Unit: ch.cfg.Unit}
		if v, ok := t.values[id]; ok {
			cs.Value = v.value
			at := v.updated
			cs.UpdatedAt = &at
		}
		s.Channels = append(s.Channels, cs)
	}
	return s
}

func closeTransport(tr coapclient.Transport) error {
	if c, ok := tr.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// valuesEqual compares converted channel values. Converters only produce
// comparable types.
func valuesEqual(a, b any) bool {
	return a == b
}
