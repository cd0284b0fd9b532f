package coap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// Converter translates between CoAP payloads and channel values.
//
// State values are string (string), float64 (number, dimmer), bool (switch)
// or "open"/"closed" (contact). A payload that cannot be interpreted yields
// a nil value and no error.
type Converter struct {
	ch ChannelConfig
}

// NewConverter creates a converter for a channel with defaults applied.
func NewConverter(ch ChannelConfig) *Converter {
	return &Converter{ch: ch}
}

// ToState converts response content to a channel value.
//
// Returns ErrWriteOnlyChannel for write-only channels. A nil content (device
// did not answer) yields nil.
func (c *Converter) ToState(content *coapclient.Content) (any, error) {
	if !c.ch.Readable() {
		return nil, ErrWriteOnlyChannel
	}
	if content == nil {
		return nil, nil
	}
	raw := strings.TrimSpace(content.String())

	switch c.ch.Type {
	case ChannelNumber:
		return parseNumber(raw, c.ch.Unit), nil
	case ChannelSwitch:
		switch {
		case strings.EqualFold(raw, c.ch.OnValue):
			return true, nil
		case strings.EqualFold(raw, c.ch.OffValue):
			return false, nil
		}
		return nil, nil
	case ChannelContact:
		switch {
		case strings.EqualFold(raw, c.ch.OpenValue):
			return "open", nil
		case strings.EqualFold(raw, c.ch.ClosedValue):
			return "closed", nil
		}
		return nil, nil
	case ChannelDimmer:
		switch {
		case strings.EqualFold(raw, c.ch.OnValue):
			return float64(100), nil
		case strings.EqualFold(raw, c.ch.OffValue):
			return float64(0), nil
		}
		v := parseNumber(raw, c.ch.Unit)
		if f, ok := v.(float64); ok && f >= 0 && f <= 100 {
			return f, nil
		}
		return nil, nil
	default:
		return raw, nil
	}
}

// ToPayload converts a command into the request body for the channel.
//
// Supported commands per type:
//   - string: set {value}
//   - number: set {value}
//   - switch: on, off
//   - dimmer: on, off, dim {level 0-100}
//
// Returns ErrReadOnlyChannel, ErrInvalidCommand or ErrInvalidParameters.
func (c *Converter) ToPayload(command string, params map[string]any) (string, error) {
	if !c.ch.Writable() {
		return "", ErrReadOnlyChannel
	}
	command = strings.ToLower(strings.TrimSpace(command))

	switch c.ch.Type {
	case ChannelString:
		if command != "set" {
			return "", fmt.Errorf("%w: %q on string channel", ErrInvalidCommand, command)
		}
		v, ok := params["value"]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: missing 'value'", ErrInvalidParameters)
		}
		return fmt.Sprint(v), nil

	case ChannelNumber:
		if command != "set" {
			return "", fmt.Errorf("%w: %q on number channel", ErrInvalidCommand, command)
		}
		f, err := numberParam(params, "value")
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil

	case ChannelSwitch:
		switch command {
		case "on":
			return c.ch.OnValue, nil
		case "off":
			return c.ch.OffValue, nil
		}
		return "", fmt.Errorf("%w: %q on switch channel", ErrInvalidCommand, command)

	case ChannelDimmer:
		switch command {
		case "on":
			return c.ch.OnValue, nil
		case "off":
			return c.ch.OffValue, nil
		case "dim":
			level, err := numberParam(params, "level")
			if err != nil {
				return "", err
			}
			if level < 0 || level > 100 {
				return "", fmt.Errorf("%w: 'level' must be 0-100, got %.2f", ErrInvalidParameters, level)
			}
			return strconv.FormatFloat(level, 'f', -1, 64), nil
		}
		return "", fmt.Errorf("%w: %q on dimmer channel", ErrInvalidCommand, command)
	}

	return "", fmt.Errorf("%w: unsupported channel type %q", ErrInvalidCommand, c.ch.Type)
}

// parseNumber parses a decimal value, tolerating a trailing unit.
// It returns nil when raw is not a number.
func parseNumber(raw, unit string) any {
	s := strings.TrimSpace(raw)
	if unit != "" {
		s = strings.TrimSpace(strings.TrimSuffix(s, unit))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return f
}

// numberParam reads a numeric parameter decoded from JSON.
func numberParam(params map[string]any, name string) (float64, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s'", ErrInvalidParameters, name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: '%s' must be a number", ErrInvalidParameters, name)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: '%s' must be a number", ErrInvalidParameters, name)
}
