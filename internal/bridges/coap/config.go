package coap

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// Thing defaults.
const (
	DefaultRefresh    = 30   // seconds
	DefaultTimeout    = 3000 // milliseconds
	DefaultBufferSize = 255  // KiB
)

// Channel types.
const (
	ChannelString  = "string"
	ChannelNumber  = "number"
	ChannelSwitch  = "switch"
	ChannelContact = "contact"
	ChannelDimmer  = "dimmer"
)

// Channel modes.
const (
	ModeReadWrite = "readwrite"
	ModeReadOnly  = "readonly"
	ModeWriteOnly = "writeonly"
)

// Authentication modes. Credentials are stored but not applied to plain
// CoAP requests.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
)

// idPattern restricts IDs to characters that are safe in MQTT topic levels.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the root configuration for the CoAP bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge BridgeConfig  `yaml:"bridge"`
	Things []ThingConfig `yaml:"things"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health reports.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// ThingConfig describes one CoAP device.
type ThingConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// BaseURL is prefixed to every channel extension, e.g. "coap://10.0.0.5".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Refresh is the poll interval in seconds. Default: 30.
	Refresh int `yaml:"refresh" json:"refresh"`

	// Timeout bounds each request in milliseconds. Default: 3000.
	Timeout int `yaml:"timeout" json:"timeout"`

	// Delay is the minimum spacing between requests in milliseconds.
	// Zero sends every request immediately.
	Delay int `yaml:"delay" json:"delay"`

	// BufferSize bounds response size in KiB. Default: 255.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// Encoding is the fallback charset for responses that declare none.
	Encoding string `yaml:"encoding" json:"encoding,omitempty"`

	// ContentType is the format of command payloads.
	ContentType string `yaml:"content_type" json:"content_type,omitempty"`

	// Headers are "Name=Value" pairs. Accept and Content-Format are honoured.
	Headers []string `yaml:"headers" json:"headers,omitempty"`

	AuthMode string `yaml:"auth_mode" json:"auth_mode"`
	Username string `yaml:"username" json:"username,omitempty"`

	// Password is never logged. Use String() for safe logging.
	Password string `yaml:"password" json:"password,omitempty"`

	// StateMethod is used for polling. Default: GET.
	StateMethod string `yaml:"state_method" json:"state_method"`

	// CommandMethod is used for commands. Default: GET.
	CommandMethod string `yaml:"command_method" json:"command_method"`

	Channels []ChannelConfig `yaml:"channels" json:"channels"`
}

// ChannelConfig maps one value of a thing to its CoAP resources.
type ChannelConfig struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
	Mode string `yaml:"mode" json:"mode"`

	// StateExtension is appended to the thing base URL for reads.
	StateExtension string `yaml:"state_extension" json:"state_extension,omitempty"`

	// CommandExtension is appended to the thing base URL for commands.
	// Default: StateExtension.
	CommandExtension string `yaml:"command_extension" json:"command_extension,omitempty"`

	OnValue     string `yaml:"on_value" json:"on_value,omitempty"`
	OffValue    string `yaml:"off_value" json:"off_value,omitempty"`
	OpenValue   string `yaml:"open_value" json:"open_value,omitempty"`
	ClosedValue string `yaml:"closed_value" json:"closed_value,omitempty"`

	Unit string `yaml:"unit" json:"unit,omitempty"`
}

// String returns a string representation with the password masked.
func (t ThingConfig) String() string {
	password := ""
	if t.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("ThingConfig{ID:%q, BaseURL:%q, Refresh:%d, Timeout:%d, Delay:%d, AuthMode:%q, Username:%q, Password:%s, Channels:%d}",
		t.ID, t.BaseURL, t.Refresh, t.Timeout, t.Delay, t.AuthMode, t.Username, password, len(t.Channels))
}

// MarshalJSON implements json.Marshaler to redact the password.
func (t ThingConfig) MarshalJSON() ([]byte, error) {
	type redacted ThingConfig
	safe := redacted(t)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// LoadConfig reads the thing configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern COAP_BRIDGE_KEY, for example
// COAP_BRIDGE_ID and COAP_BRIDGE_HEALTH_INTERVAL.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML thing configuration, applies defaults and
// environment overrides, and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Things {
		cfg.Things[i].applyDefaults()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "coap-bridge-01",
			HealthInterval: 30,
		},
		Things: []ThingConfig{},
	}
}

// applyDefaults fills unset thing and channel fields.
func (t *ThingConfig) applyDefaults() {
	if t.Refresh == 0 {
		t.Refresh = DefaultRefresh
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTimeout
	}
	if t.BufferSize == 0 {
		t.BufferSize = DefaultBufferSize
	}
	if t.AuthMode == "" {
		t.AuthMode = AuthBasic
	}
	if t.StateMethod == "" {
		t.StateMethod = string(coapclient.MethodGet)
	}
	if t.CommandMethod == "" {
		t.CommandMethod = string(coapclient.MethodGet)
	}
	for i := range t.Channels {
		t.Channels[i].applyDefaults()
	}
}

func (c *ChannelConfig) applyDefaults() {
	if c.Type == "" {
		c.Type = ChannelString
	}
	if c.Mode == "" {
		c.Mode = ModeReadWrite
	}
	if c.CommandExtension == "" {
		c.CommandExtension = c.StateExtension
	}
	if c.OnValue == "" {
		c.OnValue = "ON"
	}
	if c.OffValue == "" {
		c.OffValue = "OFF"
	}
	if c.OpenValue == "" {
		c.OpenValue = "OPEN"
	}
	if c.ClosedValue == "" {
		c.ClosedValue = "CLOSED"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COAP_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("COAP_BRIDGE_HEALTH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.HealthInterval = n
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}

	ids := make(map[string]bool)
	for i := range c.Things {
		t := &c.Things[i]
		if t.ID != "" {
			if ids[t.ID] {
				errs = append(errs, fmt.Sprintf("things[%d].id %q is duplicate", i, t.ID))
			}
			ids[t.ID] = true
		}
		errs = append(errs, t.validate(i)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (t *ThingConfig) validate(idx int) []string {
	var errs []string
	prefix := fmt.Sprintf("things[%d]", idx)

	if !idPattern.MatchString(t.ID) {
		errs = append(errs, fmt.Sprintf("%s.id %q must be non-empty and use only letters, digits, '-' or '_'", prefix, t.ID))
	}
	if t.BaseURL == "" {
		errs = append(errs, prefix+".base_url is required")
	} else if u, err := url.Parse(t.BaseURL); err != nil || !strings.EqualFold(u.Scheme, "coap") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("%s.base_url %q must be a coap:// URL with a host", prefix, t.BaseURL))
	}
	if t.Refresh < 1 {
		errs = append(errs, prefix+".refresh must be at least 1 second")
	}
	if t.Timeout < 1 {
		errs = append(errs, prefix+".timeout must be positive")
	}
	if t.Delay < 0 {
		errs = append(errs, prefix+".delay must not be negative")
	} else if int64(t.Delay) > coapclient.MaxDelay.Milliseconds() {
		errs = append(errs, prefix+".delay must not exceed 24h")
	}
	if t.BufferSize < 1 {
		errs = append(errs, prefix+".buffer_size must be positive")
	}
	if t.AuthMode != AuthBasic && t.AuthMode != AuthDigest {
		errs = append(errs, fmt.Sprintf("%s.auth_mode %q is invalid (use basic or digest)", prefix, t.AuthMode))
	}
	if _, err := coapclient.ParseMethod(t.StateMethod); err != nil {
		errs = append(errs, fmt.Sprintf("%s.state_method %q is invalid", prefix, t.StateMethod))
	}
	if _, err := coapclient.ParseMethod(t.CommandMethod); err != nil {
		errs = append(errs, fmt.Sprintf("%s.command_method %q is invalid", prefix, t.CommandMethod))
	}
	if t.ContentType != "" {
		if _, err := coapclient.ParseMediaType(t.ContentType); err != nil {
			errs = append(errs, fmt.Sprintf("%s.content_type %q is invalid", prefix, t.ContentType))
		}
	}
	for _, h := range t.Headers {
		if name, _, ok := strings.Cut(h, "="); !ok || strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Sprintf("%s.headers entry %q must be Name=Value", prefix, h))
		}
	}

	channels := make(map[string]bool)
	for j, ch := range t.Channels {
		cp := fmt.Sprintf("%s.channels[%d]", prefix, j)
		if !idPattern.MatchString(ch.ID) {
			errs = append(errs, fmt.Sprintf("%s.id %q must be non-empty and use only letters, digits, '-' or '_'", cp, ch.ID))
		} else if channels[ch.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicate", cp, ch.ID))
		}
		channels[ch.ID] = true

		switch ch.Type {
		case ChannelString, ChannelNumber, ChannelSwitch, ChannelContact, ChannelDimmer:
		default:
			errs = append(errs, fmt.Sprintf("%s.type %q is invalid", cp, ch.Type))
		}
		switch ch.Mode {
		case ModeReadWrite, ModeReadOnly, ModeWriteOnly:
		default:
			errs = append(errs, fmt.Sprintf("%s.mode %q is invalid (use readwrite, readonly or writeonly)", cp, ch.Mode))
		}
		if ch.Type == ChannelContact && ch.Mode == ModeWriteOnly {
			errs = append(errs, cp+" contact channels cannot be writeonly")
		}
	}

	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// RefreshInterval returns the poll interval.
func (t ThingConfig) RefreshInterval() time.Duration {
	return time.Duration(t.Refresh) * time.Second
}

// RequestTimeout returns the per-request timeout.
func (t ThingConfig) RequestTimeout() time.Duration {
	return time.Duration(t.Timeout) * time.Millisecond
}

// DispatchDelay returns the minimum spacing between requests.
func (t ThingConfig) DispatchDelay() time.Duration {
	return time.Duration(t.Delay) * time.Millisecond
}

// MaxMessageSize returns the response size bound in bytes.
func (t ThingConfig) MaxMessageSize() int {
	return t.BufferSize * 1024
}

// Header returns the value of a configured header, matched case-insensitively.
func (t ThingConfig) Header(name string) (string, bool) {
	for _, h := range t.Headers {
		k, v, ok := strings.Cut(h, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// UDPOptions returns the transport options for this thing. content_type
// takes precedence over a Content-Format header.
func (t ThingConfig) UDPOptions() coapclient.UDPOptions {
	opts := coapclient.UDPOptions{MaxMessageSize: t.MaxMessageSize()}
	if v, ok := t.Header("Accept"); ok {
		opts.Accept = v
	}
	if v, ok := t.Header("Content-Format"); ok {
		opts.ContentFormat = v
	}
	if t.ContentType != "" {
		opts.ContentFormat = t.ContentType
	}
	return opts
}

// ResolveURL joins the thing base URL and a channel extension.
func (t ThingConfig) ResolveURL(extension string) (*url.URL, error) {
	u, err := url.Parse(t.BaseURL + extension)
	if err != nil {
		return nil, fmt.Errorf("thing %s: invalid url %q: %w", t.ID, t.BaseURL+extension, err)
	}
	return u, nil
}

// Readable reports whether the channel accepts state requests.
func (c ChannelConfig) Readable() bool {
	return c.Mode != ModeWriteOnly
}

// Writable reports whether the channel accepts commands.
func (c ChannelConfig) Writable() bool {
	return c.Mode != ModeReadOnly && c.Type != ChannelContact
}
