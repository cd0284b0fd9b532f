package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/nerrad567/gray-logic-coap/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
	"github.com/nerrad567/gray-logic-coap/internal/history"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/logging"
)

// fakeBridge implements Bridge for testing.
type fakeBridge struct {
	mu         sync.Mutex
	things     map[string]coap.ThingSnapshot
	delays     map[string]time.Duration
	readValue  any
	readErr    error
	resetCalls int
	status     coap.HealthStatus
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		things: map[string]coap.ThingSnapshot{
			"lamp": {ID: "lamp", Name: "Hall lamp", BaseURL: "coap://192.168.1.40", Status: coap.ThingOnline},
		},
		delays:    make(map[string]time.Duration),
		readValue: true,
		status:    coap.HealthHealthy,
	}
}

func (f *fakeBridge) Snapshot() []coap.ThingSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coap.ThingSnapshot, 0, len(f.things))
	for _, t := range f.things {
		out = append(out, t)
	}
	return out
}

func (f *fakeBridge) SnapshotThing(id string) (coap.ThingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.things[id]
	if !ok {
		return coap.ThingSnapshot{}, fmt.Errorf("%w: %s", coap.ErrUnknownThing, id)
	}
	t.DelayMS = f.delays[id].Milliseconds()
	return t, nil
}

func (f *fakeBridge) SetDelay(thingID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.things[thingID]; !ok {
		return fmt.Errorf("%w: %s", coap.ErrUnknownThing, thingID)
	}
	if delay < 0 {
		return coapclient.ErrInvalidDelay
	}
	f.delays[thingID] = delay
	return nil
}

func (f *fakeBridge) ResetTransport() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

func (f *fakeBridge) ReadChannel(_ context.Context, thingID, _ string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.things[thingID]; !ok {
		return nil, fmt.Errorf("%w: %s", coap.ErrUnknownThing, thingID)
	}
	return f.readValue, f.readErr
}

func (f *fakeBridge) HealthStatus() (coap.HealthStatus, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, ""
}

func (f *fakeBridge) Uptime() time.Duration { return 90 * time.Second }

func (f *fakeBridge) GetMetrics() coap.BridgeMetrics {
	return coap.BridgeMetrics{ThingsManaged: 1, ThingsOnline: 1}
}

type fakeHistory struct {
	entries   []history.Entry
	err       error
	lastLimit int
}

func (f *fakeHistory) List(_ context.Context, thingID, channelID string, limit int) ([]history.Entry, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := []history.Entry{}
	for _, e := range f.entries {
		if e.ThingID == thingID && e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out, nil
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

func testServer(t *testing.T, bridge *fakeBridge, hist HistoryStore) *Server {
	t.Helper()
	s, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  testLogger(),
		Bridge:  bridge,
		History: hist,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Deps{Bridge: newFakeBridge()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without bridge should fail")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     coap.HealthStatus
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus coap.HealthStatus
	}{
		{"healthy", coap.HealthHealthy, nil, http.StatusOK, coap.HealthHealthy},
		{"unhealthy", coap.HealthUnhealthy, nil, http.StatusServiceUnavailable, coap.HealthUnhealthy},
		{"offline", coap.HealthOffline, nil, http.StatusServiceUnavailable, coap.HealthOffline},
		{
			"failing component degrades",
			coap.HealthHealthy,
			map[string]HealthChecker{
				"database": checkFunc(func(context.Context) error { return nil }),
				"mqtt":     checkFunc(func(context.Context) error { return errors.New("not connected") }),
			},
			http.StatusOK,
			coap.HealthDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge()
			bridge.status = tt.status
			s := testServer(t, bridge, nil)
			s.checks = tt.checks

			rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/health", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			decode(t, rec, &resp)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.UptimeSeconds != 90 {
				t.Errorf("uptime = %d, want 90", resp.UptimeSeconds)
			}
			if tt.checks != nil && resp.Components["mqtt"] != "not connected" {
				t.Errorf("components = %v", resp.Components)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestListAndGetThings(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/things", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Things []coap.ThingSnapshot `json:"things"`
		Count  int                  `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 1 || list.Things[0].ID != "lamp" {
		t.Errorf("list = %+v", list)
	}

	rec = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/things/lamp", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/things/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown thing status = %d, want 404", rec.Code)
	}
}

func TestSetDelay(t *testing.T) {
	tests := []struct {
		name     string
		thing    string
		body     string
		wantCode int
	}{
		{"valid", "lamp", `{"delay_ms": 250}`, http.StatusOK},
		{"zero", "lamp", `{"delay_ms": 0}`, http.StatusOK},
		{"negative", "lamp", `{"delay_ms": -1}`, http.StatusBadRequest},
		{"above max", "lamp", `{"delay_ms": 86400001}`, http.StatusBadRequest},
		{"overflows duration", "lamp", `{"delay_ms": 9223372036854775807}`, http.StatusBadRequest},
		{"missing field", "lamp", `{}`, http.StatusBadRequest},
		{"bad json", "lamp", `{`, http.StatusBadRequest},
		{"unknown thing", "nope", `{"delay_ms": 10}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge()
			s := testServer(t, bridge, nil)

			rec := doRequest(t, s.Handler(), http.MethodPut, "/api/v1/things/"+tt.thing+"/delay", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusBadRequest {
				bridge.mu.Lock()
				_, applied := bridge.delays[tt.thing]
				bridge.mu.Unlock()
				if applied {
					t.Error("rejected delay reached the bridge")
				}
			}
		})
	}

	bridge := newFakeBridge()
	s := testServer(t, bridge, nil)
	rec := doRequest(t, s.Handler(), http.MethodPut, "/api/v1/things/lamp/delay", `{"delay_ms": 250}`)
	var snap coap.ThingSnapshot
	decode(t, rec, &snap)
	if snap.DelayMS != 250 {
		t.Errorf("DelayMS = %d, want 250", snap.DelayMS)
	}
}

func TestReadChannel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown channel", coap.ErrUnknownChannel, http.StatusNotFound},
		{"write only", coap.ErrWriteOnlyChannel, http.StatusBadRequest},
		{"no response", coap.ErrNoResponse, http.StatusGatewayTimeout},
		{"status error", &coapclient.StatusError{Target: "coap://x/y", Code: codes.NotFound}, http.StatusBadGateway},
		{"queue full", coapclient.ErrQueueFull, http.StatusServiceUnavailable},
		{"stopped", coap.ErrBridgeStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge()
			bridge.readErr = tt.err
			s := testServer(t, bridge, nil)

			rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/things/lamp/channels/power", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.err == nil {
				var body map[string]any
				decode(t, rec, &body)
				if body["value"] != true || body["channel_id"] != "power" {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestResetTransport(t *testing.T) {
	bridge := newFakeBridge()
	s := testServer(t, bridge, nil)

	rec := doRequest(t, s.Handler(), http.MethodPost, "/api/v1/transport/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if bridge.resetCalls != 1 {
		t.Errorf("reset calls = %d, want 1", bridge.resetCalls)
	}
}

func TestChannelHistory(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{entries: []history.Entry{
		{ID: 1, ThingID: "lamp", ChannelID: "power", Value: true, ObservedAt: now},
		{ID: 2, ThingID: "lamp", ChannelID: "level", Value: 40.0, ObservedAt: now},
	}}
	s := testServer(t, newFakeBridge(), hist)

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/channels/lamp/power/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Entries []history.Entry `json:"entries"`
		Count   int             `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 1 || body.Entries[0].ID != 1 {
		t.Errorf("body = %+v", body)
	}
	if hist.lastLimit != history.DefaultLimit {
		t.Errorf("limit = %d, want default %d", hist.lastLimit, history.DefaultLimit)
	}

	doRequest(t, s.Handler(), http.MethodGet, "/api/v1/channels/lamp/power/history?limit=5", "")
	if hist.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", hist.lastLimit)
	}

	rec = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/channels/lamp/power/history?limit=x", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	hist.err = errors.New("disk full")
	rec = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/channels/lamp/power/history", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d, want 500", rec.Code)
	}
}

func TestChannelHistoryDisabled(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/channels/lamp/power/history", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var m SystemMetrics
	decode(t, rec, &m)
	if m.Bridge.ThingsManaged != 1 || m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)
	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rec := doRequest(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s, err := New(Deps{
		Config: config.APIConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2},
		},
		Logger: testLogger(),
		Bridge: newFakeBridge(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/health", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
}

func TestVisitorLimiterSweep(t *testing.T) {
	l := newVisitorLimiter(1, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	now = now.Add(visitorTTL / 2)
	l.allow("10.0.0.2")
	now = now.Add(visitorTTL/2 + time.Second)

	l.sweep()
	if l.size() != 1 {
		t.Errorf("size after sweep = %d, want 1", l.size())
	}
}

func TestStartAndClose(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWebSocketStateStream(t *testing.T) {
	s := testServer(t, newFakeBridge(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline

	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{EventStateChanged}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe response = %+v", ack)
	}

	s.PublishStateChange(coap.StateChange{ThingID: "lamp", ChannelID: "power", Value: true})

	var event struct {
		Type      string           `json:"type"`
		EventType string           `json:"event_type"`
		Payload   coap.StateChange `json:"payload"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != EventStateChanged {
		t.Errorf("event = %+v", event)
	}
	if event.Payload.ThingID != "lamp" || event.Payload.Value != true {
		t.Errorf("payload = %+v", event.Payload)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "2"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSTypePong || pong.ID != "2" {
		t.Errorf("pong = %+v", pong)
	}
}
