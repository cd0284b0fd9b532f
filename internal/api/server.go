package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-coap/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-coap/internal/history"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coap/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// EventStateChanged is the WebSocket event type carrying channel state changes.
const EventStateChanged = "channel.state_changed"

// Bridge is the subset of *coap.Bridge the API needs.
type Bridge interface {
	Snapshot() []coap.ThingSnapshot
	SnapshotThing(id string) (coap.ThingSnapshot, error)
	SetDelay(thingID string, delay time.Duration) error
	ResetTransport() error
	ReadChannel(ctx context.Context, thingID, channelID string) (any, error)
	HealthStatus() (coap.HealthStatus, string)
	Uptime() time.Duration
	GetMetrics() coap.BridgeMetrics
}

// HistoryStore serves recorded channel states.
type HistoryStore interface {
	List(ctx context.Context, thingID, channelID string, limit int) ([]history.Entry, error)
}

// HealthChecker is implemented by infrastructure clients (database, MQTT,
// InfluxDB) reported under /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Bridge  Bridge
	History HistoryStore // optional

	// Checks are reported by name in the health response. Optional.
	Checks  map[string]HealthChecker
	Version string
}

// Server is the HTTP status and admin API of the bridge.
//
// The server is created with New() and started with Start():
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	bridge    Bridge
	history   HistoryStore
	checks    map[string]HealthChecker
	version   string
	startTime time.Time
	hub       *Hub
	limiter   *visitorLimiter
	handler   http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called, but Handler() is usable
// straight away.
//
// Parameters:
//   - deps: Required dependencies (logger, bridge) plus optional history and checks
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Bridge == nil {
		return nil, errors.New("bridge is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		history:   deps.History,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}
	if deps.Config.RateLimit.Enabled {
		s.limiter = newVisitorLimiter(deps.Config.RateLimit.RequestsPerSecond, deps.Config.RateLimit.Burst)
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves requests in a background goroutine.
// Binding happens before Start returns so a busy port is reported here.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if s.limiter != nil {
		go s.limiter.sweepLoop(srvCtx)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.addr = ln.Addr()

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.addr.String())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// PublishStateChange forwards a channel state change to WebSocket clients
// subscribed to EventStateChanged. It matches the coap.Bridge OnStateChange
// hook signature.
func (s *Server) PublishStateChange(change coap.StateChange) {
	s.hub.Broadcast(EventStateChanged, change)
}
