package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-coap/internal/bridges/coap"
)

// healthCheckTimeout bounds each component check in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/things", func(r chi.Router) {
			r.Get("/", s.handleListThings)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetThing)
				r.Put("/delay", s.handleSetDelay)
				r.Get("/channels/{channel}", s.handleReadChannel)
			})
		})

		r.Get("/channels/{thing}/{channel}/history", s.handleChannelHistory)
		r.Post("/transport/reset", s.handleResetTransport)

		r.Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        coap.HealthStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components,omitempty"`
}

// handleHealth reports bridge status plus infrastructure checks. Unhealthy
// and offline bridges answer 503 so load balancers and health checks can react.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, reason := s.bridge.HealthStatus()
	resp := HealthResponse{
		Status:        status,
		Reason:        reason,
		Version:       s.version,
		UptimeSeconds: int64(s.bridge.Uptime().Seconds()),
	}

	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := check.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Components[name] = err.Error()
				if resp.Status == coap.HealthHealthy {
					resp.Status = coap.HealthDegraded
					resp.Reason = name + " check failed"
				}
				continue
			}
			resp.Components[name] = "ok"
		}
	}

	code := http.StatusOK
	if resp.Status == coap.HealthUnhealthy || resp.Status == coap.HealthOffline {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
