// Package health exposes the ops HTTP surface: /health with per-component
// status and /metrics with the Prometheus registry.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check probes one component. Return nil when healthy.
type Check func(ctx context.Context) error

// ComponentStatus is one component's state in the health report.
type ComponentStatus struct {
	Status string `json:"status"` // healthy | unhealthy
	Error  string `json:"error,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status     string                     `json:"status"` // healthy | degraded
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentStatus `json:"components"`
}

// Checker runs registered component checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]Check
}

// NewChecker returns an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check)}
}

// Register adds a named component check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes all checks with a shared deadline.
func (c *Checker) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.mu.Lock()
	checks := make(map[string]Check, len(c.checks))
	for name, ch := range c.checks {
		checks[name] = ch
	}
	c.mu.Unlock()

	report := Report{
		Status:     "healthy",
		CheckedAt:  time.Now().UTC(),
		Components: make(map[string]ComponentStatus, len(checks)),
	}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			report.Components[name] = ComponentStatus{Status: "unhealthy", Error: err.Error()}
			report.Status = "degraded"
		} else {
			report.Components[name] = ComponentStatus{Status: "healthy"}
		}
	}
	return report
}

// Server serves /health and /metrics.
type Server struct {
	srv *http.Server
}

// NewServer wires the router.
func NewServer(addr string, checker *Checker, registry *prometheus.Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		report := checker.Run(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Printf("[health] encode report: %v", err)
		}
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{srv: &http.Server{Addr: addr, Handler: r}}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Printf("[health] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] server error: %v", err)
		}
	}()
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
