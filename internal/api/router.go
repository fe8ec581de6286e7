package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/monitor"
	"github.com/ashby-io/ashby/internal/supervisor"
)

// Monitor is the variety-monitor surface the API needs.
type Monitor interface {
	Require(caps []string) monitor.Gap
	Status() monitor.Status
	Enable()
	Disable()
}

// Supervisor is the process-supervisor surface the API needs.
type Supervisor interface {
	List() []supervisor.ServerInfo
	Get(id string) (supervisor.ServerInfo, error)
	Stop(ctx context.Context, id string, mode supervisor.StopMode) error
}

// Registry is the capability-router surface the API needs.
type Registry interface {
	Capabilities() []string
	Execute(ctx context.Context, capability string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Refresh(ctx context.Context)
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in main after all components are initialized and passed as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Monitor    Monitor
	Supervisor Supervisor
	Registry   Registry
	Logger     *zap.Logger

	// ExecuteTimeout bounds /mcp/execute when the request does not carry
	// its own deadline.
	ExecuteTimeout time.Duration

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	// ObserveHTTP feeds the request-latency histogram when set.
	ObserveHTTP func(method, route, status string, seconds float64)
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger.Named("http"), cfg.ObserveHTTP))
	r.Use(middleware.Recoverer)

	h := &handlers{
		monitor:        cfg.Monitor,
		supervisor:     cfg.Supervisor,
		registry:       cfg.Registry,
		logger:         cfg.Logger,
		executeTimeout: cfg.ExecuteTimeout,
	}

	r.Get("/health", h.Health)
	r.Get("/capabilities", h.Capabilities)
	r.Get("/daemon", h.DaemonStatus)
	r.Post("/daemon/enable", h.DaemonEnable)
	r.Post("/daemon/disable", h.DaemonDisable)
	r.Post("/autonomy/trigger", h.Trigger)

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/servers", h.ListServers)
		r.Get("/servers/{id}", h.GetServer)
		r.Delete("/servers/{id}", h.StopServer)
		r.Post("/execute", h.Execute)
		r.Post("/refresh", h.Refresh)
	})

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	return r
}
