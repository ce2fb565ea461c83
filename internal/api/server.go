// Package api provides the HTTP server for threadsched: live scheduler
// inspection, scenario replays and recorded traces.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/threadsched/internal/app/replay"
	"github.com/tutu-network/threadsched/internal/health"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/workload"
)

// Version is reported by /api/version.
var Version = "dev"

// Inspector reads a scheduler's state. Both calls serialize against the
// scheduler lock.
type Inspector interface {
	Snapshot() []scheduler.ThreadInfo
	Stats() scheduler.Stats
}

// Replayer runs scenarios on fresh schedulers.
type Replayer interface {
	ReplayScenario(ctx context.Context, sc *workload.Scenario, opts replay.Options) (*replay.Outcome, error)
}

// RunStore reads and prunes recorded traces.
type RunStore interface {
	ListRuns(limit int) ([]sqlite.Run, error)
	GetRun(id string) (*sqlite.Run, error)
	Events(runID string, kind scheduler.EventKind) ([]scheduler.Event, error)
	LoadSamples(runID string) ([]sqlite.LoadSample, error)
	DeleteRun(id string) error
}

// Server is the threadsched HTTP API server.
type Server struct {
	kernel         Inspector
	replayer       Replayer
	runs           RunStore
	health         *health.Checker
	corsOrigins    []string
	metricsEnabled bool
	started        time.Time
}

// NewServer creates a new API server over the live scheduler. kernel may be
// nil when only replays are served.
func NewServer(kernel Inspector) *Server {
	return &Server{kernel: kernel, corsOrigins: []string{"*"}, started: time.Now()}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetReplayer enables POST /api/runs.
func (s *Server) SetReplayer(r Replayer) { s.replayer = r }

// SetRunStore enables the recorded trace endpoints.
func (s *Server) SetRunStore(rs RunStore) { s.runs = rs }

// SetHealth makes /health report the checker's statuses.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetCORSOrigins restricts Access-Control-Allow-Origin.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})
		if s.kernel != nil {
			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Get("/stats", s.handleStats)
		}
		r.Get("/scenarios", s.handleListScenarios)
		r.Get("/scenarios/{name}", s.handleGetScenario)
		if s.replayer != nil {
			r.Post("/runs", s.handleCreateRun)
		}
		if s.runs != nil {
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/events", s.handleRunEvents)
			r.Get("/runs/{id}/load", s.handleRunLoad)
			r.Delete("/runs/{id}", s.handleDeleteRun)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.health == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["checks"] = s.health.Statuses()
	if !s.health.IsHealthy() {
		body["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// corsMiddleware adds CORS headers for browser dashboards.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if slices.Contains(s.corsOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.ContainsFunc(s.corsOrigins, func(o string) bool {
		return strings.EqualFold(o, origin)
	}) {
		return origin
	}
	return ""
}
