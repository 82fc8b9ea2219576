package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// readyTimeout bounds one readiness probe; checks run concurrently.
const readyTimeout = 5 * time.Second

// Probe states reported per dependency.
const (
	probeOK            = "ok"
	probeFailed        = "error"
	probeNotConfigured = "not_configured"
)

// HealthChecker is a dependency /ready waits on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlersConfig names the optional backends. A nil checker means
// the in-memory fallback is serving that concern, which is still ready.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	checks map[string]HealthChecker
}

func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{checks: map[string]HealthChecker{
		"database": cfg.DBChecker,
		"redis":    cfg.RedisChecker,
	}}
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health answers GET /health with 200 while the process can serve.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": probeOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready answers GET /ready: 503 when a configured backend fails its check.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		healthy = true
		results = map[string]string{"metrics": probeOK}
	)
	for name, checker := range h.checks {
		if checker == nil {
			results[name] = probeNotConfigured
			continue
		}
		g.Go(func() error {
			state := probeOK
			if err := checker.HealthCheck(ctx); err != nil {
				slog.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
				state = probeFailed
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = state
			healthy = healthy && state == probeOK
			return nil
		})
	}
	_ = g.Wait()

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
