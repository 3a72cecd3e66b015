package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"lotscan/internal/repository"
	"lotscan/pkg/response"
)

// StoreChecker is the part of the Local Store the health handlers inspect.
type StoreChecker interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (repository.StoreStats, error)
}

// Connectivity reports whether the inventory backend is reachable.
type Connectivity interface {
	Online() bool
}

// Handler contains the health and status handlers and their dependencies.
type Handler struct {
	store     StoreChecker
	conn      Connectivity
	version   string
	storeType string
	startTime time.Time
}

// New creates a new handler.
func New(store StoreChecker, conn Connectivity, version, storeType string) *Handler {
	return &Handler{
		store:     store,
		conn:      conn,
		version:   version,
		storeType: storeType,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	response.OK(w, resp)
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// Check represents an individual readiness check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready handles GET /api/v1/ready. Only the Local Store gates readiness;
// an unreachable backend is reported but the scanner keeps working offline.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	store := Check{Name: "store", Status: "ok"}
	if err := h.store.Ping(ctx); err != nil {
		store.Status = "error"
		store.Error = err.Error()
	}
	backend := Check{Name: "backend", Status: "online"}
	online := h.conn == nil || h.conn.Online()
	if !online {
		backend.Status = "offline"
	}

	resp := ReadyResponse{
		Ready:     store.Status == "ok",
		Online:    online,
		Timestamp: time.Now().UTC(),
		Checks:    []Check{store, backend},
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, resp)
}

// StatusResponse is the detailed status of the scanner process.
type StatusResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Timestamp     string                 `json:"timestamp"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Online        bool                   `json:"online"`
	Store         map[string]interface{} `json:"store"`
	Memory        map[string]interface{} `json:"memory"`
	Runtime       map[string]interface{} `json:"runtime"`
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	store := map[string]interface{}{"type": h.storeType}
	if stats, err := h.store.Stats(r.Context()); err == nil {
		store["status"] = "connected"
		store["pending_submissions"] = stats.PendingSubmissions
		store["held_work_items"] = stats.HeldWorkItems
		store["work_items"] = stats.WorkItems
		store["lookups"] = stats.Lookups
	} else {
		store["status"] = "error"
		store["error"] = err.Error()
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Status:        "ok",
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Online:        h.conn == nil || h.conn.Online(),
		Store:         store,
		Memory: map[string]interface{}{
			"alloc_mb":   float64(memStats.Alloc) / 1024 / 1024,
			"sys_mb":     float64(memStats.Sys) / 1024 / 1024,
			"num_gc":     memStats.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
		},
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	response.OK(w, resp)
}
