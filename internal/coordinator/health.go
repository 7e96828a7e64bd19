package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/pool"
	"github.com/dyluth/warren/internal/state"
)

// HealthServer is the coordinator's HTTP surface: /healthz for liveness,
// /metrics for Prometheus scrapes, and /status for the CLI's pool
// snapshot.
type HealthServer struct {
	store   *state.Store
	metrics *metrics.Metrics
	pool    *pool.Pool
	addr    string
	server  *http.Server
}

// HealthResponse is the body of a /healthz response.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewHealthServer creates the HTTP surface. Start begins serving.
func NewHealthServer(store *state.Store, m *metrics.Metrics, p *pool.Pool, addr string) *HealthServer {
	if addr == "" {
		addr = ":8080"
	}
	return &HealthServer{store: store, metrics: m, pool: p, addr: addr}
}

// Start serves in the background. Listen errors after startup are logged
// by net/http; a busy port surfaces on the first scrape instead of here.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthzHandler)
	mux.HandleFunc("/status", h.statusHandler)
	mux.Handle("/metrics", h.metrics.Handler())

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP surface.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthzHandler reports 200 when Redis answers a ping, 503 otherwise.
func (h *HealthServer) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Redis: "connected"}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		response = HealthResponse{Status: "unhealthy", Redis: "disconnected", Error: err.Error()}
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// statusHandler serves the pool snapshot as JSON.
func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.pool.Metrics())
}
