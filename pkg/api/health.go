package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/storage"
)

// Check probes one component; nil means healthy
type Check func() error

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	store  storage.Store
	checks map[string]Check
	mux    *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. Extra
// component checks (dispatcher, emr) are registered with AddCheck.
func NewHealthServer(store storage.Store) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:  store,
		checks: map[string]Check{},
		mux:    mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// AddCheck registers a named readiness check
func (hs *HealthServer) AddCheck(name string, check Check) {
	hs.checks[name] = check
}

// Start starts the health check HTTP server
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint
// This checks if the service is ready to accept traffic
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Storage is critical: verify the node identity reads back.
	if hs.store != nil {
		if _, err := hs.store.NodeID(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Storage not accessible"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
		message = "Store not initialized"
	}

	for name, check := range hs.checks {
		if err := check(); err != nil {
			checks[name] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = fmt.Sprintf("%s not ready", name)
			}
		} else {
			checks[name] = "ok"
		}
	}

	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
