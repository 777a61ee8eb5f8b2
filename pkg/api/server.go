package api

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/resolver"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

// Server exposes the sync envelope endpoint. Transport is TLS 1.3
// minimum; older protocol versions are rejected at the handshake.
type Server struct {
	store    storage.Store
	resolver *resolver.Resolver
	mux      *http.ServeMux
	http     *http.Server
}

// NewServer creates the sync API server
func NewServer(store storage.Store, res *resolver.Resolver) *Server {
	s := &Server{
		store:    store,
		resolver: res,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/sync", s.syncHandler)
	return s
}

// Handler returns the HTTP handler for embedding and tests
func (s *Server) Handler() http.Handler {
	return withCorrelation(s.mux)
}

// Start serves HTTPS until the listener fails
func (s *Server) Start(addr, certFile, keyFile string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("sync API listening")
	return s.http.ListenAndServeTLS(certFile, keyFile)
}

// Stop closes the listener
func (s *Server) Stop() error {
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

// withCorrelation ensures every request carries a correlation id and
// logs the request outcome.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Correlation-ID")
		if corrID == "" {
			corrID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corrID)

		began := time.Now()
		next.ServeHTTP(w, r)
		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("correlation_id", corrID).
			Dur("duration", time.Since(began)).
			Msg("request handled")
	})
}

type errorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// syncHandler implements POST /v1/sync: merge the client's operations,
// then answer with the operations this node holds beyond the client's
// since vector plus a server-side clock snapshot.
func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env types.SyncEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed envelope: %w", err), r)
		return
	}
	if env.NodeID == "" {
		writeError(w, http.StatusBadRequest, errors.New("node_id is required"), r)
		return
	}

	var remotes []*types.Replica
	for _, op := range env.Operations {
		if op.Replica != nil {
			remotes = append(remotes, op.Replica)
		}
	}
	if len(remotes) > 0 {
		if _, err := s.resolver.MergeBatch(r.Context(), remotes, "sync:"+env.NodeID); err != nil {
			// A merge timeout committed a prefix; the client resends the
			// rest next round, so answer normally for the durable part.
			if !errors.Is(err, resolver.ErrMergeTimeout) {
				writeError(w, http.StatusInternalServerError, err, r)
				return
			}
		}
	}

	resp, err := s.respond(r, &env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// respond assembles the operations beyond the client's since vector and
// the aggregate clock snapshot.
func (s *Server) respond(r *http.Request, env *types.SyncEnvelope) (*types.SyncEnvelope, error) {
	nodeID, err := s.store.NodeID()
	if err != nil {
		return nil, err
	}

	replicas, err := s.store.Load(r.Context(), storage.Filter{IncludeTombstones: true})
	if err != nil {
		return nil, err
	}

	resp := &types.SyncEnvelope{
		BatchID:     uuid.New().String(),
		NodeID:      nodeID,
		VectorClock: map[string]uint64{},
	}
	for _, rep := range replicas {
		for node, counter := range rep.VectorClock.Snapshot() {
			if counter > resp.VectorClock[node] {
				resp.VectorClock[node] = counter
			}
		}
		if rep.LastWriterNode == env.NodeID {
			continue // the client already has its own writes
		}
		if !beyond(rep, env.SinceVector) {
			continue
		}
		op := types.SyncOpUpsert
		if rep.Tombstone {
			op = types.SyncOpDelete
		}
		resp.Operations = append(resp.Operations, types.SyncOperation{Op: op, Replica: rep})
	}
	return resp, nil
}

// beyond reports whether a replica carries any counter the client has
// not seen yet.
func beyond(r *types.Replica, since map[string]uint64) bool {
	if len(since) == 0 {
		return true
	}
	for node, counter := range r.VectorClock.Snapshot() {
		if counter > since[node] {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, err error, r *http.Request) {
	logger := log.WithComponent("api")
	logger.Error().Err(err).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:         err.Error(),
		Kind:          string(types.KindOf(err)),
		CorrelationID: w.Header().Get("X-Correlation-ID"),
	})
}
