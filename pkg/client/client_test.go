package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/types"
)

func TestExchangeRoundtrip(t *testing.T) {
	var gotCorr, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorr = r.Header.Get("X-Correlation-ID")
		gotContentType = r.Header.Get("Content-Type")
		assert.Equal(t, "/v1/sync", r.URL.Path)
		w.Write([]byte(`{"batch_id":"s1","node_id":"backend","operations":[],"vector_clock":{"n2":4}}`))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, srv.Client())
	resp, err := c.Exchange(context.Background(), &types.SyncEnvelope{BatchID: "b1", NodeID: "edge-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, gotCorr)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "backend", resp.NodeID)
	assert.Equal(t, uint64(4), resp.VectorClock["n2"])
}

func TestExchangeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"merge failed"}`))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, srv.Client())
	_, err := c.Exchange(context.Background(), &types.SyncEnvelope{NodeID: "edge-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestExchangeMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{"))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, srv.Client())
	_, err := c.Exchange(context.Background(), &types.SyncEnvelope{NodeID: "edge-1"})
	require.Error(t, err)
}

func TestExchangeHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewWithHTTPClient(srv.URL, srv.Client())
	_, err := c.Exchange(ctx, &types.SyncEnvelope{NodeID: "edge-1"})
	require.Error(t, err)
}
