package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/storage"
)

func healthFixture(t *testing.T) *HealthServer {
	t.Helper()
	cipher, err := security.NewCipherFromKeyID("test-key")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), cipher, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewHealthServer(store)
}

func TestHealthEndpoint(t *testing.T) {
	hs := healthFixture(t)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadyAllChecksPass(t *testing.T) {
	hs := healthFixture(t)
	hs.AddCheck("dispatcher", func() error { return nil })
	hs.AddCheck("emr", func() error { return nil })

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["storage"])
	assert.Equal(t, "ok", resp.Checks["dispatcher"])
	assert.Equal(t, "ok", resp.Checks["emr"])
}

func TestReadyFailingCheck(t *testing.T) {
	hs := healthFixture(t)
	hs.AddCheck("dispatcher", func() error { return errors.New("consumer lag") })

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Contains(t, resp.Checks["dispatcher"], "consumer lag")
}

func TestReadyWithoutStore(t *testing.T) {
	hs := NewHealthServer(nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointMounted(t *testing.T) {
	hs := healthFixture(t)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wardsync_")
}

func TestHealthRejectsPost(t *testing.T) {
	hs := healthFixture(t)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
