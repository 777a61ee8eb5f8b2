package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardsync/wardsync/pkg/types"
)

// DefaultTimeout bounds one sync exchange
const DefaultTimeout = 30 * time.Second

// Client talks to the backend sync endpoint. It satisfies the
// orchestrator's Transport interface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a sync client. TLS 1.3 is the minimum accepted protocol
// version.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13},
			},
		},
	}
}

// NewWithHTTPClient creates a sync client over a caller-supplied HTTP
// client, used by tests and platform-specific transports.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// Exchange posts one envelope to /v1/sync and decodes the mirrored
// response.
func (c *Client) Exchange(ctx context.Context, env *types.SyncEnvelope) (*types.SyncEnvelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out types.SyncEnvelope
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("malformed sync response: %w", err)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
