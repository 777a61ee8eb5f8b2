package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/types"
)

// Token errors
var (
	// ErrTokenRequest is returned when the token endpoint rejects or
	// fails a request.
	ErrTokenRequest = types.NewError(types.KindTokenRequestFailed, "token request failed")

	// ErrInvalidTokenResponse is returned when the endpoint answers
	// without an access token.
	ErrInvalidTokenResponse = types.NewError(types.KindInvalidResponse, "token response missing access_token")

	// ErrRetriesExhausted is returned after the acquisition retry
	// budget is spent.
	ErrRetriesExhausted = types.NewError(types.KindRetriesExhausted, "token retries exhausted")
)

// GrantType selects the OAuth2 flow
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"

	// GrantSMART is client credentials with the SMART-on-FHIR audience
	// parameter carrying the FHIR base URL.
	GrantSMART GrantType = "smart_on_fhir"
)

// Token acquisition defaults
const (
	DefaultRefreshMargin = 300 * time.Second
	tokenAttempts        = 3
	tokenBackoffBase     = time.Second
)

// TokenConfig identifies one token acquisition target. Endpoint, client
// id, scope, audience and resource together form the cache key.
type TokenConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Scope        string
	Audience     string
	Resource     string
	GrantType    GrantType

	// Authorization-code flow inputs
	Code        string
	RedirectURI string

	// Refresh-token flow input
	RefreshToken string
}

func (c *TokenConfig) cacheKey() string {
	return strings.Join([]string{c.Endpoint, c.ClientID, c.Scope, c.Audience, c.Resource}, "\x1f")
}

// TokenManager acquires, caches and refreshes OAuth2 bearer tokens for
// the EMR adapters. Concurrent callers for the same key share one
// in-flight acquisition, so a reconnect burst produces a single request
// against the token endpoint.
type TokenManager struct {
	client *http.Client
	margin time.Duration

	mu    sync.Mutex
	cache map[string]*oauth2.Token
	group singleflight.Group

	// injected for tests
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewTokenManager creates a token manager. margin falls back to the
// default early-refresh window when zero; client falls back to
// http.DefaultClient.
func NewTokenManager(client *http.Client, margin time.Duration) *TokenManager {
	if client == nil {
		client = http.DefaultClient
	}
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &TokenManager{
		client: client,
		margin: margin,
		cache:  map[string]*oauth2.Token{},
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// GetToken returns a non-expired access token, acquiring one if the
// cache is empty or inside the refresh margin. forceRefresh bypasses
// the cache.
func (m *TokenManager) GetToken(ctx context.Context, cfg TokenConfig, forceRefresh bool) (*oauth2.Token, error) {
	key := cfg.cacheKey()

	if !forceRefresh {
		if tok := m.cached(key); tok != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("cache_hit").Inc()
			return tok, nil
		}
	}

	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while we queued.
		if !forceRefresh {
			if tok := m.cached(key); tok != nil {
				return tok, nil
			}
		}
		tok, err := m.acquire(ctx, cfg)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
			return nil, err
		}
		metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
		m.mu.Lock()
		m.cache[key] = tok
		m.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.TokenRefreshesTotal.WithLabelValues("coalesced").Inc()
	}
	return v.(*oauth2.Token), nil
}

// Refresh exchanges a refresh token for a fresh access token and caches
// the result under the config's key.
func (m *TokenManager) Refresh(ctx context.Context, cfg TokenConfig, refreshToken string) (*oauth2.Token, error) {
	cfg.GrantType = GrantRefreshToken
	cfg.RefreshToken = refreshToken
	return m.GetToken(ctx, cfg, true)
}

// Clear drops the cached token for one config
func (m *TokenManager) Clear(cfg TokenConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, cfg.cacheKey())
}

// ClearAll drops every cached token
func (m *TokenManager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = map[string]*oauth2.Token{}
}

func (m *TokenManager) cached(key string) *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.cache[key]
	if tok == nil {
		return nil
	}
	if !tok.Expiry.IsZero() && m.now().Add(m.margin).After(tok.Expiry) {
		return nil
	}
	return tok
}

// acquire performs the outbound token request with bounded retries.
func (m *TokenManager) acquire(ctx context.Context, cfg TokenConfig) (*oauth2.Token, error) {
	logger := log.WithComponent("token")

	var lastErr error
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		tok, err := m.request(ctx, cfg)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if types.KindOf(err) == types.KindInvalidResponse || ctx.Err() != nil {
			return nil, err
		}
		if attempt < tokenAttempts {
			delay := tokenBackoffBase << (attempt - 1)
			logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("token acquisition failed")
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%v: %w", lastErr, ErrRetriesExhausted)
}

func (m *TokenManager) request(ctx context.Context, cfg TokenConfig) (*oauth2.Token, error) {
	form := url.Values{}
	switch cfg.GrantType {
	case GrantAuthorizationCode:
		form.Set("grant_type", "authorization_code")
		form.Set("code", cfg.Code)
		form.Set("redirect_uri", cfg.RedirectURI)
	case GrantRefreshToken:
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cfg.RefreshToken)
	case GrantSMART:
		form.Set("grant_type", "client_credentials")
		form.Set("aud", cfg.Audience)
	default:
		form.Set("grant_type", "client_credentials")
	}
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}
	if cfg.Resource != "" {
		form.Set("resource", cfg.Resource)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrTokenRequest)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrTokenRequest)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrTokenRequest)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrTokenRequest)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidTokenResponse)
	}
	if payload.AccessToken == "" {
		return nil, ErrInvalidTokenResponse
	}

	tok := &oauth2.Token{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		tok.Expiry = m.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
