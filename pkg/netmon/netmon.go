package netmon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/sync"
)

// Probe defaults
const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultRetries  = 3

	// Latency thresholds separating good, fair, and poor links
	fairLatency = 100 * time.Millisecond
	poorLatency = 500 * time.Millisecond
)

// Result is the outcome of one connectivity probe
type Result struct {
	Reachable bool
	Latency   time.Duration
	Message   string
	CheckedAt time.Time
}

// Probe tests reachability of the sync backend
type Probe interface {
	Probe(ctx context.Context) Result
}

// TCPProbe dials the backend's sync port. Cheapest signal: it proves
// routability, not that the service answers.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

func NewTCPProbe(address string) *TCPProbe {
	return &TCPProbe{Address: address, Timeout: DefaultTimeout}
}

func (p *TCPProbe) Probe(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return Result{
			Reachable: false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
		}
	}
	conn.Close()
	return Result{Reachable: true, Latency: time.Since(start), CheckedAt: start}
}

// HTTPProbe hits the backend health endpoint. Any 2xx counts; a ward
// captive portal answering 200 for everything is indistinguishable
// here and gets caught by the sync round itself.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: DefaultTimeout},
	}
}

func (p *HTTPProbe) Probe(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{Reachable: false, Message: err.Error(), CheckedAt: start}
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{
			Reachable: false,
			Message:   fmt.Sprintf("health request failed: %v", err),
			CheckedAt: start,
		}
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Reachable: false,
			Message:   fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
			CheckedAt: start,
		}
	}
	return Result{Reachable: true, Latency: time.Since(start), CheckedAt: start}
}

// Options configures a Monitor
type Options struct {
	Interval time.Duration
	Retries  int
}

// Monitor tracks backend reachability for the sync orchestrator. It
// reports unavailable only after consecutive probe failures, so one
// dropped packet on ward wifi does not park the agent offline.
type Monitor struct {
	probe    Probe
	interval time.Duration
	retries  int

	mu          gosync.RWMutex
	available   bool
	failures    int
	lastLatency time.Duration
	lastChecked time.Time
}

// New creates a monitor around the given probe. The monitor starts
// optimistic; the first failed probes flip it.
func New(probe Probe, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	return &Monitor{
		probe:     probe,
		interval:  opts.Interval,
		retries:   opts.Retries,
		available: true,
	}
}

// Run probes on the configured interval until the context is
// cancelled. An immediate first probe seeds the state.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and folds the result into the tracked state
func (m *Monitor) Check(ctx context.Context) Result {
	res := m.probe.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChecked = res.CheckedAt
	if res.Reachable {
		if !m.available {
			logger := log.WithComponent("netmon")
			logger.Info().
				Dur("latency", res.Latency).
				Msg("backend reachable again")
		}
		m.failures = 0
		m.available = true
		m.lastLatency = res.Latency
		return res
	}

	m.failures++
	if m.available && m.failures >= m.retries {
		m.available = false
		logger := log.WithComponent("netmon")
		logger.Warn().
			Int("failures", m.failures).
			Str("reason", res.Message).
			Msg("backend unreachable")
	}
	return res
}

// Available reports whether the backend is currently reachable
func (m *Monitor) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Quality grades the link from the last measured round-trip
func (m *Monitor) Quality() sync.Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.lastLatency >= poorLatency:
		return sync.QualityPoor
	case m.lastLatency >= fairLatency:
		return sync.QualityFair
	default:
		return sync.QualityGood
	}
}

// LastLatency returns the most recent successful probe round-trip
func (m *Monitor) LastLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLatency
}
