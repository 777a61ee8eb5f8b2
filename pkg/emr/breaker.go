package emr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/types"
)

// ErrCircuitOpen is returned when an endpoint's breaker is open. The
// call is short-circuited; no network I/O happens.
var ErrCircuitOpen = types.NewError(types.KindCircuitOpen, "circuit open")

// Breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second

	retryAttempts    = 3
	retryBackoffBase = 100 * time.Millisecond
	retryBackoffCap  = 5 * time.Second
)

var breakerGauge = map[gobreaker.State]float64{
	gobreaker.StateClosed:   0,
	gobreaker.StateHalfOpen: 1,
	gobreaker.StateOpen:     2,
}

// Breakers isolates failing EMR endpoints, one circuit per endpoint.
// Closed circuits pass calls through; an endpoint that fails the
// threshold consecutively opens and short-circuits until the reset
// timeout, after which a single probe is allowed.
type Breakers struct {
	failureThreshold uint32
	resetTimeout     time.Duration
	broker           *events.Broker

	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates a breaker registry. Zero values fall back to the
// defaults.
func NewBreakers(failureThreshold int, resetTimeout time.Duration, broker *events.Broker) *Breakers {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Breakers{
		failureThreshold: uint32(failureThreshold),
		resetTimeout:     resetTimeout,
		broker:           broker,
		circuits:         map[string]*gobreaker.CircuitBreaker{},
	}
}

// Execute runs fn behind the endpoint's circuit. Open circuits return
// ErrCircuitOpen without invoking fn.
func (b *Breakers) Execute(endpoint string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.circuit(endpoint).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", endpoint, ErrCircuitOpen)
	}
	return out, err
}

// State reports the circuit state for an endpoint
func (b *Breakers) State(endpoint string) gobreaker.State {
	return b.circuit(endpoint).State()
}

func (b *Breakers) circuit(endpoint string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.circuits[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // one half-open probe
		Timeout:     b.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.failureThreshold
		},
		OnStateChange: b.onStateChange,
	})
	b.circuits[endpoint] = cb
	return cb
}

func (b *Breakers) onStateChange(name string, from, to gobreaker.State) {
	metrics.CircuitState.WithLabelValues(name).Set(breakerGauge[to])
	logger := log.WithComponent("breaker")
	logger.Warn().
		Str("endpoint", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit state changed")
	if b.broker != nil {
		b.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventCircuitStateChange,
			Message: fmt.Sprintf("%s: %s -> %s", name, from, to),
		})
	}
}

// httpStatusError marks an HTTP response status as an error so the
// retry policy can distinguish retryable statuses from terminal ones.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// retryTransient runs fn with exponential backoff on transient
// failures: network errors and HTTP 429/503. Other 4xx and context
// cancellation end the loop immediately.
func retryTransient(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !transient(err) {
			return err
		}
		if attempt < retryAttempts {
			delay := retryBackoffBase << (attempt - 1)
			if delay > retryBackoffCap {
				delay = retryBackoffCap
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%v: %w", lastErr, ErrRetriesExhausted)
}

func transient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == 429 || statusErr.status == 503
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
