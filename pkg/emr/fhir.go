package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/types"
)

// ErrEMRTimeout is returned when an EMR call exceeds its deadline
var ErrEMRTimeout = types.NewError(types.KindEMRTimeout, "emr request deadline exceeded")

// DefaultRequestTimeout bounds one EMR call
const DefaultRequestTimeout = 30 * time.Second

type ctxKey struct{}

// WithCorrelationID attaches a correlation id to the context; it is
// propagated into every outbound EMR request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the context's correlation id, generating one
// when absent.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Resource is one fetched FHIR resource with its raw body preserved for
// checksumming.
type Resource struct {
	Type    string
	ID      string
	Version int64
	Raw     []byte
}

// FHIRClient fetches resources from a FHIR R4 REST endpoint behind the
// token manager and the endpoint's circuit breaker.
type FHIRClient struct {
	system   types.EMRSystem
	baseURL  string
	client   *http.Client
	tokens   *TokenManager
	tokenCfg TokenConfig
	breakers *Breakers
	timeout  time.Duration
	tracer   trace.Tracer
}

// NewFHIRClient creates a client for one EMR system's FHIR endpoint
func NewFHIRClient(system types.EMRSystem, baseURL string, client *http.Client, tokens *TokenManager, tokenCfg TokenConfig, breakers *Breakers, timeout time.Duration) *FHIRClient {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &FHIRClient{
		system:   system,
		baseURL:  baseURL,
		client:   client,
		tokens:   tokens,
		tokenCfg: tokenCfg,
		breakers: breakers,
		timeout:  timeout,
		tracer:   otel.Tracer("wardsync/emr"),
	}
}

// GetPatient fetches /Patient/{id}
func (c *FHIRClient) GetPatient(ctx context.Context, id string) (*Resource, error) {
	return c.get(ctx, "Patient", id)
}

// GetTask fetches /Task/{id}
func (c *FHIRClient) GetTask(ctx context.Context, id string) (*Resource, error) {
	return c.get(ctx, "Task", id)
}

func (c *FHIRClient) get(parent context.Context, resourceType, id string) (*Resource, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	// Span attributes are sanitized: resource identifiers never appear.
	ctx, span := c.tracer.Start(ctx, "fhir.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("emr.system", string(c.system)),
		attribute.String("fhir.resource_type", resourceType),
	)

	began := time.Now()
	var res *Resource
	err := retryTransient(ctx, func() error {
		out, err := c.breakers.Execute(c.baseURL, func() (interface{}, error) {
			return c.fetch(ctx, resourceType, id)
		})
		if err != nil {
			return err
		}
		res = out.(*Resource)
		return nil
	})

	metrics.EMRRequestDuration.WithLabelValues(string(c.system), "fhir").Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.EMRRequestsTotal.WithLabelValues(string(c.system), "fhir", "error").Inc()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s/%s: %w", c.system, resourceType, ErrEMRTimeout)
		}
		return nil, err
	}
	metrics.EMRRequestsTotal.WithLabelValues(string(c.system), "fhir", "ok").Inc()
	return res, nil
}

func (c *FHIRClient) fetch(ctx context.Context, resourceType, id string) (*Resource, error) {
	tok, err := c.tokens.GetToken(ctx, c.tokenCfg, false)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("X-Correlation-ID", CorrelationID(ctx))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Drop the cached token so the next attempt re-acquires.
		c.tokens.Clear(c.tokenCfg)
		return nil, &httpStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode}
	}

	return parseResource(body, resourceType)
}

func parseResource(body []byte, wantType string) (*Resource, error) {
	var envelope struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Meta         struct {
			VersionID string `json:"versionId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.NewError(types.KindInvalidResponse, "malformed FHIR resource"))
	}
	if envelope.ResourceType != wantType {
		return nil, fmt.Errorf("got %s, want %s: %w", envelope.ResourceType, wantType,
			types.NewError(types.KindInvalidResponse, "resource type mismatch"))
	}

	version, _ := strconv.ParseInt(envelope.Meta.VersionID, 10, 64)
	return &Resource{
		Type:    envelope.ResourceType,
		ID:      envelope.ID,
		Version: version,
		Raw:     body,
	}, nil
}
