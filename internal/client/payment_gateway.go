package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geotask/api/internal/config"
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/metrics"
	"github.com/geotask/api/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// PaymentGateway is the external service that holds and moves escrowed funds.
// Both calls are keyed by job id so the gateway can deduplicate retries.
type PaymentGateway interface {
	Fund(ctx context.Context, req *FundRequest) (*FundResponse, error)
	Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error)
}

// FundRequest reserves the job amount from the business account
type FundRequest struct {
	BusinessAccount string          `json:"business_account"`
	WorkerAccount   string          `json:"worker_account"`
	JobID           string          `json:"job_id"`
	Amount          decimal.Decimal `json:"amount"`
	Geofence        model.Zone      `json:"geofence"`
}

type FundResponse struct {
	Reference string `json:"reference"`
	Funded    bool   `json:"funded"`
	Simulated bool   `json:"simulated,omitempty"`
}

// ReleaseRequest pays the escrowed amount out to the worker
type ReleaseRequest struct {
	WorkerAccount  string          `json:"worker_account"`
	JobID          string          `json:"job_id"`
	Amount         decimal.Decimal `json:"amount"`
	WorkerLocation *geofence.Point `json:"worker_location,omitempty"`
}

type ReleaseResponse struct {
	Reference string `json:"reference"`
	Released  bool   `json:"released"`
	Simulated bool   `json:"simulated,omitempty"`
}

// ErrGatewayUnavailable is returned while the circuit breaker is open
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// GatewayClient implements PaymentGateway over HTTP
type GatewayClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
}

// NewGatewayClient creates a new payment gateway client
func NewGatewayClient(cfg *config.PaymentConfig) *GatewayClient {
	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 5
	}

	return &GatewayClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		baseURL: cfg.GatewayURL,
		apiKey:  cfg.APIKey,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payment-gateway",
			MaxRequests: 1,
			Timeout:     time.Duration(cfg.BreakerTimeoutSeconds) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("payment gateway circuit breaker changed state")
			},
		}),
	}
}

// Fund asks the gateway to hold the job amount in escrow
func (c *GatewayClient) Fund(ctx context.Context, req *FundRequest) (*FundResponse, error) {
	var result FundResponse
	if err := c.call(ctx, "fund", "/escrows", req.JobID+":fund", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Release asks the gateway to pay the escrowed amount to the worker
func (c *GatewayClient) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	var result ReleaseResponse
	endpoint := fmt.Sprintf("/escrows/%s/release", req.JobID)
	if err := c.call(ctx, "release", endpoint, req.JobID+":release", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GatewayClient) call(ctx context.Context, op, endpoint, idempotencyKey string, body, result interface{}) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, endpoint, idempotencyKey, body, result)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}

// post sends a POST request with JSON body and parses the response
func (c *GatewayClient) post(ctx context.Context, endpoint, idempotencyKey string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment gateway error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GatewayClient) IsConfigured() bool {
	return c.baseURL != ""
}

// SimulatedGateway always succeeds and marks its references as simulated.
// Used when no gateway URL is configured and as a test double.
type SimulatedGateway struct{}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

func (g *SimulatedGateway) Fund(ctx context.Context, req *FundRequest) (*FundResponse, error) {
	return &FundResponse{Reference: "sim_" + uuid.New().String(), Funded: true, Simulated: true}, nil
}

func (g *SimulatedGateway) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	return &ReleaseResponse{Reference: "sim_" + uuid.New().String(), Released: true, Simulated: true}, nil
}
