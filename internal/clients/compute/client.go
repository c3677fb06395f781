package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harborpanel/bursar/pkg/clients"
	"github.com/harborpanel/bursar/pkg/logging"
)

// Client talks to the provisioning service that owns the actual server
// fleet. Billing treats it as the source of truth for which servers
// exist and what their plans cost.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the compute client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new compute API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   &http.Client{Timeout: config.Timeout},
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
	}
}

// Server is a provisioned machine as the compute service reports it.
type Server struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	PlanID    string    `json:"plan_id"`
	Hostname  string    `json:"hostname"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a billable server plan.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	MonthlyPriceCents int64  `json:"monthly_price_cents"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call compute service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func apiError(body []byte, status int) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("compute service returned %d: %s", status, errResp.Error)
	}
	return fmt.Errorf("compute service returned %d: %s", status, string(body))
}

// ListServers returns the owner's servers as the compute service sees
// them.
func (c *Client) ListServers(ctx context.Context, ownerID string) ([]Server, error) {
	endpoint := fmt.Sprintf("/api/owners/%s/servers", url.PathEscape(ownerID))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(body, status)
	}

	var servers []Server
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("failed to parse server list: %w", err)
	}
	return servers, nil
}

// GetPlan fetches a plan's pricing.
func (c *Client) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	endpoint := fmt.Sprintf("/api/plans/%s", url.PathEscape(planID))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(body, status)
	}

	var plan Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &plan, nil
}

// DeleteServer asks the compute service to destroy a server. Deleting a
// server that is already gone is treated as success so the cancellation
// processor stays idempotent.
func (c *Client) DeleteServer(ctx context.Context, serverID string) error {
	endpoint := fmt.Sprintf("/api/servers/%s", url.PathEscape(serverID))
	body, status, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return apiError(body, status)
	}
}

// CancelPendingOrders drops any unfulfilled provisioning orders for the
// owner. Part of the orphan unwind.
func (c *Client) CancelPendingOrders(ctx context.Context, ownerID string) error {
	endpoint := fmt.Sprintf("/api/owners/%s/orders/cancel", url.PathEscape(ownerID))
	body, status, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return apiError(body, status)
	}
}
