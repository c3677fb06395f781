package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harborpanel/bursar/pkg/clients"
	"github.com/harborpanel/bursar/pkg/logging"
)

// Client talks to the identity service that owns user accounts. The
// orphan cleanup uses it to decide whether a wallet still has a living
// owner.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the identity client
type Config struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new identity API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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

// UserExists reports whether the identity service still knows the user.
// Only an authoritative 404 counts as "gone"; transport errors and 5xx
// responses return an error so the caller never mistakes an outage for
// a deleted account.
func (c *Client) UserExists(ctx context.Context, userID string) (bool, error) {
	endpoint := fmt.Sprintf("/api/users/%s", url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return false, fmt.Errorf("failed to call identity service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
}

// webhook signature tolerance
const signatureMaxAge = 5 * time.Minute

// VerifyWebhookSignature checks the HMAC signature on an identity
// webhook. The header carries "t=<unix>,v1=<hex hmac>"; the signed
// payload is "<unix>.<body>". Stale timestamps are rejected to limit
// replay.
func VerifyWebhookSignature(payload []byte, header, secret string) error {
	var ts string
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp")
	}
	age := time.Since(time.Unix(unix, 0))
	if age > signatureMaxAge || age < -signatureMaxAge {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
