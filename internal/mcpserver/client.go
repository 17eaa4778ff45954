package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/circuitbreaker"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	APIKey         string // API key, e.g. "sk_..."
	AccountAddress string // Caller's wallet address, e.g. "0x..."
}

// breakerKey groups all platform API calls behind one circuit. The MCP
// process talks to a single upstream, so one key is enough.
const breakerKey = "platform-api"

// MarketClient is a pure HTTP client for the marketplace API.
type MarketClient struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewMarketClient creates a new client for the marketplace API. Repeated
// upstream failures trip a circuit so the LLM gets an immediate error
// instead of a 30-second timeout per tool call.
func NewMarketClient(cfg Config) *MarketClient {
	return &MarketClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *MarketClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("platform API is unavailable (circuit open), retry shortly")
	}

	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Only infrastructure failures trip the circuit; 4xx responses are the
	// caller's problem and the platform is still healthy.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(breakerKey)
	} else {
		c.breaker.RecordSuccess(breakerKey)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches a single escrow by ID.
func (c *MarketClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id, nil, nil)
}

// ListEscrows lists escrows the account participates in.
func (c *MarketClient) ListEscrows(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("party", c.cfg.AccountAddress)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows", q, nil)
}

// CreateEscrow opens a pending escrow against a provider.
func (c *MarketClient) CreateEscrow(ctx context.Context, provider, amount string, usageLimit int64, duration string) (json.RawMessage, error) {
	body := map[string]any{
		"provider":   provider,
		"amount":     amount,
		"usageLimit": usageLimit,
	}
	if duration != "" {
		body["duration"] = duration
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// FundEscrow locks the consumer's USDC into custody.
func (c *MarketClient) FundEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/fund", nil, nil)
}

// AttestUsage reports metered usage for one side of an escrow.
func (c *MarketClient) AttestUsage(ctx context.Context, id string, usage int64) (json.RawMessage, error) {
	body := map[string]any{"usage": usage}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/attest", nil, body)
}

// PreviewDistribution computes the settlement split at a hypothetical usage.
func (c *MarketClient) PreviewDistribution(ctx context.Context, id string, usage int64) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("usage", strconv.FormatInt(usage, 10))
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id+"/distribution", q, nil)
}

// ProviderBalance returns a provider's withdrawable earnings.
func (c *MarketClient) ProviderBalance(ctx context.Context, address string) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.AccountAddress
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/providers/"+address+"/balance", nil, nil)
}

// ListOffers searches the provider offer directory.
func (c *MarketClient) ListOffers(ctx context.Context, search, provider string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if search != "" {
		q.Set("q", search)
	}
	if provider != "" {
		q.Set("provider", provider)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/offers", q, nil)
}

// PlatformInfo returns chain, custody, and fee details.
func (c *MarketClient) PlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}
