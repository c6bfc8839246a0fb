package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/risktier/internal/analysis"
	"github.com/mbd888/risktier/internal/commit"
	"github.com/mbd888/risktier/internal/ratelimit"
)

// Config holds the configuration for connecting to a risktier API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // optional bearer token for a gateway in front of the API
}

// RiskClient is a pure HTTP client for the risktier API.
type RiskClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRiskClient creates a new client. Commits can poll the chain for a
// while, so the timeout is generous.
func NewRiskClient(cfg Config) *RiskClient {
	return &RiskClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a successful body into out.
func (c *RiskClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func addressPath(address, suffix string) string {
	return "/v1/addresses/" + url.PathEscape(address) + suffix
}

// Analyze returns the risk report for address.
func (c *RiskClient) Analyze(ctx context.Context, address string, force bool) (*analysis.Report, error) {
	var q url.Values
	if force {
		q = url.Values{"force": {"true"}}
	}
	var resp struct {
		Analysis *analysis.Report `json:"analysis"`
	}
	if err := c.doRequest(ctx, http.MethodGet, addressPath(address, "/risk"), q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Analysis, nil
}

// Eligibility is the commit cooldown state for one address.
type Eligibility struct {
	Address     string           `json:"address"`
	Eligibility ratelimit.Status `json:"eligibility"`
	Remaining   string           `json:"remaining"`
}

// Eligibility reports whether address may commit now.
func (c *RiskClient) Eligibility(ctx context.Context, address string) (*Eligibility, error) {
	var resp Eligibility
	if err := c.doRequest(ctx, http.MethodGet, addressPath(address, "/commit/eligibility"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit asks the server to sign and submit score for address.
func (c *RiskClient) Commit(ctx context.Context, address string, score int, chosenTier string) (*commit.Result, error) {
	body := map[string]any{"score": score}
	if chosenTier != "" {
		body["chosen_tier"] = chosenTier
	}
	var resp struct {
		Commit *commit.Result `json:"commit"`
	}
	if err := c.doRequest(ctx, http.MethodPost, addressPath(address, "/commit"), nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Commit, nil
}

// ListFallbacks returns commits stored locally for address.
func (c *RiskClient) ListFallbacks(ctx context.Context, address string) ([]commit.Entry, error) {
	var resp struct {
		Fallbacks []commit.Entry `json:"fallbacks"`
	}
	if err := c.doRequest(ctx, http.MethodGet, addressPath(address, "/fallbacks"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fallbacks, nil
}
