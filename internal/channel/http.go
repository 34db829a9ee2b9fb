package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPChannel delivers messages over a provider HTTP API. Every send is
// bounded by the configured timeout and throttled by a shared rate
// limiter so a large batch cannot overrun the provider.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPConfig configures an HTTPChannel.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateRPS   float64
	RateBurst int
}

// NewHTTPChannel creates a channel client for the given provider endpoint.
func NewHTTPChannel(cfg HTTPConfig) *HTTPChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(rps)
	}
	return &HTTPChannel{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type sendRequest struct {
	TenantID  string `json:"tenant_id"`
	ContactID string `json:"contact_id"`
	Content   string `json:"content"`
}

type sendResponse struct {
	ExternalMessageID string `json:"external_message_id"`
	Error             struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send implements Channel. A request timeout surfaces as a transient
// error; 4xx responses other than 429 are permanent.
func (c *HTTPChannel) Send(ctx context.Context, tenantID, contactID, content string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendRequest{TenantID: tenantID, ContactID: contactID, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return "", &Error{Code: "unreachable", Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Code: "read_response", Message: err.Error()}
	}

	var out sendResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", &Error{Code: "bad_response", Message: err.Error()}
		}
		if out.ExternalMessageID == "" {
			return "", &Error{Code: "bad_response", Message: "response missing external_message_id"}
		}
		return out.ExternalMessageID, nil
	}

	msg := string(data)
	if json.Unmarshal(data, &out) == nil && out.Error.Message != "" {
		msg = out.Error.Message
	}
	ce := &Error{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: msg}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		ce.Permanent = true
	}
	if out.Error.Code != "" {
		ce.Code = out.Error.Code
	}
	return "", ce
}
