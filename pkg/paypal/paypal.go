// Package paypal is a thin client for a hosted checkout-link service. The
// demo gateway falls back to locally minted sandbox links when no client is
// configured.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	URL     string        `split_words:"true" required:"true"`
	Token   string        `split_words:"true" required:"true"`
	Timeout time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("paypal url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// CheckoutLink is a hosted payment link.
type CheckoutLink struct {
	PaymentID  string  `json:"payment_id"`
	PaymentURL string  `json:"payment_url"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

type createLinkRequest struct {
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	Description    string  `json:"description,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// CreateCheckoutLink requests a hosted checkout link. The idempotency key
// makes retried requests return the original link instead of a new one.
func (c *Client) CreateCheckoutLink(ctx context.Context, amount float64, currency, description, idempotencyKey string) (*CheckoutLink, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid checkout amount %.2f", amount)
	}
	if currency == "" {
		currency = "USD"
	}

	body, err := json.Marshal(createLinkRequest{
		Amount:         amount,
		Currency:       currency,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout-links", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute checkout request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read checkout response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("checkout http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var link CheckoutLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("decode checkout response: %w", err)
	}
	if link.PaymentURL == "" {
		return nil, errors.New("checkout response missing payment url")
	}
	return &link, nil
}
