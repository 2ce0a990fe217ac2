// Package orderapi is the HTTP client of the order-execution (trading) API that accepts
// signed UniswapX orders.
package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/cenkalti/backoff/v5"

	"github.com/uniswap/walletcore"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	orderPath         = "/v1/order"
)

// APIError is a non-2xx answer of the API.
type APIError struct {
	StatusCode int
	Code       string `json:"errorCode"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("order api: %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("order api: status %d", e.StatusCode)
}

// Retryable reports whether the request may succeed when sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint
	// RetryInterval is the first backoff interval. Later ones grow exponentially.
	RetryInterval time.Duration
}

// Client implements walletcore.OrderExecutionAPI.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	maxRetries    uint
	retryInterval time.Duration
}

// New creates a client. Zero config values fall back to the defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		http:          &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
	}
}

// SubmitOrder posts a signed order. Transport errors, 429 and 5xx answers are retried with
// exponential backoff; other answers fail at once.
func (c *Client) SubmitOrder(ctx context.Context, order walletcore.OrderSubmission) (walletcore.OrderSubmissionResult, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return walletcore.OrderSubmissionResult{}, fmt.Errorf("encode order: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = c.retryInterval * 10

	notify := func(err error, d time.Duration) {
		logger.WithFields(logger.Fields{
			"chain_id": order.ChainID,
			"backoff":  d.String(),
			"error":    err,
		}).Warn("retrying order submission")
	}

	operation := func() (walletcore.OrderSubmissionResult, error) {
		return c.post(ctx, body)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(notify))
	if err != nil {
		return walletcore.OrderSubmissionResult{}, fmt.Errorf("couldn't submit order: %w", err)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (walletcore.OrderSubmissionResult, error) {
	var result walletcore.OrderSubmissionResult

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+orderPath, bytes.NewReader(body))
	if err != nil {
		return result, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return result, backoff.Permanent(ctx.Err())
		}
		return result, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return result, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(payload, apiErr)
		if apiErr.Retryable() {
			return result, apiErr
		}
		return result, backoff.Permanent(apiErr)
	}

	if err := json.Unmarshal(payload, &result); err != nil {
		return result, backoff.Permanent(fmt.Errorf("decode order response: %w", err))
	}
	if result.OrderHash == "" {
		return result, backoff.Permanent(errors.New("order response has no hash"))
	}
	return result, nil
}
