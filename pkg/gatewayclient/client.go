/**
 * @description
 * This package provides a client for the third-party payment gateway. The escrow
 * service only ever asks one question of the gateway: did the payment behind this
 * reference actually succeed, and for how much.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Retries transient gateway failures.
 * - context, encoding/json, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrEmptyReference is returned when Verify is called without a reference.
var ErrEmptyReference = errors.New("payment reference is required")

const defaultMaxRetries = 2

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// MaxRetries bounds retries of transport errors and 5xx answers.
	MaxRetries int
}

// NewClient creates a new gateway API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxRetries: defaultMaxRetries,
	}
}

// VerifyResult is the narrow outcome the escrow service needs from the gateway.
type VerifyResult struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount"` // in kobo
	Status  string `json:"status"`
}

// verifyResponse mirrors the gateway's `GET /transaction/verify/{reference}` body.
type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unknown gateway api error (status %d)", e.StatusCode)
}

func (e *ErrorResponse) transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Verify looks up a payment reference. Success is true only when the gateway
// answers 2xx and reports the charge as "success".
func (c *Client) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrEmptyReference
	}

	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	var result *VerifyResult
	operation := func() error {
		var err error
		result, err = c.verifyOnce(ctx, reference)
		if err == nil {
			return nil
		}
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && !apiErr.transient() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("level=warn component=gateway_client op=verify reference=%s msg=\"retrying verify\" wait=%s err=%v", reference, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) verifyOnce(ctx context.Context, reference string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute verify request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=verify reference=%s status=%d msg=\"non-2xx response (unparsable error body)\"", reference, resp.StatusCode)
		} else {
			log.Printf("level=warn component=gateway_client op=verify reference=%s status=%d detail=%q", reference, resp.StatusCode, errResp.Message)
		}
		return nil, errResp
	}

	var decoded verifyResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	status := strings.ToLower(strings.TrimSpace(decoded.Data.Status))
	return &VerifyResult{
		Success: decoded.Status && status == "success",
		Amount:  decoded.Data.Amount,
		Status:  status,
	}, nil
}
