package gateway

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

	"github.com/golang-jwt/jwt/v4"

	domain "github.com/paylane/checkout/internal/domain"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultTokenLifetime  = 2 * time.Minute
	maxResponseBody       = 1 << 20
)

// HTTPClientConfig carries the merchant credentials and endpoint for the
// gateway API.
type HTTPClientConfig struct {
	BaseURL        string
	MerchantID     string
	SigningSecret  string
	RequestTimeout time.Duration
}

// HTTPClient implements Client over the gateway's JSON merchant API.
// Every request carries a short-lived HS256 token derived from the
// merchant signing secret.
type HTTPClient struct {
	baseURL       string
	merchantID    string
	signingSecret []byte
	httpClient    *http.Client
	now           func() time.Time
}

// NewHTTPClient validates the configuration and builds the client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, errors.New("gateway: merchant id is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("gateway: signing secret is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		baseURL:       baseURL,
		merchantID:    strings.TrimSpace(cfg.MerchantID),
		signingSecret: []byte(cfg.SigningSecret),
		httpClient:    &http.Client{Timeout: timeout},
		now:           time.Now,
	}, nil
}

// SubmitOrder posts the cart payload to the orders endpoint.
func (c *HTTPClient) SubmitOrder(ctx context.Context, payload domain.CartPayload) (OrderToken, error) {
	var token OrderToken
	if err := c.do(ctx, http.MethodPost, "/v1/merchant/orders", map[string]any{"cart": payload}, &token); err != nil {
		return OrderToken{}, err
	}
	if strings.TrimSpace(token.Token) == "" {
		return OrderToken{}, fmt.Errorf("%w: order token missing", ErrMalformedResponse)
	}
	return token, nil
}

// CompleteAuthorize confirms the created order against the authorization.
func (c *HTTPClient) CompleteAuthorize(ctx context.Context, reference string, displayID string, grandTotal int64) error {
	body := map[string]any{
		"reference":    reference,
		"display_id":   displayID,
		"total_amount": grandTotal,
	}
	return c.do(ctx, http.MethodPost, "/v1/merchant/transactions/complete_authorize", body, nil)
}

// Capture settles an amount against an authorized transaction.
func (c *HTTPClient) Capture(ctx context.Context, transactionID string, amount int64) (TransactionResult, error) {
	var result TransactionResult
	body := map[string]any{"transaction_id": transactionID, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/merchant/transactions/capture", body, &result); err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

// Credit refunds an amount against a captured transaction.
func (c *HTTPClient) Credit(ctx context.Context, transactionID string, amount int64) (CreditResult, error) {
	var result CreditResult
	body := map[string]any{"transaction_id": transactionID, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/merchant/transactions/credit", body, &result); err != nil {
		return CreditResult{}, err
	}
	if strings.TrimSpace(result.TransactionID) == "" || strings.TrimSpace(result.Reference) == "" {
		return CreditResult{}, fmt.Errorf("%w: credit response missing transaction id or reference", ErrMalformedResponse)
	}
	return result, nil
}

// Void cancels an open authorization.
func (c *HTTPClient) Void(ctx context.Context, transactionID string) (TransactionResult, error) {
	var result TransactionResult
	body := map[string]any{"transaction_id": transactionID}
	if err := c.do(ctx, http.MethodPost, "/v1/merchant/transactions/void", body, &result); err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

// Review submits an operator decision for a transaction held for review.
func (c *HTTPClient) Review(ctx context.Context, reference string, decision ReviewDecision) error {
	body := map[string]any{"reference": reference, "decision": string(decision)}
	return c.do(ctx, http.MethodPost, "/v1/merchant/transactions/review", body, nil)
}

// FetchTransaction loads the current transaction record by reference.
func (c *HTTPClient) FetchTransaction(ctx context.Context, reference string) (domain.TransactionRecord, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return domain.TransactionRecord{}, fmt.Errorf("%w: reference is required", ErrRejected)
	}
	var record domain.TransactionRecord
	if err := c.do(ctx, http.MethodGet, "/v1/merchant/transactions/"+ref, nil, &record); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := record.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return record, nil
}

func (c *HTTPClient) do(ctx context.Context, method string, path string, body any, out any) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("%w: client not initialised", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	token, err := c.signToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *HTTPClient) signToken() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.merchantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(defaultTokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingSecret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return token, nil
}

var _ Client = (*HTTPClient)(nil)
