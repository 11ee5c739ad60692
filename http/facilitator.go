// Package http provides the net/http payment gate and facilitator client
// for the x402 v1 protocol.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
	"github.com/nacorid/x402-paygate/facilitator"
)

// RequestIDHeader carries the correlation id to the facilitator.
const RequestIDHeader = "X-Request-ID"

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on every facilitator request, including settlement
// status polls, and may be called concurrently.
type AuthorizationProvider func(*http.Request) string

// OnBeforeSettleFunc is a callback invoked before a settle operation.
// Return an error to abort the operation.
type OnBeforeSettleFunc func(context.Context, encoding.PaymentPayload, paygate.PaymentRequirement) error

// OnAfterSettleFunc is a callback invoked after a settle operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterSettleFunc func(context.Context, encoding.PaymentPayload, paygate.PaymentRequirement, *paygate.SettlementRecord, error)

// FacilitatorClient is a client for communicating with x402 facilitator services.
// Settlement is never retried: a failed or timed-out call is reported to the
// gate, which releases the nonce so the client can try again.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://x402.org/facilitator").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bounds settlement as a whole, each HTTP call, and the poll interval.
	Timeouts paygate.TimeoutConfig

	// Authorization is a static Authorization header value (e.g., "Bearer token").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeSettleFunc

	// OnAfterSettle is called after the Settle operation completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

// Verify that FacilitatorClient implements facilitator.Interface.
var _ facilitator.Interface = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a client for baseURL using timeouts.
func NewFacilitatorClient(baseURL string, timeouts paygate.TimeoutConfig) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: timeouts.RequestTimeout},
		Timeouts: timeouts,
	}
}

// httpClient returns the HTTP client to use, defaulting to http.DefaultClient.
func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) timeouts() paygate.TimeoutConfig {
	t := c.Timeouts
	if t.SettleTimeout <= 0 {
		t.SettleTimeout = paygate.DefaultTimeouts.SettleTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = paygate.DefaultTimeouts.PollInterval
	}
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = paygate.DefaultTimeouts.RequestTimeout
	}
	return t
}

// setHeaders sets the Authorization and correlation headers on the request.
func (c *FacilitatorClient) setHeaders(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}

	id := RequestIDFromContext(req.Context())
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, id)
}

// Settle submits auth for settlement and waits for a terminal outcome.
// A pending answer is polled at Timeouts.PollInterval until it settles, fails
// or Timeouts.SettleTimeout elapses.
func (c *FacilitatorClient) Settle(ctx context.Context, auth paygate.PaymentAuthorization, requirement paygate.PaymentRequirement) (*paygate.SettlementRecord, error) {
	payload := encoding.NewPayload(auth)

	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirement); err != nil {
			return nil, err
		}
	}

	record, err := c.settle(ctx, payload, auth, requirement)

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirement, record, err)
	}
	return record, err
}

func (c *FacilitatorClient) settle(ctx context.Context, payload encoding.PaymentPayload, auth paygate.PaymentAuthorization, requirement paygate.PaymentRequirement) (*paygate.SettlementRecord, error) {
	timeouts := c.timeouts()

	data, err := json.Marshal(facilitator.SettleRequest{
		X402Version:         paygate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	settleCtx, cancel := context.WithTimeout(ctx, timeouts.SettleTimeout)
	defer cancel()

	result, err := c.do(settleCtx, http.MethodPost, c.BaseURL+"/settle", data)
	if err != nil {
		return nil, err
	}

	for result.Pending() {
		if result.Transaction == "" {
			return nil, fmt.Errorf("%w: pending settlement without transaction", paygate.ErrSettlementFailed)
		}

		timer := time.NewTimer(timeouts.PollInterval)
		select {
		case <-settleCtx.Done():
			timer.Stop()
			return nil, settleContextError(settleCtx, ctx)
		case <-timer.C:
		}

		result, err = c.do(settleCtx, http.MethodGet, c.BaseURL+"/settle/"+url.PathEscape(result.Transaction), nil)
		if err != nil {
			return nil, err
		}
	}

	if !result.Success || result.Status == facilitator.StatusFailed {
		reason := result.ErrorReason
		if reason == "" {
			reason = "unknown"
		}
		return nil, paygate.NewPaymentError(paygate.ReasonSettlementFailed, "facilitator rejected settlement",
			fmt.Errorf("%w: %s", paygate.ErrSettlementFailed, reason)).
			WithDetails("errorReason", reason)
	}
	if result.Transaction == "" {
		return nil, paygate.NewPaymentError(paygate.ReasonSettlementFailed, "facilitator settled without a transaction",
			paygate.ErrSettlementFailed)
	}

	record := &paygate.SettlementRecord{
		Nonce:       encoding.NonceHex(auth.Nonce),
		State:       paygate.SettlementSettled,
		Transaction: result.Transaction,
		Network:     result.Network,
		Payer:       result.Payer,
	}
	if record.Network == "" {
		record.Network = requirement.Network
	}
	if record.Payer == "" {
		record.Payer = auth.From
	}
	return record, nil
}

// do performs one facilitator call bounded by RequestTimeout.
func (c *FacilitatorClient) do(settleCtx context.Context, method, endpoint string, body []byte) (*facilitator.SettleResult, error) {
	reqCtx, cancel := context.WithTimeout(settleCtx, c.timeouts().RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if settleCtx.Err() != nil && errors.Is(settleCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", paygate.ErrSettlementTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return nil, parseErrorResponse(httpResp, paygate.ErrSettlementFailed)
	}

	var result facilitator.SettleResult
	if err := json.NewDecoder(httpResp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode settle response: %v", paygate.ErrSettlementFailed, err)
	}
	return &result, nil
}

// settleContextError maps the end of the settlement context to an error.
// The deadline set by the client is a timeout; cancellation by the caller is not.
func settleContextError(settleCtx, parent context.Context) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", paygate.ErrSettlementFailed, parent.Err())
	}
	return fmt.Errorf("%w: %v", paygate.ErrSettlementTimeout, settleCtx.Err())
}

// Supported queries the facilitator for supported payment types.
func (c *FacilitatorClient) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeouts().RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp paygate.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// Unsupported returns the requirements whose scheme and network the
// facilitator does not list.
func Unsupported(supported *paygate.SupportedResponse, requirements []paygate.PaymentRequirement) []paygate.PaymentRequirement {
	kinds := make(map[string]bool)
	for _, kind := range supported.Kinds {
		kinds[kind.Scheme+"/"+kind.Network] = true
	}

	var missing []paygate.PaymentRequirement
	for _, req := range requirements {
		if !kinds[req.Scheme+"/"+req.Network] {
			missing = append(missing, req)
		}
	}
	return missing
}

// parseErrorResponse extracts error details from a non-success HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["error"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}
