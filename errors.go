package paygate

import "errors"

// Sentinel errors for x402 payment gating.
var (
	// ErrUnknownResource indicates the resource has no registered payment requirement.
	ErrUnknownResource = errors.New("x402: unknown resource")

	// ErrInvalidRequirements indicates a payment requirement failed validation.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrMalformedPayment indicates the X-PAYMENT header could not be decoded.
	ErrMalformedPayment = errors.New("x402: malformed payment header")

	// ErrAssetMismatch indicates the authorization does not target the required scheme, network or recipient.
	ErrAssetMismatch = errors.New("x402: authorization does not match requirement")

	// ErrExpired indicates the authorization's validBefore has passed.
	ErrExpired = errors.New("x402: authorization expired")

	// ErrNotYetValid indicates the authorization's validAfter is in the future.
	ErrNotYetValid = errors.New("x402: authorization not yet valid")

	// ErrWindowTooWide indicates the validity window exceeds maxTimeoutSeconds.
	ErrWindowTooWide = errors.New("x402: authorization window too wide")

	// ErrInsufficientAmount indicates the authorized value does not satisfy the price.
	ErrInsufficientAmount = errors.New("x402: insufficient amount")

	// ErrInvalidSignature indicates the signature does not recover to the signer.
	ErrInvalidSignature = errors.New("x402: invalid signature")

	// ErrAlreadyUsed indicates the nonce has already been reserved.
	ErrAlreadyUsed = errors.New("x402: nonce already used")

	// ErrSettlementFailed indicates payment settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSettlementTimeout indicates settlement did not reach a terminal state in time.
	ErrSettlementTimeout = errors.New("x402: payment settlement timed out")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrReplayUnavailable indicates the replay store could not be reached.
	ErrReplayUnavailable = errors.New("x402: replay store unavailable")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrAmountExceeded indicates a price above the signer's spending limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds limit")

	// ErrNoValidSigner indicates no configured signer can pay any offered requirement.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy the payment requirements")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")
)

// Reason is the machine-readable rejection code returned to clients.
type Reason string

const (
	ReasonPaymentRequired    Reason = "payment_required"
	ReasonUnknownResource    Reason = "unknown_resource"
	ReasonMalformedPayment   Reason = "malformed_payment"
	ReasonAssetMismatch      Reason = "asset_mismatch"
	ReasonExpired            Reason = "expired"
	ReasonNotYetValid        Reason = "not_yet_valid"
	ReasonWindowTooWide      Reason = "window_too_wide"
	ReasonInsufficientAmount Reason = "insufficient_amount"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonAlreadyUsed        Reason = "already_used"
	ReasonSettlementFailed   Reason = "settlement_failed"
	ReasonSettlementTimeout  Reason = "settlement_timeout"
	ReasonReplayUnavailable  Reason = "replay_unavailable"
)

// reasonBySentinel maps sentinel errors to their wire reason.
var reasonBySentinel = []struct {
	err    error
	reason Reason
}{
	{ErrUnknownResource, ReasonUnknownResource},
	{ErrMalformedPayment, ReasonMalformedPayment},
	{ErrAssetMismatch, ReasonAssetMismatch},
	{ErrExpired, ReasonExpired},
	{ErrNotYetValid, ReasonNotYetValid},
	{ErrWindowTooWide, ReasonWindowTooWide},
	{ErrInsufficientAmount, ReasonInsufficientAmount},
	{ErrInvalidSignature, ReasonInvalidSignature},
	{ErrAlreadyUsed, ReasonAlreadyUsed},
	{ErrSettlementTimeout, ReasonSettlementTimeout},
	{ErrSettlementFailed, ReasonSettlementFailed},
	{ErrFacilitatorUnavailable, ReasonSettlementFailed},
	{ErrReplayUnavailable, ReasonReplayUnavailable},
}

// PaymentError provides structured error information.
type PaymentError struct {
	// Reason is the error code for programmatic handling.
	Reason Reason

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given reason and message.
func NewPaymentError(reason Reason, message string, err error) *PaymentError {
	return &PaymentError{
		Reason:  reason,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ReasonOf extracts the rejection reason from err.
// A *PaymentError in the chain wins; otherwise known sentinels are mapped.
// Returns the empty Reason for nil or unrecognized errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	for _, m := range reasonBySentinel {
		if errors.Is(err, m.err) {
			return m.reason
		}
	}
	return ""
}
