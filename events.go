package paygate

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment header was received and passed validation.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment settled.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment was rejected or failed to settle.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event emitted by the gate.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates the event with logs and facilitator calls.
	RequestID string `json:"requestId"`

	// Resource is the gated resource identifier.
	Resource string `json:"resource"`

	// Amount is the authorized amount in atomic units.
	Amount string `json:"amount,omitempty"`

	// Asset is the token address.
	Asset string `json:"asset,omitempty"`

	// Network is the network identifier.
	Network string `json:"network,omitempty"`

	// Scheme is the payment scheme (e.g., "exact").
	Scheme string `json:"scheme,omitempty"`

	// Recipient is the payment recipient address.
	Recipient string `json:"recipient,omitempty"`

	// Payer is the authorizing address.
	Payer string `json:"payer,omitempty"`

	// Nonce is the authorization nonce.
	Nonce string `json:"nonce,omitempty"`

	// Transaction is the blockchain transaction hash (available on success).
	Transaction string `json:"transaction,omitempty"`

	// Reason is the rejection code (available on failure).
	Reason Reason `json:"reason,omitempty"`

	// Error contains error details (available on failure).
	Error error `json:"-"`

	// Duration is the time spent in the gate for this request.
	Duration time.Duration `json:"duration"`
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously on the request path, so they
// should be fast. For longer operations, hand off to a goroutine.
type PaymentCallback func(PaymentEvent)
