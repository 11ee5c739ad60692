// Package facilitator defines the settlement contract between the payment
// gate and an x402 facilitator.
//
// A facilitator executes a validated transfer authorization on-chain and
// reports the transaction. The gate validates authorizations locally, so only
// settlement is delegated.
package facilitator

import (
	"context"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
)

// Settler settles a validated authorization.
type Settler interface {
	// Settle relays auth to the facilitator and waits for a terminal outcome.
	// On success it returns a record in the settled state. Failures wrap
	// paygate.ErrSettlementFailed, paygate.ErrFacilitatorUnavailable or
	// paygate.ErrSettlementTimeout.
	Settle(ctx context.Context, auth paygate.PaymentAuthorization, req paygate.PaymentRequirement) (*paygate.SettlementRecord, error)
}

// Interface is a Settler that can also report what it supports.
type Interface interface {
	Settler

	// Supported queries the facilitator for supported payment kinds.
	Supported(ctx context.Context) (*paygate.SupportedResponse, error)
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version (1).
	X402Version int `json:"x402Version"`

	// PaymentPayload is the client's decoded X-PAYMENT envelope.
	PaymentPayload encoding.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements is the requirement the payment was validated against.
	PaymentRequirements paygate.PaymentRequirement `json:"paymentRequirements"`
}

// Settlement status values reported by a facilitator.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// SettleResult is the facilitator's answer to POST /settle and
// GET /settle/{transaction}. A facilitator that settles synchronously
// omits Status; one that settles asynchronously reports "pending" with the
// submitted transaction until the transfer is final.
type SettleResult struct {
	paygate.SettleResponse

	// Status is "pending", "settled" or "failed".
	Status string `json:"status,omitempty"`
}

// Pending reports whether the settlement has not reached a terminal state.
func (r SettleResult) Pending() bool {
	return r.Status == StatusPending
}
