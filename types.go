// Package paygate implements the resource-server side of the x402 payment
// protocol: a route guard that answers unpaid requests with HTTP 402, checks
// signed EIP-3009 transfer authorizations carried in the X-PAYMENT header,
// and admits the request only after a facilitator has settled the transfer.
//
// The wire format follows x402 version 1 (network names such as
// "base-sepolia", "maxAmountRequired" in requirements).
//
// Import path: github.com/nacorid/x402-paygate
package paygate

import (
	"math/big"
	"time"
)

// Protocol version constant
const X402Version = 1

// Header names used on the wire.
const (
	// PaymentHeader carries the client's signed authorization.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the settlement proof back to the client.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// EIP712Domain holds the token contract's EIP-712 domain name and version.
// Together with the network's chain id and the asset address it forms the
// domain separator that authorizations are signed against.
type EIP712Domain struct {
	// Name is the EIP-712 domain "name" of the token contract (e.g., "USDC").
	Name string `json:"name" yaml:"name"`

	// Version is the EIP-712 domain "version" of the token contract (e.g., "2").
	Version string `json:"version" yaml:"version"`
}

// PaymentRequirement describes what payment satisfies access to one resource.
// Descriptors are immutable once registered; a price change is a new descriptor.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme" yaml:"scheme"`

	// Network is the settlement network identifier (e.g., "base-sepolia").
	Network string `json:"network" yaml:"network"`

	// MaxAmountRequired is the price in atomic token units, as a base-10 integer string.
	MaxAmountRequired string `json:"maxAmountRequired" yaml:"maxAmountRequired"`

	// Resource is the URL or logical identifier of the protected resource.
	Resource string `json:"resource" yaml:"resource"`

	// Description is an optional human-readable description of the resource.
	Description string `json:"description" yaml:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty" yaml:"mimeType"`

	// PayTo is the recipient address.
	PayTo string `json:"payTo" yaml:"payTo"`

	// MaxTimeoutSeconds bounds the width of an authorization's validity window.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" yaml:"maxTimeoutSeconds"`

	// Asset is the token contract address accepted as payment.
	Asset string `json:"asset" yaml:"asset"`

	// Extra carries the EIP-712 domain parameters of the asset.
	Extra *EIP712Domain `json:"extra,omitempty" yaml:"extra"`
}

// Amount returns MaxAmountRequired as a big integer.
// Returns ErrInvalidAmount if the value is not a non-negative base-10 integer.
func (r PaymentRequirement) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return amount, nil
}

// PaymentRequired is the 402 response body sent to clients.
type PaymentRequired struct {
	// X402Version is the protocol version (1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Reason is the machine-readable rejection code when a payment was presented.
	Reason Reason `json:"reason,omitempty"`

	// Accepts lists the payment requirements the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentAuthorization is a decoded X-PAYMENT header: an EIP-3009
// transferWithAuthorization signed by the payer.
type PaymentAuthorization struct {
	// Scheme and Network come from the header envelope.
	Scheme  string
	Network string

	// From is the address claiming to authorize the transfer.
	From string

	// To is the recipient the payer signed over.
	To string

	// Value is the transfer amount in atomic units.
	Value *big.Int

	// ValidAfter and ValidBefore bound the authorization, in Unix seconds.
	// ValidAfter is inclusive, ValidBefore is exclusive.
	ValidAfter  int64
	ValidBefore int64

	// Nonce is the 32-byte EIP-3009 nonce.
	Nonce [32]byte

	// Signature is the 65-byte ECDSA signature (r || s || v).
	Signature []byte
}

// Window returns the width of the validity window in seconds.
func (a PaymentAuthorization) Window() int64 {
	return a.ValidBefore - a.ValidAfter
}

// SettlementState is the lifecycle state of a SettlementRecord.
type SettlementState string

const (
	// SettlementPending means the nonce is reserved and settlement is in flight.
	SettlementPending SettlementState = "pending"

	// SettlementSettled means the transfer executed on-chain.
	SettlementSettled SettlementState = "settled"

	// SettlementFailed means the facilitator rejected or could not execute the transfer.
	SettlementFailed SettlementState = "failed"
)

// SettlementRecord tracks one authorization from reservation to a terminal outcome.
// It is keyed by nonce and lives only as long as the replay window requires.
type SettlementRecord struct {
	// Nonce is the hex-encoded authorization nonce (0x-prefixed, lowercase).
	Nonce string `json:"nonce"`

	// State is the current lifecycle state.
	State SettlementState `json:"state"`

	// Transaction is the on-chain transaction hash, set once settled.
	Transaction string `json:"transaction,omitempty"`

	// FailureReason is the facilitator's error reason, set once failed.
	FailureReason string `json:"failureReason,omitempty"`

	// Network is the settlement network.
	Network string `json:"network,omitempty"`

	// Payer is the authorizing address.
	Payer string `json:"payer,omitempty"`

	// CreatedAt is when the nonce was reserved.
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is when the record may be purged.
	ExpiresAt time.Time `json:"expiresAt"`
}

// SettleResponse is the settlement proof sent to clients in X-PAYMENT-RESPONSE.
type SettleResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// ErrorReason provides a short error code if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the network the payment was settled on.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}
