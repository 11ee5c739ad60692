// Package validation checks decoded x402 payment authorizations against the
// requirement of the resource they are presented for.
package validation

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/internal/eip3009"
)

// AmountRule is how an authorization's value is compared to maxAmountRequired.
type AmountRule string

const (
	// AmountExact requires value == maxAmountRequired.
	AmountExact AmountRule = "exact"

	// AmountAtLeast requires value >= maxAmountRequired.
	AmountAtLeast AmountRule = "at_least"
)

// ParseAmountRule converts a configuration string to an AmountRule.
func ParseAmountRule(s string) (AmountRule, error) {
	switch rule := AmountRule(strings.ToLower(strings.TrimSpace(s))); rule {
	case AmountExact, AmountAtLeast:
		return rule, nil
	default:
		return "", fmt.Errorf("unknown amount rule %q (want %q or %q)", s, AmountExact, AmountAtLeast)
	}
}

// Satisfied reports whether value meets required under the rule.
func (r AmountRule) Satisfied(value, required *big.Int) bool {
	if value == nil || required == nil {
		return false
	}
	if r == AmountAtLeast {
		return value.Cmp(required) >= 0
	}
	return value.Cmp(required) == 0
}

// Validator runs the ordered checks on a PaymentAuthorization.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	amountRules map[string]AmountRule
}

// Option configures a Validator.
type Option func(*Validator)

// WithAmountRule sets the comparison rule for a scheme.
func WithAmountRule(scheme string, rule AmountRule) Option {
	return func(v *Validator) {
		v.amountRules[scheme] = rule
	}
}

// New creates a Validator. The "exact" scheme defaults to AmountExact.
func New(opts ...Option) *Validator {
	v := &Validator{
		amountRules: map[string]AmountRule{
			paygate.SchemeExact: AmountExact,
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AmountRule returns the comparison rule in effect for scheme.
func (v *Validator) AmountRule(scheme string) AmountRule {
	if rule, ok := v.amountRules[scheme]; ok {
		return rule
	}
	return AmountExact
}

// Validate checks auth against req at time now. Checks run in order and
// stop at the first failure:
//
//  1. scheme, network and recipient match (asset_mismatch)
//  2. now within [validAfter, validBefore) (not_yet_valid, expired)
//  3. window no wider than maxTimeoutSeconds (window_too_wide)
//  4. value satisfies the scheme's amount rule (insufficient_amount)
//  5. EIP-712 signature recovers to auth.From (invalid_signature)
//
// A rejection is a *paygate.PaymentError carrying the reason. A requirement
// that cannot be evaluated returns an error wrapping paygate.ErrInvalidRequirements.
func (v *Validator) Validate(auth paygate.PaymentAuthorization, req paygate.PaymentRequirement, now time.Time) error {
	if auth.Scheme != req.Scheme || auth.Network != req.Network {
		return paygate.NewPaymentError(paygate.ReasonAssetMismatch,
			fmt.Sprintf("payment is %s/%s, resource requires %s/%s", auth.Scheme, auth.Network, req.Scheme, req.Network),
			paygate.ErrAssetMismatch)
	}
	if !sameAddress(auth.To, req.PayTo) {
		return paygate.NewPaymentError(paygate.ReasonAssetMismatch, "authorization recipient does not match payTo", paygate.ErrAssetMismatch).
			WithDetails("to", auth.To).
			WithDetails("payTo", req.PayTo)
	}

	ts := now.Unix()
	if ts < auth.ValidAfter {
		return paygate.NewPaymentError(paygate.ReasonNotYetValid,
			fmt.Sprintf("authorization valid after %d, now %d", auth.ValidAfter, ts), paygate.ErrNotYetValid)
	}
	if ts >= auth.ValidBefore {
		return paygate.NewPaymentError(paygate.ReasonExpired,
			fmt.Sprintf("authorization valid before %d, now %d", auth.ValidBefore, ts), paygate.ErrExpired)
	}

	if auth.Window() > int64(req.MaxTimeoutSeconds) {
		return paygate.NewPaymentError(paygate.ReasonWindowTooWide,
			fmt.Sprintf("validity window %ds exceeds %ds", auth.Window(), req.MaxTimeoutSeconds), paygate.ErrWindowTooWide)
	}

	required, err := req.Amount()
	if err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrInvalidRequirements, err)
	}
	rule := v.AmountRule(req.Scheme)
	if !rule.Satisfied(auth.Value, required) {
		return paygate.NewPaymentError(paygate.ReasonInsufficientAmount,
			fmt.Sprintf("authorized %s, required %s (%s)", auth.Value, required, rule), paygate.ErrInsufficientAmount)
	}

	return VerifySignature(auth, req)
}

// VerifySignature recovers the signer of auth under the requirement's
// EIP-712 domain and checks it equals auth.From.
func VerifySignature(auth paygate.PaymentAuthorization, req paygate.PaymentRequirement) error {
	domain, err := DomainFor(req)
	if err != nil {
		return err
	}

	signer, err := eip3009.RecoverSigner(domain, ToEIP3009(auth), auth.Signature)
	if err != nil {
		return paygate.NewPaymentError(paygate.ReasonInvalidSignature, "signature could not be recovered", paygate.ErrInvalidSignature).
			WithDetails("cause", err.Error())
	}
	if signer != common.HexToAddress(auth.From) {
		return paygate.NewPaymentError(paygate.ReasonInvalidSignature, "signature does not match payer", paygate.ErrInvalidSignature).
			WithDetails("from", auth.From).
			WithDetails("recovered", signer.Hex())
	}
	return nil
}

// DomainFor returns the EIP-712 domain an authorization for req must be signed under.
func DomainFor(req paygate.PaymentRequirement) (eip3009.Domain, error) {
	chainID, err := paygate.GetChainID(req.Network)
	if err != nil {
		return eip3009.Domain{}, fmt.Errorf("%w: %v", paygate.ErrInvalidRequirements, err)
	}
	if req.Extra == nil || req.Extra.Name == "" || req.Extra.Version == "" {
		return eip3009.Domain{}, fmt.Errorf("%w: EIP-712 domain name and version are required", paygate.ErrInvalidRequirements)
	}
	return eip3009.Domain{
		Name:              req.Extra.Name,
		Version:           req.Extra.Version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

// ToEIP3009 converts auth to the typed-data message form.
func ToEIP3009(auth paygate.PaymentAuthorization) *eip3009.Authorization {
	return &eip3009.Authorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       auth.Value,
		ValidAfter:  big.NewInt(auth.ValidAfter),
		ValidBefore: big.NewInt(auth.ValidBefore),
		Nonce:       auth.Nonce,
	}
}

func sameAddress(a, b string) bool {
	return paygate.IsEVMAddress(a) && paygate.IsEVMAddress(b) && strings.EqualFold(a, b)
}
