// Package evm signs EIP-3009 transfer authorizations and builds X-PAYMENT
// headers for x402 v1 EVM requirements.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
	"github.com/nacorid/x402-paygate/internal/eip3009"
	"github.com/nacorid/x402-paygate/validation"
)

type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	maxAmount  *big.Int
}

var _ paygate.Signer = (*Signer)(nil)

type Option func(*Signer) error

func NewSigner(privateKeyHex string, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, paygate.ErrInvalidKey
	}
	return NewSignerFromKey(privateKey, opts...)
}

func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// WithMaxAmount refuses to sign requirements priced above amount.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		if amount == nil || amount.Sign() < 0 {
			return paygate.ErrInvalidAmount
		}
		s.maxAmount = amount
		return nil
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) Scheme() string {
	return paygate.SchemeExact
}

// CanSign reports whether s can produce a payment for requirement.
func (s *Signer) CanSign(requirement paygate.PaymentRequirement) bool {
	if requirement.Scheme != paygate.SchemeExact {
		return false
	}
	if !paygate.IsKnownNetwork(requirement.Network) {
		return false
	}
	_, err := validation.DomainFor(requirement)
	return err == nil
}

// Sign authorizes exactly the required amount for a window starting ten
// seconds ago and lasting requirement.MaxTimeoutSeconds.
func (s *Signer) Sign(requirement paygate.PaymentRequirement) (paygate.PaymentAuthorization, error) {
	if !s.CanSign(requirement) {
		return paygate.PaymentAuthorization{}, fmt.Errorf("%w: cannot sign %s/%s", paygate.ErrUnsupportedScheme, requirement.Scheme, requirement.Network)
	}

	amount, err := requirement.Amount()
	if err != nil {
		return paygate.PaymentAuthorization{}, err
	}

	// The window must fit in MaxTimeoutSeconds including the ten seconds of
	// clock skew CreateAuthorization allows.
	timeout := requirement.MaxTimeoutSeconds - 10
	if timeout <= 0 {
		return paygate.PaymentAuthorization{}, fmt.Errorf("%w: maxTimeoutSeconds too small", paygate.ErrInvalidRequirements)
	}

	auth, err := eip3009.CreateAuthorization(s.address, common.HexToAddress(requirement.PayTo), amount, timeout)
	if err != nil {
		return paygate.PaymentAuthorization{}, err
	}

	return s.Authorize(requirement, amount, auth.ValidAfter.Int64(), auth.ValidBefore.Int64(), auth.Nonce)
}

// Authorize signs a transfer of value to requirement.PayTo with an explicit
// window and nonce.
func (s *Signer) Authorize(requirement paygate.PaymentRequirement, value *big.Int, validAfter, validBefore int64, nonce [32]byte) (paygate.PaymentAuthorization, error) {
	if value == nil || value.Sign() < 0 {
		return paygate.PaymentAuthorization{}, paygate.ErrInvalidAmount
	}
	if s.maxAmount != nil && value.Cmp(s.maxAmount) > 0 {
		return paygate.PaymentAuthorization{}, fmt.Errorf("%w: %s > %s", paygate.ErrAmountExceeded, value, s.maxAmount)
	}

	domain, err := validation.DomainFor(requirement)
	if err != nil {
		return paygate.PaymentAuthorization{}, err
	}

	auth := paygate.PaymentAuthorization{
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		From:        s.address.Hex(),
		To:          common.HexToAddress(requirement.PayTo).Hex(),
		Value:       new(big.Int).Set(value),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	signature, err := eip3009.SignAuthorization(s.privateKey, domain, validation.ToEIP3009(auth))
	if err != nil {
		return paygate.PaymentAuthorization{}, err
	}
	auth.Signature = signature
	return auth, nil
}

// PaymentHeader signs requirement and returns the X-PAYMENT header value.
func (s *Signer) PaymentHeader(requirement paygate.PaymentRequirement) (string, error) {
	auth, err := s.Sign(requirement)
	if err != nil {
		return "", err
	}
	return encoding.EncodePayment(auth)
}
