// Package encoding provides utilities for encoding and decoding x402 v1 payment data.
// It handles base64 and JSON marshaling for X-PAYMENT headers, settlement
// proofs and payment requirements.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	paygate "github.com/nacorid/x402-paygate"
)

// MaxHeaderSize bounds the encoded X-PAYMENT header accepted by DecodePayment.
const MaxHeaderSize = 8 << 10

var (
	nonceRegex     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	signatureRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	integerRegex   = regexp.MustCompile(`^[0-9]+$`)
)

// PaymentPayload is the JSON envelope carried in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// ExactEVMPayload is the scheme-specific payload of the "exact" EVM scheme.
type ExactEVMPayload struct {
	Signature     string                  `json:"signature"`
	Authorization EVMPayloadAuthorization `json:"authorization"`
}

// EVMPayloadAuthorization is the EIP-3009 authorization as sent on the wire.
// Integers are base-10 strings.
type EVMPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

func malformed(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return paygate.NewPaymentError(paygate.ReasonMalformedPayment, msg, paygate.ErrMalformedPayment)
}

// DecodePayment decodes an X-PAYMENT header into a PaymentAuthorization.
//
// The header must be base64 (standard, or unpadded URL-safe) JSON with
// exactly the v1 envelope fields. Every failure is a *paygate.PaymentError
// with reason malformed_payment wrapping paygate.ErrMalformedPayment.
func DecodePayment(header string) (paygate.PaymentAuthorization, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return paygate.PaymentAuthorization{}, malformed("empty payment header")
	}
	if len(header) > MaxHeaderSize {
		return paygate.PaymentAuthorization{}, malformed("payment header exceeds %d bytes", MaxHeaderSize)
	}

	decoded, err := decodeBase64(header)
	if err != nil {
		return paygate.PaymentAuthorization{}, malformed("failed to decode base64")
	}

	var payload PaymentPayload
	if err := decodeStrict(decoded, &payload); err != nil {
		return paygate.PaymentAuthorization{}, malformed("failed to unmarshal payment: %v", err)
	}

	return ParsePayload(payload)
}

// ParsePayload checks every field of payload and converts it to a
// PaymentAuthorization.
func ParsePayload(payload PaymentPayload) (paygate.PaymentAuthorization, error) {
	var auth paygate.PaymentAuthorization

	if payload.X402Version != paygate.X402Version {
		return auth, paygate.NewPaymentError(paygate.ReasonMalformedPayment,
			fmt.Sprintf("unsupported x402Version %d", payload.X402Version),
			fmt.Errorf("%w: %w", paygate.ErrMalformedPayment, paygate.ErrUnsupportedVersion))
	}
	if !paygate.IsKnownScheme(payload.Scheme) {
		return auth, malformed("unknown scheme %q", payload.Scheme)
	}
	if !paygate.IsKnownNetwork(payload.Network) {
		return auth, malformed("unknown network %q", payload.Network)
	}

	wire := payload.Payload.Authorization
	if !paygate.IsEVMAddress(wire.From) {
		return auth, malformed("invalid from address %q", wire.From)
	}
	if !paygate.IsEVMAddress(wire.To) {
		return auth, malformed("invalid to address %q", wire.To)
	}
	if !nonceRegex.MatchString(wire.Nonce) {
		return auth, malformed("nonce must be 0x-prefixed 32-byte hex")
	}
	if !signatureRegex.MatchString(payload.Payload.Signature) {
		return auth, malformed("signature must be 0x-prefixed 65-byte hex")
	}

	value, err := parseUint256(wire.Value)
	if err != nil {
		return auth, malformed("value: %v", err)
	}
	validAfter, err := parseTimestamp(wire.ValidAfter)
	if err != nil {
		return auth, malformed("validAfter: %v", err)
	}
	validBefore, err := parseTimestamp(wire.ValidBefore)
	if err != nil {
		return auth, malformed("validBefore: %v", err)
	}
	if validAfter >= validBefore {
		return auth, malformed("validAfter (%d) must be less than validBefore (%d)", validAfter, validBefore)
	}

	nonce, _ := hex.DecodeString(wire.Nonce[2:])
	signature, _ := hex.DecodeString(payload.Payload.Signature[2:])

	auth = paygate.PaymentAuthorization{
		Scheme:      payload.Scheme,
		Network:     payload.Network,
		From:        common.HexToAddress(wire.From).Hex(),
		To:          common.HexToAddress(wire.To).Hex(),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Signature:   signature,
	}
	copy(auth.Nonce[:], nonce)
	return auth, nil
}

// NewPayload converts auth back to its wire envelope.
func NewPayload(auth paygate.PaymentAuthorization) PaymentPayload {
	value := "0"
	if auth.Value != nil {
		value = auth.Value.String()
	}
	return PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      auth.Scheme,
		Network:     auth.Network,
		Payload: ExactEVMPayload{
			Signature: "0x" + hex.EncodeToString(auth.Signature),
			Authorization: EVMPayloadAuthorization{
				From:        auth.From,
				To:          auth.To,
				Value:       value,
				ValidAfter:  strconv.FormatInt(auth.ValidAfter, 10),
				ValidBefore: strconv.FormatInt(auth.ValidBefore, 10),
				Nonce:       NonceHex(auth.Nonce),
			},
		},
	}
}

// EncodePayment converts a PaymentAuthorization to a base64-encoded X-PAYMENT header.
//
// Returns an error if JSON marshaling fails.
func EncodePayment(auth paygate.PaymentAuthorization) (string, error) {
	paymentJSON, err := json.Marshal(NewPayload(auth))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// NonceHex renders a nonce as lowercase 0x-prefixed hex.
func NonceHex(nonce [32]byte) string {
	return "0x" + hex.EncodeToString(nonce[:])
}

// SettlementResponse builds the client-facing proof for a settled record.
func SettlementResponse(record paygate.SettlementRecord) paygate.SettleResponse {
	return paygate.SettleResponse{
		Success:     record.State == paygate.SettlementSettled,
		ErrorReason: record.FailureReason,
		Transaction: record.Transaction,
		Network:     record.Network,
		Payer:       record.Payer,
	}
}

// EncodeSettlement converts a settlement record to the base64-encoded JSON
// carried in X-PAYMENT-RESPONSE. The output is deterministic for a given record.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlement(record paygate.SettlementRecord) (string, error) {
	settlementJSON, err := json.Marshal(SettlementResponse(record))
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded X-PAYMENT-RESPONSE to SettleResponse.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlement(encoded string) (paygate.SettleResponse, error) {
	var settlement paygate.SettleResponse

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// EncodeRequirements converts PaymentRequired to base64-encoded JSON.
//
// Returns an error if JSON marshaling fails.
func EncodeRequirements(requirements paygate.PaymentRequired) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64-encoded JSON to PaymentRequired.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeRequirements(encoded string) (paygate.PaymentRequired, error) {
	var requirements paygate.PaymentRequired

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return requirements, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &requirements); err != nil {
		return requirements, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	return requirements, nil
}

func decodeBase64(s string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return decoded, nil
	}
	if decoded, rawErr := base64.RawURLEncoding.DecodeString(s); rawErr == nil {
		return decoded, nil
	}
	return nil, err
}

// decodeStrict unmarshals a single JSON object, rejecting unknown fields
// and trailing data.
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func parseUint256(s string) (*big.Int, error) {
	if !integerRegex.MatchString(s) {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(paygate.MaxUint256()) > 0 {
		return nil, fmt.Errorf("%q exceeds uint256", s)
	}
	return v, nil
}

func parseTimestamp(s string) (int64, error) {
	if !integerRegex.MatchString(s) {
		return 0, fmt.Errorf("%q is not a non-negative integer", s)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return v, nil
}
