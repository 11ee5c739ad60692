// Package helpers provides internal HTTP utilities for x402 v1 payment gating.
package helpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
)

// ErrNilSettlement is returned when the record is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// SendPaymentRequired writes a 402 Payment Required response with the given requirements.
// reason is empty when no payment was presented.
func SendPaymentRequired(w http.ResponseWriter, requirements []paygate.PaymentRequirement, errMsg string, reason paygate.Reason) error {
	response := paygate.PaymentRequired{
		X402Version: paygate.X402Version,
		Error:       errMsg,
		Reason:      reason,
		Accepts:     requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// SettlementError is the 502 body sent when settlement fails.
type SettlementError struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Reason      paygate.Reason `json:"reason"`
}

// SendSettlementFailed writes a 502 Bad Gateway response carrying reason.
func SendSettlementFailed(w http.ResponseWriter, errMsg string, reason paygate.Reason) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	if err := json.NewEncoder(w).Encode(SettlementError{
		X402Version: paygate.X402Version,
		Error:       errMsg,
		Reason:      reason,
	}); err != nil {
		return fmt.Errorf("encoding settlement error response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with settlement information.
func AddPaymentResponseHeader(w http.ResponseWriter, record *paygate.SettlementRecord) error {
	if record == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*record)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(paygate.PaymentResponseHeader, encoded)
	return nil
}

// ParsePaymentRequirements extracts PaymentRequired from a 402 response body.
func ParsePaymentRequirements(resp *http.Response) (*paygate.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, paygate.NewPaymentError(paygate.ReasonPaymentRequired, "missing response or body", paygate.ErrInvalidRequirements)
	}

	var paymentReq paygate.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		return nil, paygate.NewPaymentError(paygate.ReasonPaymentRequired, "failed to decode payment requirements", err)
	}

	if len(paymentReq.Accepts) == 0 {
		return nil, paygate.NewPaymentError(paygate.ReasonPaymentRequired, "no payment requirements in response", paygate.ErrInvalidRequirements)
	}

	return &paymentReq, nil
}

// ParseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *paygate.SettleResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// maxErrorBody bounds how much of a rejection body PeekReason buffers.
const maxErrorBody = 64 << 10

// PeekReason buffers a rejection body and returns its "reason" field along
// with a reader that replays the body. The original body is closed.
func PeekReason(body io.ReadCloser) (io.ReadCloser, paygate.Reason) {
	if body == nil {
		return http.NoBody, ""
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	replay := io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return replay, ""
	}
	var parsed struct {
		Reason paygate.Reason `json:"reason"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return replay, ""
	}
	return replay, parsed.Reason
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

// WantsHTML reports whether the request comes from a browser rather than an
// x402 client.
func WantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Payment Required</title>
</head>
<body>
<h1>Payment Required</h1>
<p>{{.Resource}} costs {{.Amount}} atomic units of {{.Asset}} on {{.Network}}, paid to {{.PayTo}}.</p>
<p>Send the request again with a signed <code>X-PAYMENT</code> header.</p>
<script id="x402-requirements" type="application/json">{{.JSON}}</script>
</body>
</html>
`))

type paywallData struct {
	Resource string
	Amount   string
	Asset    string
	Network  string
	PayTo    string
	JSON     template.JS
}

// SendPaywall writes a 402 HTML page describing requirement and embedding the
// PaymentRequired JSON for wallet scripts.
func SendPaywall(w http.ResponseWriter, requirement paygate.PaymentRequirement) error {
	body, err := json.Marshal(paygate.PaymentRequired{
		X402Version: paygate.X402Version,
		Error:       "payment required",
		Accepts:     []paygate.PaymentRequirement{requirement},
	})
	if err != nil {
		return fmt.Errorf("encoding paywall requirements: %w", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	return paywallTemplate.Execute(w, paywallData{
		Resource: requirement.Resource,
		Amount:   requirement.MaxAmountRequired,
		Asset:    requirement.Asset,
		Network:  requirement.Network,
		PayTo:    requirement.PayTo,
		JSON:     template.JS(body),
	})
}
