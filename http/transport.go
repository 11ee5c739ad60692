package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
	"github.com/nacorid/x402-paygate/http/internal/helpers"
)

// X402Transport is a RoundTripper that pays for 402 Payment Required
// responses. It wraps Base, and on a 402 signs the first offered requirement
// one of Signers can pay and sends the request once more with X-PAYMENT.
//
// Requests with a body must set GetBody (http.NewRequest does for common
// body types) so they can be replayed.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers, in preference order.
	Signers []paygate.Signer

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt paygate.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess paygate.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure paygate.PaymentCallback
}

func (t *X402Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	paymentReq, err := helpers.ParsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	requirement, auth, err := t.selectAndSign(paymentReq.Accepts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	event := paygate.PaymentEvent{
		RequestID: req.Header.Get(RequestIDHeader),
		Resource:  req.URL.String(),
		Amount:    auth.Value.String(),
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Recipient: requirement.PayTo,
		Payer:     auth.From,
		Nonce:     encoding.NonceHex(auth.Nonce),
	}
	t.emit(t.OnPaymentAttempt, paygate.PaymentEventAttempt, event, start, nil)

	header, err := encoding.EncodePayment(auth)
	if err != nil {
		t.emit(t.OnPaymentFailure, paygate.PaymentEventFailure, event, start, err)
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			err := errors.New("x402: request body cannot be replayed with payment")
			t.emit(t.OnPaymentFailure, paygate.PaymentEventFailure, event, start, err)
			return nil, err
		}
		if retry.Body, err = req.GetBody(); err != nil {
			t.emit(t.OnPaymentFailure, paygate.PaymentEventFailure, event, start, err)
			return nil, err
		}
	}
	retry.Header.Set(paygate.PaymentHeader, header)

	paid, err := t.base().RoundTrip(retry)
	if err != nil {
		t.emit(t.OnPaymentFailure, paygate.PaymentEventFailure, event, start, err)
		return nil, err
	}

	settlement := helpers.ParseSettlement(paid.Header.Get(paygate.PaymentResponseHeader))
	if settlement == nil || !settlement.Success {
		event.Reason = reasonFromResponse(paid)
		t.emit(t.OnPaymentFailure, paygate.PaymentEventFailure, event, start, errors.New(http.StatusText(paid.StatusCode)))
		return paid, nil
	}

	event.Transaction = settlement.Transaction
	t.emit(t.OnPaymentSuccess, paygate.PaymentEventSuccess, event, start, nil)
	return paid, nil
}

// selectAndSign walks requirements in the server's order and returns the
// first one a signer accepts. A signer refusing the amount is skipped.
func (t *X402Transport) selectAndSign(requirements []paygate.PaymentRequirement) (paygate.PaymentRequirement, paygate.PaymentAuthorization, error) {
	if len(t.Signers) == 0 {
		return paygate.PaymentRequirement{}, paygate.PaymentAuthorization{},
			paygate.NewPaymentError(paygate.ReasonPaymentRequired, "no signers configured", paygate.ErrNoValidSigner)
	}

	var lastErr error
	for _, req := range requirements {
		for _, signer := range t.Signers {
			if !signer.CanSign(req) {
				continue
			}
			auth, err := signer.Sign(req)
			if err != nil {
				lastErr = err
				continue
			}
			return req, auth, nil
		}
	}

	options := make([]string, 0, len(requirements))
	for _, req := range requirements {
		options = append(options, req.Network+":"+req.Asset)
	}
	pe := paygate.NewPaymentError(paygate.ReasonPaymentRequired, "no signer can satisfy any payment requirement", paygate.ErrNoValidSigner).
		WithDetails("options", strings.Join(options, ", "))
	if lastErr != nil {
		pe.WithDetails("lastError", lastErr.Error())
	}
	return paygate.PaymentRequirement{}, paygate.PaymentAuthorization{}, pe
}

func (t *X402Transport) emit(cb paygate.PaymentCallback, typ paygate.PaymentEventType, event paygate.PaymentEvent, start time.Time, err error) {
	if cb == nil {
		return
	}
	event.Type = typ
	event.Timestamp = time.Now()
	event.Duration = time.Since(start)
	event.Error = err
	cb(event)
}

// reasonFromResponse reads the rejection reason a gate put in a 402 or 502
// body without consuming it.
func reasonFromResponse(resp *http.Response) paygate.Reason {
	if resp.StatusCode != http.StatusPaymentRequired && resp.StatusCode != http.StatusBadGateway {
		return ""
	}
	body, reason := helpers.PeekReason(resp.Body)
	resp.Body = body
	return reason
}
