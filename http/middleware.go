package http

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/http/internal/helpers"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PaymentContextKey is the context key for the settled payment record.
	PaymentContextKey = contextKey("x402_payment")

	requestIDContextKey = contextKey("x402_request_id")
)

// ResourceResolver maps a request to the resource id it is priced under.
type ResourceResolver func(*http.Request) string

// PathResolver resolves a request to its URL path.
func PathResolver(r *http.Request) string {
	return r.URL.Path
}

// NewX402Middleware creates an x402 payment middleware backed by gate.
// resolve picks the resource id of each request; nil means PathResolver.
//
// Settlement completes before next runs, so the protected handler only ever
// serves paid requests and finds the settled record in the request context.
func NewX402Middleware(gate *Gate, resolve ResourceResolver) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = PathResolver
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := gate.logger

			id := RequestIDFor(r.Header.Get(RequestIDHeader))
			ctx := WithRequestID(r.Context(), id)

			paymentHeader := r.Header.Get(paygate.PaymentHeader)
			if paymentHeader == "" {
				logger.Info("no payment header provided", "url", helpers.BuildResourceURL(r), "request_id", id)
			}

			outcome := gate.Process(ctx, resolve(r), paymentHeader)
			if !outcome.Admitted() {
				WriteRejection(w, r, outcome, logger)
				return
			}

			if err := helpers.AddPaymentResponseHeader(w, outcome.Record); err != nil {
				// Payment was settled; the handler still runs.
				logger.Warn("failed to add payment response header", "error", err, "request_id", id)
			}

			ctx = context.WithValue(ctx, PaymentContextKey, outcome.Record)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteRejection writes the response for a non-admitted outcome: a 402 with
// the requirement (HTML for browsers that sent no payment), a 502 for failed
// settlement, or a plain error otherwise.
func WriteRejection(w http.ResponseWriter, r *http.Request, outcome Outcome, logger *slog.Logger) {
	var err error
	switch outcome.Status {
	case http.StatusPaymentRequired:
		if outcome.Reason == "" && helpers.WantsHTML(r) {
			err = helpers.SendPaywall(w, outcome.Requirement)
			break
		}
		err = helpers.SendPaymentRequired(w, []paygate.PaymentRequirement{outcome.Requirement}, outcome.Message(), outcome.Reason)
	case http.StatusBadGateway:
		err = helpers.SendSettlementFailed(w, outcome.Message(), outcome.Reason)
	default:
		http.Error(w, http.StatusText(outcome.Status), outcome.Status)
	}
	if err != nil {
		logger.Error("failed to write payment response", "status", outcome.Status, "error", err)
	}
}

// GetSettlementFromContext extracts the settled payment record from the request context.
// Returns nil if the request was not gated or the context does not contain one.
func GetSettlementFromContext(ctx context.Context) *paygate.SettlementRecord {
	record, ok := ctx.Value(PaymentContextKey).(*paygate.SettlementRecord)
	if !ok {
		return nil
	}
	return record
}

// requestIDPattern bounds inbound correlation ids to short token characters.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// RequestIDFor returns the inbound X-Request-ID value if it is at most 64
// token characters, or a new UUID otherwise.
func RequestIDFor(value string) string {
	if requestIDPattern.MatchString(value) {
		return value
	}
	return uuid.NewString()
}

// WithRequestID returns a context carrying the correlation id sent to the
// facilitator and attached to events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext returns the correlation id, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
