package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
	"github.com/nacorid/x402-paygate/facilitator"
	"github.com/nacorid/x402-paygate/replay"
	"github.com/nacorid/x402-paygate/validation"
)

// Outcome is the terminal state of one pass through the gate.
type Outcome struct {
	// Status is the HTTP status the gate decided on. http.StatusOK admits
	// the request.
	Status int

	// Reason is the rejection code. Empty when admitted or when no payment
	// was presented.
	Reason paygate.Reason

	// Err is the underlying error for rejections.
	Err error

	// Requirement is the requirement of the resource, when it is priced.
	Requirement paygate.PaymentRequirement

	// Record is the settled record when admitted.
	Record *paygate.SettlementRecord
}

// Admitted reports whether the request may reach the protected handler.
func (o Outcome) Admitted() bool {
	return o.Status == http.StatusOK
}

// Message returns the human-readable error sent with a rejection.
func (o Outcome) Message() string {
	switch {
	case o.Reason == "":
		return "payment required"
	case o.Reason == paygate.ReasonAlreadyUsed:
		return "nonce already used"
	case o.Err != nil:
		var pe *paygate.PaymentError
		if errors.As(o.Err, &pe) && pe.Message != "" {
			return pe.Message
		}
		return o.Err.Error()
	default:
		return string(o.Reason)
	}
}

// Gate runs the payment state machine for priced resources:
// decode, validate, reserve the nonce, settle, admit.
type Gate struct {
	registry  *paygate.Registry
	validator *validation.Validator
	guard     *replay.Guard
	settler   facilitator.Settler
	logger    *slog.Logger
	callback  paygate.PaymentCallback
	now       func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithValidator replaces the default validator.
func WithValidator(v *validation.Validator) GateOption {
	return func(g *Gate) {
		g.validator = v
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithCallback registers a callback for payment lifecycle events.
func WithCallback(cb paygate.PaymentCallback) GateOption {
	return func(g *Gate) {
		g.callback = cb
	}
}

// WithClock overrides the clock used for validation.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a Gate.
func NewGate(registry *paygate.Registry, guard *replay.Guard, settler facilitator.Settler, opts ...GateOption) *Gate {
	g := &Gate{
		registry:  registry,
		validator: validation.New(),
		guard:     guard,
		settler:   settler,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Requirement returns the requirement registered for resourceID.
func (g *Gate) Requirement(resourceID string) (paygate.PaymentRequirement, error) {
	return g.registry.Lookup(resourceID)
}

// Process runs one request through the gate. header is the raw X-PAYMENT
// value, empty when absent. Nothing is retried: every path ends in exactly
// one Outcome.
func (g *Gate) Process(ctx context.Context, resourceID, header string) Outcome {
	start := g.now()

	requirement, err := g.registry.Lookup(resourceID)
	if err != nil {
		g.logger.Error("gated resource has no payment requirement", "resource", resourceID, "error", err)
		return Outcome{Status: http.StatusInternalServerError, Reason: paygate.ReasonUnknownResource, Err: err}
	}

	if header == "" {
		return Outcome{Status: http.StatusPaymentRequired, Requirement: requirement}
	}

	auth, err := encoding.DecodePayment(header)
	if err != nil {
		g.logger.Debug("malformed payment header", "resource", resourceID, "error", err)
		return g.reject(ctx, start, resourceID, requirement, nil, http.StatusPaymentRequired, err)
	}

	if err := g.validator.Validate(auth, requirement, g.now()); err != nil {
		if errors.Is(err, paygate.ErrInvalidRequirements) {
			g.logger.Error("payment requirement cannot be evaluated", "resource", resourceID, "error", err)
			return g.reject(ctx, start, resourceID, requirement, &auth, http.StatusInternalServerError, err)
		}
		g.logger.Info("payment rejected", "resource", resourceID, "reason", paygate.ReasonOf(err), "payer", auth.From)
		return g.reject(ctx, start, resourceID, requirement, &auth, http.StatusPaymentRequired, err)
	}

	g.emit(ctx, paygate.PaymentEventAttempt, start, resourceID, requirement, &auth, nil, nil)

	record, err := g.guard.Reserve(ctx, auth.Nonce, auth.ValidBefore, requirement.MaxTimeoutSeconds)
	if err != nil {
		status := http.StatusPaymentRequired
		if errors.Is(err, paygate.ErrReplayUnavailable) {
			g.logger.Error("replay store unavailable", "resource", resourceID, "error", err)
			status = http.StatusServiceUnavailable
		} else {
			g.logger.Info("payment replayed", "resource", resourceID, "nonce", encoding.NonceHex(auth.Nonce))
		}
		return g.reject(ctx, start, resourceID, requirement, &auth, status, err)
	}

	settled, err := g.settler.Settle(ctx, auth, requirement)
	if err == nil && (settled == nil || settled.Transaction == "") {
		err = fmt.Errorf("%w: settlement result has no transaction", paygate.ErrSettlementFailed)
	}
	if err != nil {
		// The reservation must be released even if the client went away.
		releaseCtx := context.WithoutCancel(ctx)
		if relErr := g.guard.Release(releaseCtx, auth.Nonce); relErr != nil {
			g.logger.Error("failed to release nonce", "nonce", record.Nonce, "error", relErr)
		}
		g.logger.Warn("settlement failed",
			"resource", resourceID,
			"nonce", record.Nonce,
			"reason", paygate.ReasonOf(err),
			"error", err,
			"request_id", RequestIDFromContext(ctx))
		return g.reject(ctx, start, resourceID, requirement, &auth, http.StatusBadGateway, settlementError(err))
	}

	record.State = paygate.SettlementSettled
	record.Transaction = settled.Transaction
	record.Network = settled.Network
	record.Payer = settled.Payer
	if err := g.guard.Complete(context.WithoutCancel(ctx), record); err != nil {
		// Settled on-chain: the request is admitted and the pending
		// reservation still blocks the nonce until it expires.
		g.logger.Error("failed to store settlement", "nonce", record.Nonce, "error", err)
	}

	g.logger.Info("payment settled",
		"resource", resourceID,
		"nonce", record.Nonce,
		"transaction", record.Transaction,
		"request_id", RequestIDFromContext(ctx))
	g.emit(ctx, paygate.PaymentEventSuccess, start, resourceID, requirement, &auth, record, nil)

	return Outcome{Status: http.StatusOK, Requirement: requirement, Record: record}
}

func (g *Gate) reject(ctx context.Context, start time.Time, resourceID string, requirement paygate.PaymentRequirement, auth *paygate.PaymentAuthorization, status int, err error) Outcome {
	g.emit(ctx, paygate.PaymentEventFailure, start, resourceID, requirement, auth, nil, err)
	return Outcome{
		Status:      status,
		Reason:      paygate.ReasonOf(err),
		Err:         err,
		Requirement: requirement,
	}
}

// settlementError guarantees a settlement failure carries a settlement reason.
func settlementError(err error) error {
	switch paygate.ReasonOf(err) {
	case paygate.ReasonSettlementFailed, paygate.ReasonSettlementTimeout:
		return err
	}
	return paygate.NewPaymentError(paygate.ReasonSettlementFailed, "settlement failed", err)
}

func (g *Gate) emit(ctx context.Context, typ paygate.PaymentEventType, start time.Time, resourceID string, requirement paygate.PaymentRequirement, auth *paygate.PaymentAuthorization, record *paygate.SettlementRecord, err error) {
	if g.callback == nil {
		return
	}

	event := paygate.PaymentEvent{
		Type:      typ,
		Timestamp: g.now().UTC(),
		RequestID: RequestIDFromContext(ctx),
		Resource:  resourceID,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Recipient: requirement.PayTo,
		Reason:    paygate.ReasonOf(err),
		Error:     err,
		Duration:  g.now().Sub(start),
	}
	if auth != nil {
		if auth.Value != nil {
			event.Amount = auth.Value.String()
		}
		event.Payer = auth.From
		event.Nonce = encoding.NonceHex(auth.Nonce)
	}
	if record != nil {
		event.Transaction = record.Transaction
	}
	g.callback(event)
}

// Logger returns the gate's logger.
func (g *Gate) Logger() *slog.Logger {
	return g.logger
}
