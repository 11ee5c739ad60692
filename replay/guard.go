package replay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paygate "github.com/nacorid/x402-paygate"
)

// DefaultGrace is how long a nonce stays reserved after its validBefore.
const DefaultGrace = 60 * time.Second

const keyPrefix = "x402:nonce:"

// Guard reserves authorization nonces so each is settled at most once.
type Guard struct {
	store   Store
	grace   time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGrace sets the margin kept after validBefore.
func WithGrace(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.grace = d
	}
}

// WithOperationTimeout bounds each store call.
func WithOperationTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.timeout = d
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:   store,
		grace:   DefaultGrace,
		timeout: paygate.DefaultTimeouts.ReplayTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key returns the normalized store key for a nonce.
func Key(nonce [32]byte) string {
	return keyPrefix + "0x" + hex.EncodeToString(nonce[:])
}

// Reserve atomically marks nonce as in use until validBefore plus the grace
// margin, capped at maxTimeoutSeconds of the requirement being paid.
// It returns the new pending record, an error wrapping
// paygate.ErrAlreadyUsed if the nonce is already reserved, or an error
// wrapping paygate.ErrReplayUnavailable if the store failed.
func (g *Guard) Reserve(ctx context.Context, nonce [32]byte, validBefore int64, maxTimeoutSeconds int) (*paygate.SettlementRecord, error) {
	now := g.now()
	record := &paygate.SettlementRecord{
		Nonce:     "0x" + hex.EncodeToString(nonce[:]),
		State:     paygate.SettlementPending,
		CreatedAt: now.UTC(),
		ExpiresAt: time.Unix(validBefore, 0).Add(g.graceFor(maxTimeoutSeconds)).UTC(),
	}

	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal settlement record: %w", err)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	ok, err := g.store.SetNX(ctx, Key(nonce), string(value), g.ttl(record.ExpiresAt, now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrReplayUnavailable, err)
	}
	if !ok {
		g.logger.Debug("nonce already reserved", "nonce", record.Nonce)
		return nil, fmt.Errorf("%w: %s", paygate.ErrAlreadyUsed, record.Nonce)
	}
	return record, nil
}

// Complete stores the terminal state of a reserved record. The nonce stays
// reserved until the record expires.
func (g *Guard) Complete(ctx context.Context, record *paygate.SettlementRecord) error {
	if record.State == paygate.SettlementPending {
		return errors.New("replay: cannot complete a pending record")
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal settlement record: %w", err)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.store.Set(ctx, keyPrefix+record.Nonce, string(value), g.ttl(record.ExpiresAt, g.now())); err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrReplayUnavailable, err)
	}
	return nil
}

// Release frees a reserved nonce so the same authorization may be presented
// again. Used when settlement did not happen.
func (g *Guard) Release(ctx context.Context, nonce [32]byte) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.store.Delete(ctx, Key(nonce)); err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrReplayUnavailable, err)
	}
	g.logger.Debug("nonce released", "nonce", "0x"+hex.EncodeToString(nonce[:]))
	return nil
}

// Lookup returns the record stored for nonce, or ErrNotFound.
func (g *Guard) Lookup(ctx context.Context, nonce [32]byte) (*paygate.SettlementRecord, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	value, err := g.store.Get(ctx, Key(nonce))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", paygate.ErrReplayUnavailable, err)
	}

	var record paygate.SettlementRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("decode settlement record: %w", err)
	}
	return &record, nil
}

// graceFor returns the retention margin past validBefore. A non-positive
// maxTimeoutSeconds leaves the configured grace uncapped.
func (g *Guard) graceFor(maxTimeoutSeconds int) time.Duration {
	limit := time.Duration(maxTimeoutSeconds) * time.Second
	if maxTimeoutSeconds > 0 && limit < g.grace {
		return limit
	}
	return g.grace
}

func (g *Guard) ttl(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}
