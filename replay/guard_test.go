package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paygate "github.com/nacorid/x402-paygate"
)

type failingStore struct{}

func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("connection refused") }

// ttlRecorder records the TTL passed to SetNX.
type ttlRecorder struct {
	*MemoryStore
	ttl time.Duration
}

func (r *ttlRecorder) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r.ttl = ttl
	return r.MemoryStore.SetNX(ctx, key, value, ttl)
}

var testNonce = [32]byte{0xAB, 0xCD, 0xEF}

func TestGuard_Reserve(t *testing.T) {
	clock := newFakeClock(time.Unix(1740672000, 0))
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	g := NewGuard(store, WithClock(clock.Now), WithGrace(30*time.Second))
	ctx := context.Background()

	record, err := g.Reserve(ctx, testNonce, 1740672300, 300)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if record.State != paygate.SettlementPending {
		t.Errorf("State = %s; want pending", record.State)
	}
	if record.Nonce != strings.ToLower(record.Nonce) || !strings.HasPrefix(record.Nonce, "0xabcdef") {
		t.Errorf("Nonce = %s; want lowercase 0x-prefixed hex", record.Nonce)
	}
	if want := time.Unix(1740672330, 0).UTC(); !record.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v; want %v", record.ExpiresAt, want)
	}

	_, err = g.Reserve(ctx, testNonce, 1740672300, 300)
	if !errors.Is(err, paygate.ErrAlreadyUsed) {
		t.Fatalf("second Reserve() error = %v; want ErrAlreadyUsed", err)
	}
	if paygate.ReasonOf(err) != paygate.ReasonAlreadyUsed {
		t.Errorf("ReasonOf() = %q; want already_used", paygate.ReasonOf(err))
	}
}

func TestGuard_ReserveTTL(t *testing.T) {
	clock := newFakeClock(time.Unix(1740672000, 0))
	store := &ttlRecorder{MemoryStore: NewMemoryStore(WithMemoryClock(clock.Now))}
	g := NewGuard(store, WithClock(clock.Now), WithGrace(60*time.Second))
	ctx := context.Background()

	if _, err := g.Reserve(ctx, testNonce, 1740672300, 300); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if store.ttl != 360*time.Second {
		t.Errorf("ttl = %v; want 6m0s", store.ttl)
	}

	// validBefore already in the past: TTL is clamped to one second.
	if _, err := g.Reserve(ctx, [32]byte{1}, 1740671000, 300); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if store.ttl != time.Second {
		t.Errorf("ttl = %v; want 1s", store.ttl)
	}
}

func TestGuard_ReserveGraceCappedByMaxTimeout(t *testing.T) {
	tests := []struct {
		name              string
		maxTimeoutSeconds int
		wantExpiry        int64
		wantTTL           time.Duration
	}{
		{"short route caps grace", 30, 1740672330, 330 * time.Second},
		{"long route keeps grace", 600, 1740672360, 360 * time.Second},
		{"unset keeps grace", 0, 1740672360, 360 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(time.Unix(1740672000, 0))
			store := &ttlRecorder{MemoryStore: NewMemoryStore(WithMemoryClock(clock.Now))}
			g := NewGuard(store, WithClock(clock.Now))

			record, err := g.Reserve(context.Background(), testNonce, 1740672300, tt.maxTimeoutSeconds)
			if err != nil {
				t.Fatalf("Reserve() error = %v", err)
			}
			if want := time.Unix(tt.wantExpiry, 0).UTC(); !record.ExpiresAt.Equal(want) {
				t.Errorf("ExpiresAt = %v; want %v", record.ExpiresAt, want)
			}
			if store.ttl != tt.wantTTL {
				t.Errorf("ttl = %v; want %v", store.ttl, tt.wantTTL)
			}
		})
	}
}

func TestGuard_ReleaseMakesNonceReservable(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()
	validBefore := time.Now().Add(time.Minute).Unix()

	if _, err := g.Reserve(ctx, testNonce, validBefore, 300); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := g.Release(ctx, testNonce); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := g.Reserve(ctx, testNonce, validBefore, 300); err != nil {
		t.Errorf("Reserve() after Release error = %v; want nil", err)
	}
}

func TestGuard_CompleteKeepsReservation(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()
	validBefore := time.Now().Add(time.Minute).Unix()

	record, err := g.Reserve(ctx, testNonce, validBefore, 300)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	record.State = paygate.SettlementSettled
	record.Transaction = "0xdeadbeef"
	if err := g.Complete(ctx, record); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := g.Lookup(ctx, testNonce)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.State != paygate.SettlementSettled || got.Transaction != "0xdeadbeef" {
		t.Errorf("Lookup() = %+v; want settled with transaction", got)
	}

	if _, err := g.Reserve(ctx, testNonce, validBefore, 300); !errors.Is(err, paygate.ErrAlreadyUsed) {
		t.Errorf("Reserve() after settlement error = %v; want ErrAlreadyUsed", err)
	}
}

func TestGuard_CompleteRejectsPending(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	record, _ := g.Reserve(context.Background(), testNonce, time.Now().Add(time.Minute).Unix(), 300)

	if err := g.Complete(context.Background(), record); err == nil {
		t.Error("Complete() of pending record should fail")
	}
}

func TestGuard_LookupMissing(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	if _, err := g.Lookup(context.Background(), testNonce); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() error = %v; want ErrNotFound", err)
	}
}

func TestGuard_StoreUnavailable(t *testing.T) {
	g := NewGuard(failingStore{})
	ctx := context.Background()

	_, err := g.Reserve(ctx, testNonce, time.Now().Add(time.Minute).Unix(), 300)
	if !errors.Is(err, paygate.ErrReplayUnavailable) {
		t.Errorf("Reserve() error = %v; want ErrReplayUnavailable", err)
	}
	if err := g.Release(ctx, testNonce); !errors.Is(err, paygate.ErrReplayUnavailable) {
		t.Errorf("Release() error = %v; want ErrReplayUnavailable", err)
	}
	if _, err := g.Lookup(ctx, testNonce); !errors.Is(err, paygate.ErrReplayUnavailable) {
		t.Errorf("Lookup() error = %v; want ErrReplayUnavailable", err)
	}
}

func TestGuard_ConcurrentReserve(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	ctx := context.Background()
	validBefore := time.Now().Add(time.Minute).Unix()

	var reserved, used atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := g.Reserve(ctx, testNonce, validBefore, 300)
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, paygate.ErrAlreadyUsed):
				used.Add(1)
			default:
				t.Errorf("Reserve() error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if reserved.Load() != 1 {
		t.Errorf("reserved = %d; want exactly 1", reserved.Load())
	}
	if used.Load() != 63 {
		t.Errorf("already used = %d; want 63", used.Load())
	}
}

func TestKey(t *testing.T) {
	var nonce [32]byte
	nonce[0] = 0xFF
	got := Key(nonce)
	want := "x402:nonce:0xff" + strings.Repeat("00", 31)
	if got != want {
		t.Errorf("Key() = %s; want %s", got, want)
	}
}
