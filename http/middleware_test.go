package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/encoding"
	"github.com/nacorid/x402-paygate/http/internal/helpers"
	"github.com/nacorid/x402-paygate/replay"
	"github.com/nacorid/x402-paygate/signers/evm"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	testT     = int64(1740672000)
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeSettler returns a fixed outcome and counts calls.
type fakeSettler struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (f *fakeSettler) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSettler) Settle(ctx context.Context, auth paygate.PaymentAuthorization, req paygate.PaymentRequirement) (*paygate.SettlementRecord, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &paygate.SettlementRecord{
		Nonce:       encoding.NonceHex(auth.Nonce),
		State:       paygate.SettlementSettled,
		Transaction: fmt.Sprintf("0x%064x", n),
		Network:     req.Network,
		Payer:       auth.From,
	}, nil
}

type gateFixture struct {
	gate        *Gate
	settler     *fakeSettler
	clock       *testClock
	guard       *replay.Guard
	requirement paygate.PaymentRequirement
	signer      *evm.Signer
	events      *eventLog
	handler     http.Handler
	served      *atomic.Int32
}

type eventLog struct {
	mu     sync.Mutex
	events []paygate.PaymentEvent
}

func (l *eventLog) record(e paygate.PaymentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []paygate.PaymentEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []paygate.PaymentEventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func newGateFixture(t *testing.T, settler *fakeSettler) *gateFixture {
	t.Helper()

	clock := &testClock{now: time.Unix(testT+10, 0)}
	requirement := paygate.NewUSDCRequirement(paygate.BaseSepolia, "/weather", testPayTo, "50000", 300)

	registry := paygate.NewRegistry()
	if err := registry.Register("/weather", requirement); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	store := replay.NewMemoryStore(replay.WithMemoryClock(clock.Now))
	guard := replay.NewGuard(store, replay.WithClock(clock.Now), replay.WithLogger(discardLogger))

	signer, err := evm.NewSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	events := &eventLog{}
	gate := NewGate(registry, guard, settler,
		WithClock(clock.Now),
		WithLogger(discardLogger),
		WithCallback(events.record))

	var served atomic.Int32
	handler := NewX402Middleware(gate, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		record := GetSettlementFromContext(r.Context())
		if record == nil {
			t.Error("handler ran without a settlement record in context")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"weather":"sunny"}`))
	}))

	return &gateFixture{
		gate:        gate,
		settler:     settler,
		clock:       clock,
		guard:       guard,
		requirement: requirement,
		signer:      signer,
		events:      events,
		handler:     handler,
		served:      &served,
	}
}

// header signs value for the window [testT, testT+300) with nonce.
func (f *gateFixture) header(t *testing.T, value int64, nonce byte) string {
	t.Helper()
	auth, err := f.signer.Authorize(f.requirement, big.NewInt(value), testT, testT+300, [32]byte{nonce})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	header, err := encoding.EncodePayment(auth)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}
	return header
}

func (f *gateFixture) do(header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/weather", nil)
	if header != "" {
		req.Header.Set("X-PAYMENT", header)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeRejection(t *testing.T, w *httptest.ResponseRecorder) paygate.PaymentRequired {
	t.Helper()
	var body paygate.PaymentRequired
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	return body
}

func TestMiddleware_NoPaymentHeader(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})

	w := f.do("")

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d; want 402", w.Code)
	}
	body := decodeRejection(t, w)
	if body.X402Version != 1 || body.Reason != "" {
		t.Errorf("body = %+v; want version 1 without reason", body)
	}
	if len(body.Accepts) != 1 {
		t.Fatalf("Accepts = %+v; want one requirement", body.Accepts)
	}
	got := body.Accepts[0]
	if got.MaxAmountRequired != "50000" || got.PayTo != testPayTo || got.Asset != paygate.BaseSepolia.USDCAddress {
		t.Errorf("Accepts[0] = %+v", got)
	}
	if f.settler.calls.Load() != 0 || f.served.Load() != 0 {
		t.Errorf("settler calls = %d, handler calls = %d; want 0, 0", f.settler.calls.Load(), f.served.Load())
	}
	if len(f.events.types()) != 0 {
		t.Errorf("events = %v; want none", f.events.types())
	}
}

func TestMiddleware_ValidPayment(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})

	w := f.do(f.header(t, 50000, 1))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200 (body %s)", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"weather":"sunny"}` {
		t.Errorf("body = %s", w.Body.String())
	}

	settlement, err := encoding.DecodeSettlement(w.Header().Get("X-PAYMENT-RESPONSE"))
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}
	if !settlement.Success || settlement.Transaction == "" || settlement.Network != "base-sepolia" {
		t.Errorf("settlement = %+v", settlement)
	}
	if !strings.EqualFold(settlement.Payer, f.signer.Address().Hex()) {
		t.Errorf("Payer = %s; want %s", settlement.Payer, f.signer.Address().Hex())
	}

	record, err := f.guard.Lookup(context.Background(), [32]byte{1})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if record.State != paygate.SettlementSettled {
		t.Errorf("stored state = %s; want settled", record.State)
	}

	want := []paygate.PaymentEventType{paygate.PaymentEventAttempt, paygate.PaymentEventSuccess}
	if got := f.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v; want %v", got, want)
	}
}

func TestMiddleware_Replay(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})
	header := f.header(t, 50000, 1)

	if w := f.do(header); w.Code != http.StatusOK {
		t.Fatalf("first status = %d; want 200", w.Code)
	}

	f.clock.Set(time.Unix(testT+20, 0))
	w := f.do(header)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("replay status = %d; want 402", w.Code)
	}
	body := decodeRejection(t, w)
	if body.Reason != paygate.ReasonAlreadyUsed || body.Error != "nonce already used" {
		t.Errorf("body = %+v; want already_used", body)
	}
	if f.settler.calls.Load() != 1 {
		t.Errorf("settler calls = %d; want 1", f.settler.calls.Load())
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header func(*gateFixture, *testing.T) string
		now    int64
		reason paygate.Reason
	}{
		{
			name:   "insufficient amount",
			header: func(f *gateFixture, t *testing.T) string { return f.header(t, 10000, 2) },
			now:    testT + 10,
			reason: paygate.ReasonInsufficientAmount,
		},
		{
			name:   "expired",
			header: func(f *gateFixture, t *testing.T) string { return f.header(t, 50000, 3) },
			now:    testT + 300,
			reason: paygate.ReasonExpired,
		},
		{
			name:   "not yet valid",
			header: func(f *gateFixture, t *testing.T) string { return f.header(t, 50000, 4) },
			now:    testT - 1,
			reason: paygate.ReasonNotYetValid,
		},
		{
			name:   "malformed",
			header: func(*gateFixture, *testing.T) string { return "not-base64!!" },
			now:    testT + 10,
			reason: paygate.ReasonMalformedPayment,
		},
		{
			name: "wrong domain",
			header: func(f *gateFixture, t *testing.T) string {
				other := f.requirement
				other.Extra = &paygate.EIP712Domain{Name: "Fake USD", Version: "2"}
				auth, err := f.signer.Authorize(other, big.NewInt(50000), testT, testT+300, [32]byte{5})
				if err != nil {
					t.Fatalf("Authorize() error = %v", err)
				}
				header, _ := encoding.EncodePayment(auth)
				return header
			},
			now:    testT + 10,
			reason: paygate.ReasonInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t, &fakeSettler{})
			header := tt.header(f, t)
			f.clock.Set(time.Unix(tt.now, 0))

			w := f.do(header)

			if w.Code != http.StatusPaymentRequired {
				t.Fatalf("status = %d; want 402", w.Code)
			}
			body := decodeRejection(t, w)
			if body.Reason != tt.reason {
				t.Errorf("reason = %s; want %s", body.Reason, tt.reason)
			}
			if len(body.Accepts) != 1 {
				t.Errorf("Accepts = %+v; want the requirement", body.Accepts)
			}
			if f.settler.calls.Load() != 0 {
				t.Errorf("settler calls = %d; want 0", f.settler.calls.Load())
			}
			if f.served.Load() != 0 {
				t.Errorf("handler calls = %d; want 0", f.served.Load())
			}
		})
	}
}

func TestMiddleware_SettlementFailureReleasesNonce(t *testing.T) {
	settler := &fakeSettler{}
	settler.fail(paygate.NewPaymentError(paygate.ReasonSettlementFailed, "facilitator rejected settlement", paygate.ErrSettlementFailed))
	f := newGateFixture(t, settler)
	header := f.header(t, 50000, 1)

	w := f.do(header)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", w.Code)
	}
	var body helpers.SettlementError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode 502 body: %v", err)
	}
	if body.Reason != paygate.ReasonSettlementFailed || body.X402Version != 1 {
		t.Errorf("body = %+v", body)
	}
	if f.served.Load() != 0 {
		t.Error("handler ran after failed settlement")
	}
	if w.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Error("X-PAYMENT-RESPONSE set on failed settlement")
	}

	if _, err := f.guard.Lookup(context.Background(), [32]byte{1}); !errors.Is(err, replay.ErrNotFound) {
		t.Errorf("Lookup() error = %v; want nonce released", err)
	}

	settler.fail(nil)
	if w := f.do(header); w.Code != http.StatusOK {
		t.Errorf("resubmission status = %d; want 200", w.Code)
	}
}

func TestMiddleware_SettlementTimeout(t *testing.T) {
	settler := &fakeSettler{}
	settler.fail(fmt.Errorf("%w: context deadline exceeded", paygate.ErrSettlementTimeout))
	f := newGateFixture(t, settler)

	w := f.do(f.header(t, 50000, 1))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", w.Code)
	}
	var body helpers.SettlementError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode 502 body: %v", err)
	}
	if body.Reason != paygate.ReasonSettlementTimeout {
		t.Errorf("reason = %s; want settlement_timeout", body.Reason)
	}
	if _, err := f.guard.Lookup(context.Background(), [32]byte{1}); !errors.Is(err, replay.ErrNotFound) {
		t.Errorf("Lookup() error = %v; want nonce released", err)
	}
}

func TestMiddleware_UnknownSettlementErrorIsSettlementFailed(t *testing.T) {
	settler := &fakeSettler{}
	settler.fail(errors.New("boom"))
	f := newGateFixture(t, settler)

	w := f.do(f.header(t, 50000, 1))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", w.Code)
	}
	var body helpers.SettlementError
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Reason != paygate.ReasonSettlementFailed {
		t.Errorf("reason = %s; want settlement_failed", body.Reason)
	}
}

func TestMiddleware_ConcurrentDuplicates(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})
	header := f.header(t, 50000, 1)

	var ok, replayed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch w := f.do(header); w.Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusPaymentRequired:
				replayed.Add(1)
			default:
				t.Errorf("status = %d", w.Code)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || replayed.Load() != 31 {
		t.Errorf("ok = %d, replayed = %d; want 1, 31", ok.Load(), replayed.Load())
	}
	if f.settler.calls.Load() != 1 {
		t.Errorf("settler calls = %d; want 1", f.settler.calls.Load())
	}
}

func TestMiddleware_Paywall(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})

	req := httptest.NewRequest("GET", "/weather", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d; want 402", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %s; want text/html", ct)
	}
}

func TestMiddleware_UnknownResource(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})

	req := httptest.NewRequest("GET", "/unpriced", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", w.Code)
	}
	if f.served.Load() != 0 {
		t.Error("handler ran for unpriced resource")
	}
}

func TestMiddleware_ReplayStoreUnavailable(t *testing.T) {
	clock := &testClock{now: time.Unix(testT+10, 0)}
	requirement := paygate.NewUSDCRequirement(paygate.BaseSepolia, "/weather", testPayTo, "50000", 300)
	registry := paygate.NewRegistry()
	registry.MustRegister("/weather", requirement)

	settler := &fakeSettler{}
	gate := NewGate(registry, replay.NewGuard(unavailableStore{}), settler,
		WithClock(clock.Now), WithLogger(discardLogger))

	signer, _ := evm.NewSigner(testPrivateKey)
	auth, err := signer.Authorize(requirement, big.NewInt(50000), testT, testT+300, [32]byte{9})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	header, _ := encoding.EncodePayment(auth)

	outcome := gate.Process(context.Background(), "/weather", header)
	if outcome.Status != http.StatusServiceUnavailable || outcome.Reason != paygate.ReasonReplayUnavailable {
		t.Errorf("Process() = %d %s; want 503 replay_unavailable", outcome.Status, outcome.Reason)
	}
	if settler.calls.Load() != 0 {
		t.Errorf("settler calls = %d; want 0", settler.calls.Load())
	}
}

type unavailableStore struct{}

func (unavailableStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}
func (unavailableStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}
func (unavailableStore) Get(context.Context, string) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}
func (unavailableStore) Delete(context.Context, string) error {
	return errors.New("dial tcp: connection refused")
}

func TestMiddleware_RequestIDPropagates(t *testing.T) {
	var seen atomic.Value
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(RequestIDHeader))
		writeJSON(t, w, http.StatusOK, paygate.SettleResponse{Success: true, Transaction: "0xabc", Network: "base-sepolia"})
	}))
	defer mockServer.Close()

	clock := &testClock{now: time.Unix(testT+10, 0)}
	requirement := paygate.NewUSDCRequirement(paygate.BaseSepolia, "/weather", testPayTo, "50000", 300)
	registry := paygate.NewRegistry()
	registry.MustRegister("/weather", requirement)
	guard := replay.NewGuard(replay.NewMemoryStore(replay.WithMemoryClock(clock.Now)), replay.WithClock(clock.Now))
	gate := NewGate(registry, guard, NewFacilitatorClient(mockServer.URL, fastTimeouts()),
		WithClock(clock.Now), WithLogger(discardLogger))

	signer, _ := evm.NewSigner(testPrivateKey)
	auth, err := signer.Authorize(requirement, big.NewInt(50000), testT, testT+300, [32]byte{1})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	header, _ := encoding.EncodePayment(auth)

	handler := NewX402Middleware(gate, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/weather", nil)
	req.Header.Set("X-PAYMENT", header)
	req.Header.Set(RequestIDHeader, "trace-7")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200 (body %s)", w.Code, w.Body.String())
	}
	if got, _ := seen.Load().(string); got != "trace-7" {
		t.Errorf("facilitator saw X-Request-ID %q; want trace-7", got)
	}
}

func TestMiddleware_CustomResolver(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})
	handler := NewX402Middleware(f.gate, func(*http.Request) string { return "/weather" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/v2/forecast?days=3", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d; want 402 from resolved resource", w.Code)
	}
}

func TestGetSettlementFromContext_Empty(t *testing.T) {
	if got := GetSettlementFromContext(context.Background()); got != nil {
		t.Errorf("GetSettlementFromContext() = %+v; want nil", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext() = %q; want empty", got)
	}
}

func TestOutcome_Message(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Outcome{Status: http.StatusPaymentRequired}, "payment required"},
		{Outcome{Reason: paygate.ReasonAlreadyUsed, Err: paygate.ErrAlreadyUsed}, "nonce already used"},
		{Outcome{Reason: paygate.ReasonExpired, Err: paygate.NewPaymentError(paygate.ReasonExpired, "too late", paygate.ErrExpired)}, "too late"},
		{Outcome{Reason: paygate.ReasonSettlementTimeout, Err: paygate.ErrSettlementTimeout}, paygate.ErrSettlementTimeout.Error()},
	}
	for _, tt := range tests {
		if got := tt.outcome.Message(); got != tt.want {
			t.Errorf("Message() = %q; want %q", got, tt.want)
		}
	}
}

// settlerFunc adapts a function to facilitator.Settler.
type settlerFunc func(context.Context, paygate.PaymentAuthorization, paygate.PaymentRequirement) (*paygate.SettlementRecord, error)

func (f settlerFunc) Settle(ctx context.Context, auth paygate.PaymentAuthorization, req paygate.PaymentRequirement) (*paygate.SettlementRecord, error) {
	return f(ctx, auth, req)
}

func TestGate_SettlementWithoutTransaction(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})
	f.gate.settler = settlerFunc(func(_ context.Context, auth paygate.PaymentAuthorization, req paygate.PaymentRequirement) (*paygate.SettlementRecord, error) {
		return &paygate.SettlementRecord{State: paygate.SettlementSettled, Network: req.Network, Payer: auth.From}, nil
	})

	w := f.do(f.header(t, 50000, 1))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", w.Code)
	}
	var body helpers.SettlementError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode 502 body: %v", err)
	}
	if body.Reason != paygate.ReasonSettlementFailed {
		t.Errorf("reason = %s; want settlement_failed", body.Reason)
	}
	if w.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Error("X-PAYMENT-RESPONSE set without a transaction")
	}
	if f.served.Load() != 0 {
		t.Error("handler ran without a transaction")
	}
	if _, err := f.guard.Lookup(context.Background(), [32]byte{1}); !errors.Is(err, replay.ErrNotFound) {
		t.Errorf("Lookup() error = %v; want nonce released", err)
	}
}

func TestRequestIDFor(t *testing.T) {
	tests := []struct {
		name  string
		value string
		keep  bool
	}{
		{"uuid", "6f1c2a5e-8d7b-4c1e-9a3f-2b4d6e8f0a1c", true},
		{"short token", "trace-7", true},
		{"dotted", "svc.api:42_a", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"spaces", "trace 7", false},
		{"control characters", "trace\r\nX-Evil: 1", false},
		{"quotes", `"><script>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequestIDFor(tt.value)
			if tt.keep {
				if got != tt.value {
					t.Errorf("RequestIDFor(%q) = %q; want it kept", tt.value, got)
				}
				return
			}
			if got == tt.value {
				t.Fatalf("RequestIDFor(%q) kept an unusable id", tt.value)
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("RequestIDFor(%q) = %q; want a fresh UUID", tt.value, got)
			}
		})
	}
}

func TestMiddleware_ReplacesOversizedRequestID(t *testing.T) {
	f := newGateFixture(t, &fakeSettler{})
	oversized := strings.Repeat("x", 4096)

	req := httptest.NewRequest("GET", "/weather", nil)
	req.Header.Set("X-PAYMENT", "not-base64!")
	req.Header.Set(RequestIDHeader, oversized)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d; want 402", w.Code)
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.events) != 1 {
		t.Fatalf("events = %d; want 1 failure", len(f.events.events))
	}
	if id := f.events.events[0].RequestID; id == oversized || len(id) != 36 {
		t.Errorf("event RequestID = %.40q; want a fresh UUID", id)
	}
}
