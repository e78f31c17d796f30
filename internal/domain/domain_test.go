package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

// ─── Grant Formula Tests ────────────────────────────────────────────────────

func TestBaseGrant(t *testing.T) {
	tests := []struct {
		name           string
		avg, actual    float64
		coinsPerResult int64
		want           int64
	}{
		{"exactly average", 30, 30, 10, 10},
		// ln(1 + 10/2) + 1 = ln(6) + 1 ≈ 2.7918 → ×10 = 27.918 → 28
		{"faster than average", 30, 20, 10, 28},
		// ln(1 − 1) is undefined: clamp
		{"log argument zero", 10, 12, 10, 0},
		{"log argument negative", 10, 500, 10, 0},
		// ln(1 − 0.9) + 1 ≈ −1.30 → negative → clamp
		{"result negative", 10, 11.8, 10, 0},
		{"zero coins per result", 30, 20, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BaseGrant(tt.avg, tt.actual, tt.coinsPerResult)
			if got != tt.want {
				t.Errorf("BaseGrant(%v, %v, %d) = %d, want %d", tt.avg, tt.actual, tt.coinsPerResult, got, tt.want)
			}
		})
	}
}

func TestBaseGrant_NaNInput(t *testing.T) {
	if got := BaseGrant(math.NaN(), 10, 10); got != 0 {
		t.Errorf("BaseGrant(NaN) = %d, want 0", got)
	}
}

func TestBonusMultiplier(t *testing.T) {
	tests := []struct {
		friends int
		want    float64
	}{
		{0, 1},
		{9, 1},
		{10, 1.5},
		{19, 1.5},
		{20, 2 - 1.0/3},
		{90, 1.9},
		{-5, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.friends), func(t *testing.T) {
			got := BonusMultiplier(tt.friends)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("BonusMultiplier(%d) = %f, want %f", tt.friends, got, tt.want)
			}
		})
	}
}

func TestBonusMultiplier_Range(t *testing.T) {
	for n := 0; n < 10_000; n += 7 {
		m := BonusMultiplier(n)
		if m < 1 || m >= 2 {
			t.Fatalf("BonusMultiplier(%d) = %f, outside [1, 2)", n, m)
		}
	}
}

func TestFinalGrant(t *testing.T) {
	// base 28 × 1.5 = 42
	if got := FinalGrant(30, 20, 10, 12); got != 42 {
		t.Errorf("FinalGrant = %d, want 42", got)
	}
	// base 10 × (2 − 1/3) = 16.67 → 16
	if got := FinalGrant(30, 30, 10, 25); got != 16 {
		t.Errorf("FinalGrant = %d, want 16", got)
	}
	if got := FinalGrant(10, 1000, 10, 50); got != 0 {
		t.Errorf("FinalGrant for very slow result = %d, want 0", got)
	}
}

// ─── Result State Tests ─────────────────────────────────────────────────────

func TestResultState_Ordering(t *testing.T) {
	order := []ResultState{
		StateSentToClient, StateReceivedByClient, StateSentToServer,
		StateReceivedByServer, StateValidated,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%s should be below %s", order[i-1], order[i])
		}
	}
	if int(StateSentToClient) != 1 || int(StateValidated) != 5 {
		t.Error("state values must stay 1..5")
	}
}

func TestParseResultState(t *testing.T) {
	for st, name := range stateNames {
		got, err := ParseResultState(name)
		if err != nil {
			t.Fatalf("ParseResultState(%q) error: %v", name, err)
		}
		if got != st {
			t.Errorf("ParseResultState(%q) = %v, want %v", name, got, st)
		}
	}
	if got, err := ParseResultState(" Validated "); err != nil || got != StateValidated {
		t.Errorf("ParseResultState should trim and fold case, got %v, %v", got, err)
	}
	_, err := ParseResultState("lost")
	if !errors.Is(err, ErrInvalidState) || !errors.Is(err, ErrValidation) {
		t.Errorf("ParseResultState(lost) error = %v, want invalid state validation error", err)
	}
}

func TestCalculatedResult_ServerElapsed(t *testing.T) {
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var r CalculatedResult
	if _, ok := r.ServerElapsed(); ok {
		t.Error("unstamped result should not report elapsed time")
	}

	r.Stamp(StateSentToClient, sent)
	if _, ok := r.ServerElapsed(); ok {
		t.Error("result without server receipt should not report elapsed time")
	}

	r.Stamp(StateReceivedByServer, sent)
	if _, ok := r.ServerElapsed(); ok {
		t.Error("identical timestamps should not report elapsed time")
	}

	r.Stamp(StateReceivedByServer, sent.Add(25*time.Minute))
	d, ok := r.ServerElapsed()
	if !ok || d != 25*time.Minute {
		t.Errorf("ServerElapsed() = %v, %v; want 25m, true", d, ok)
	}
}

func TestCalculatedResult_ServerElapsedSkewedClock(t *testing.T) {
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var r CalculatedResult
	r.Stamp(StateSentToClient, sent)
	r.Stamp(StateReceivedByServer, sent.Add(-5*time.Minute))
	if d, ok := r.ServerElapsed(); ok {
		t.Errorf("receipt before hand-out reported elapsed %v", d)
	}
}

func TestCalculatedResult_StampValidatedFillsServerReceipt(t *testing.T) {
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	validated := sent.Add(20 * time.Minute)

	var r CalculatedResult
	r.Stamp(StateSentToClient, sent)
	r.Stamp(StateValidated, validated)
	if r.ReceivedByServerAt == nil || !r.ReceivedByServerAt.Equal(validated) {
		t.Fatalf("ReceivedByServerAt = %v, want %v", r.ReceivedByServerAt, validated)
	}
	if d, ok := r.ServerElapsed(); !ok || d != 20*time.Minute {
		t.Errorf("ServerElapsed() = %v, %v; want 20m, true", d, ok)
	}

	// An earlier receipt is kept.
	var early CalculatedResult
	received := sent.Add(10 * time.Minute)
	early.Stamp(StateSentToClient, sent)
	early.Stamp(StateReceivedByServer, received)
	early.Stamp(StateValidated, validated)
	if !early.ReceivedByServerAt.Equal(received) {
		t.Errorf("ReceivedByServerAt = %v, want %v", early.ReceivedByServerAt, received)
	}
}

func TestResultKey_Validate(t *testing.T) {
	if err := (ResultKey{"rosetta", "wu-1", 7}).Validate(); err != nil {
		t.Errorf("complete key rejected: %v", err)
	}
	for _, k := range []ResultKey{
		{"", "wu-1", 7},
		{"rosetta", "", 7},
		{"rosetta", "wu-1", 0},
	} {
		if err := k.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("Validate(%v) = %v, want validation error", k, err)
		}
	}
}

// ─── Account & Error Tests ──────────────────────────────────────────────────

func TestCoinAccount_Consistent(t *testing.T) {
	tests := []struct {
		acct CoinAccount
		want bool
	}{
		{CoinAccount{}, true},
		{CoinAccount{CurrentBalance: 40, TotalGrant: 100, TotalSpent: 60}, true},
		{CoinAccount{CurrentBalance: 41, TotalGrant: 100, TotalSpent: 60}, false},
		{CoinAccount{CurrentBalance: -1, TotalGrant: 0, TotalSpent: 1}, false},
	}
	for _, tt := range tests {
		if got := tt.acct.Consistent(); got != tt.want {
			t.Errorf("Consistent(%+v) = %v, want %v", tt.acct, got, tt.want)
		}
	}
}

func TestLedgerTransaction_Touches(t *testing.T) {
	src := AccountID(1)
	tx := LedgerTransaction{Source: &src, Destination: 2, Value: 5}
	if !tx.Touches(1) || !tx.Touches(2) || tx.Touches(3) {
		t.Error("Touches should match source and destination only")
	}
	if tx.IsGrant() {
		t.Error("transfer reported as grant")
	}
	if !(LedgerTransaction{Destination: 2, Value: 5}).IsGrant() {
		t.Error("sourceless transaction should be a grant")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{ErrInsufficientFunds, "validation"},
		{fmt.Errorf("transfer: %w", ErrRewardUnavailable), "validation"},
		{fmt.Errorf("grant: %w", ErrConcurrencyTimeout), "timeout"},
		{ErrAlreadyFinalized, "already_finalized"},
		{Invariantf("amount %d", -1), "invariant"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !IsRetryable(fmt.Errorf("x: %w", ErrConcurrencyTimeout)) {
		t.Error("timeouts must be retryable")
	}
	if IsRetryable(ErrInsufficientFunds) {
		t.Error("validation errors must not be retryable")
	}
}
