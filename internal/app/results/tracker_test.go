package results

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/tutu-network/gridcoin/internal/app/ledger"
	"github.com/tutu-network/gridcoin/internal/app/notify"
	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
	"github.com/tutu-network/gridcoin/internal/infra/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type changes struct {
	mu  sync.Mutex
	got []notify.ResultStateChanged
}

func (c *changes) ResultStateChanged(_ context.Context, ch notify.ResultStateChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ch)
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type fixture struct {
	db      *store.DB
	ledger  *ledger.Ledger
	tracker *Tracker
	clock   *clock
	changes *changes
	project domain.Project
	user    domain.User
}

// rosetta: 30 minute average, 10 coins per result. A 20 minute round trip
// earns round((ln 6 + 1) × 10) = 28 coins.
var rosetta = domain.Project{ID: 7, ShortName: "rosetta", Name: "Rosetta@Home", CoinsPerResult: 10, AvgCalcMinutes: 30}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	l := ledger.New(ledger.DefaultConfig(), db, nil, tracer, logging.Nop())
	f := &fixture{
		db:      db,
		ledger:  l,
		clock:   &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		changes: &changes{},
		project: storetest.Project(t, db, rosetta),
		user:    storetest.User(t, db, "alice", domain.RoleUser, "secret"),
	}
	f.tracker = New(DefaultConfig(), Deps{
		DB:        db,
		Ledger:    l,
		Friends:   db,
		Auth:      db,
		Publisher: f.changes,
		Tracer:    tracer,
	}, logging.Nop())
	f.tracker.now = f.clock.Now
	return f
}

func (f *fixture) key(wu string) domain.ResultKey {
	return domain.ResultKey{ProjectShortName: f.project.ShortName, WorkUnitName: wu, UserID: f.user.ID}
}

func (f *fixture) report(t *testing.T, key domain.ResultKey, state domain.ResultState, valid bool) Outcome {
	t.Helper()
	out, err := f.tracker.RegisterResultEvent(context.Background(), key, state, valid)
	require.NoError(t, err, "RegisterResultEvent(%s, %s)", key, state)
	return out
}

func (f *fixture) balance(t *testing.T) domain.CoinAccount {
	t.Helper()
	a, err := f.ledger.Account(context.Background(), f.user.Account)
	require.NoError(t, err)
	require.True(t, a.Consistent(), "account %+v", a)
	return a
}

// roundTrip hands a work unit out and takes it back after d.
func (f *fixture) roundTrip(t *testing.T, key domain.ResultKey, d time.Duration) {
	t.Helper()
	f.report(t, key, domain.StateSentToClient, false)
	f.clock.Advance(d)
	f.report(t, key, domain.StateReceivedByServer, false)
	f.clock.Advance(time.Minute)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestRegister_CreateThenValidateGrantsOnce(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-1")

	out := f.report(t, key, domain.StateSentToClient, false)
	assert.True(t, out.Created)
	assert.Equal(t, domain.StateSentToClient, out.Result.State)
	assert.NotNil(t, out.Result.SentToClientAt)
	assert.Nil(t, out.Grant)

	f.clock.Advance(20 * time.Minute)
	f.report(t, key, domain.StateReceivedByServer, false)

	out = f.report(t, key, domain.StateValidated, true)
	assert.True(t, out.Changed)
	require.NotNil(t, out.Grant)
	assert.Equal(t, int64(28), out.Grant.Value)
	assert.Equal(t, "Project Rosetta@Home", out.Grant.Description)
	assert.True(t, out.Result.Granted)
	assert.True(t, out.Result.Valid)
	assert.Equal(t, int64(28), out.Result.GrantedCoins)

	again := f.report(t, key, domain.StateValidated, true)
	assert.False(t, again.Changed)
	assert.Nil(t, again.Grant)

	a := f.balance(t)
	assert.Equal(t, int64(28), a.CurrentBalance)
	assert.Equal(t, int64(28), a.TotalGrant)

	stored, err := f.tracker.Result(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValidated, stored.State)
	assert.True(t, stored.Granted)
	assert.Equal(t, 3, f.changes.count(), "created, received, validated")
}

func TestRegister_ValidationWithoutServerReceiptGrants(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-direct")

	f.report(t, key, domain.StateSentToClient, false)
	f.clock.Advance(20 * time.Minute)

	out := f.report(t, key, domain.StateValidated, true)
	require.NotNil(t, out.Grant)
	assert.Equal(t, int64(28), out.Grant.Value)
	require.NotNil(t, out.Result.ReceivedByServerAt)
	assert.True(t, out.Result.ReceivedByServerAt.Equal(*out.Result.ValidatedAt))

	// The late receipt is stale and must not grant again.
	f.clock.Advance(time.Minute)
	late := f.report(t, key, domain.StateReceivedByServer, false)
	assert.True(t, late.Stale)
	assert.Nil(t, late.Grant)
	again := f.report(t, key, domain.StateValidated, true)
	assert.Nil(t, again.Grant)

	assert.Equal(t, int64(28), f.balance(t).TotalGrant)
	n := 0
	for _, err := range f.ledger.GetTransactions(context.Background(), f.user.Account) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestRegister_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-dup")

	first := f.report(t, key, domain.StateSentToClient, false)
	f.clock.Advance(time.Minute)
	second := f.report(t, key, domain.StateSentToClient, false)

	assert.False(t, second.Created)
	assert.False(t, second.Changed)
	assert.False(t, second.Stale)
	assert.Equal(t, first.Result.ID, second.Result.ID)
	assert.True(t, first.Result.SentToClientAt.Equal(*second.Result.SentToClientAt), "timestamp must not move")
	assert.Equal(t, 1, f.changes.count())

	rows, err := f.tracker.History(context.Background(), f.user.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRegister_StaleReportIgnored(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-stale")
	f.roundTrip(t, key, 20*time.Minute)
	f.report(t, key, domain.StateValidated, true)
	before := f.balance(t)
	notified := f.changes.count()

	out := f.report(t, key, domain.StateReceivedByClient, false)
	assert.True(t, out.Stale)
	assert.Equal(t, domain.StateValidated, out.Result.State)
	assert.Nil(t, out.Result.ReceivedByClientAt, "stale report must not stamp")
	assert.Equal(t, notified, f.changes.count())
	assert.Equal(t, before, f.balance(t))
}

func TestRegister_OutOfOrderSkipsStates(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-skip")

	out := f.report(t, key, domain.StateSentToServer, false)
	assert.True(t, out.Created)

	out = f.report(t, key, domain.StateReceivedByClient, false)
	assert.True(t, out.Stale)

	out = f.report(t, key, domain.StateValidated, true)
	assert.True(t, out.Changed)
	assert.Nil(t, out.Grant, "no server round trip recorded")
	assert.False(t, out.Result.Granted)
}

func TestRegister_InvalidVerdictNeverGrants(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-invalid")
	f.roundTrip(t, key, 20*time.Minute)

	out := f.report(t, key, domain.StateValidated, false)
	assert.Nil(t, out.Grant)
	assert.False(t, out.Result.Valid)
	assert.False(t, out.Result.Granted)

	// A later valid verdict is a duplicate of the stored state.
	out = f.report(t, key, domain.StateValidated, true)
	assert.False(t, out.Changed)
	assert.Zero(t, f.balance(t).CurrentBalance)
}

func TestRegister_ZeroCoinGrant(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-slow")
	f.roundTrip(t, key, 100*time.Minute)

	out := f.report(t, key, domain.StateValidated, true)
	assert.Nil(t, out.Grant)
	assert.True(t, out.Result.Granted)
	assert.Zero(t, out.Result.GrantedCoins)

	n := 0
	for _, err := range f.ledger.GetTransactions(context.Background(), f.user.Account) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func TestRegister_FriendBonus(t *testing.T) {
	f := newFixture(t)
	for i := range 10 {
		friend := storetest.User(t, f.db, fmt.Sprintf("friend-%d", i), domain.RoleUser, "")
		storetest.Friends(t, f.db, f.user.ID, friend.ID)
		f.report(t, domain.ResultKey{ProjectShortName: f.project.ShortName, WorkUnitName: "f", UserID: friend.ID},
			domain.StateSentToClient, false)
	}
	key := f.key("wu-social")
	f.roundTrip(t, key, 20*time.Minute)

	out := f.report(t, key, domain.StateValidated, true)
	require.NotNil(t, out.Grant)
	assert.Equal(t, int64(42), out.Grant.Value, "28 × 1.5")
}

func TestRegister_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   domain.ResultKey
		state domain.ResultState
		want  error
	}{
		{"incomplete key", domain.ResultKey{ProjectShortName: "rosetta", UserID: f.user.ID}, domain.StateSentToClient, domain.ErrValidation},
		{"invalid state", f.key("x"), domain.StateUnknown, domain.ErrInvalidState},
		{"unknown project", domain.ResultKey{ProjectShortName: "nope", WorkUnitName: "x", UserID: f.user.ID}, domain.StateSentToClient, domain.ErrUnknownProject},
		{"unknown user", domain.ResultKey{ProjectShortName: "rosetta", WorkUnitName: "x", UserID: 9999}, domain.StateSentToClient, domain.ErrUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.RegisterResultEvent(ctx, tt.key, tt.state, false)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "validation", domain.Kind(err))
		})
	}
	assert.Zero(t, f.changes.count())
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestRegister_ConcurrentFirstReports(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-race")

	var created atomic.Int32
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			out, err := f.tracker.RegisterResultEvent(context.Background(), key, domain.StateSentToClient, false)
			if out.Created {
				created.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), created.Load())

	rows, err := f.tracker.History(context.Background(), f.user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRegister_ConcurrentValidationGrantsOnce(t *testing.T) {
	f := newFixture(t)
	key := f.key("wu-validate")
	f.roundTrip(t, key, 20*time.Minute)

	var grants atomic.Int32
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			out, err := f.tracker.RegisterResultEvent(context.Background(), key, domain.StateValidated, true)
			if out.Grant != nil {
				grants.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), grants.Load())
	assert.Equal(t, int64(28), f.balance(t).TotalGrant)
}

// seedOnInsert makes the tracker lose the insert race to a row stored in
// state by a competing report.
func (f *fixture) seedOnInsert(state domain.ResultState) *atomic.Int32 {
	var calls atomic.Int32
	f.tracker.beforeInsert = func(ctx context.Context, tx *store.Tx) error {
		calls.Add(1)
		now := f.clock.Now()
		winner := domain.CalculatedResult{Key: f.key("wu-lost"), State: state, CreatedAt: now, UpdatedAt: now}
		winner.Stamp(state, now)
		_, err := tx.InsertResult(ctx, &winner)
		return err
	}
	return &calls
}

func TestRegister_LostInsertRaceAdvancesWinnerRow(t *testing.T) {
	f := newFixture(t)
	calls := f.seedOnInsert(domain.StateSentToClient)
	key := f.key("wu-lost")

	f.clock.Advance(20 * time.Minute)
	out, err := f.tracker.RegisterResultEvent(context.Background(), key, domain.StateReceivedByServer, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, out.Created)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.StateSentToClient, out.Previous)
	assert.Equal(t, domain.StateReceivedByServer, out.Result.State)
	assert.NotNil(t, out.Result.SentToClientAt)

	rows, err := f.tracker.History(context.Background(), f.user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.Equal(t, 1, f.changes.count())
	assert.False(t, f.changes.got[0].Created)
	assert.Equal(t, domain.StateSentToClient, f.changes.got[0].Previous)
}

func TestRegister_LostInsertRaceSameStateIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedOnInsert(domain.StateSentToClient)

	out, err := f.tracker.RegisterResultEvent(context.Background(), f.key("wu-lost"), domain.StateSentToClient, false)
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.False(t, out.Changed)
	assert.Zero(t, f.changes.count())
}

func TestRegister_InsertConflictRetried(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.tracker.beforeInsert = func(context.Context, *store.Tx) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("insert result: %w", store.ErrConflict)
		}
		return nil
	}

	out, err := f.tracker.RegisterResultEvent(context.Background(), f.key("wu-retry"), domain.StateSentToClient, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, out.Created)
	assert.Equal(t, 1, f.changes.count())
}

func TestRegister_InsertConflictGivesUp(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.tracker.beforeInsert = func(context.Context, *store.Tx) error {
		calls.Add(1)
		return fmt.Errorf("insert result: %w", store.ErrConflict)
	}

	_, err := f.tracker.RegisterResultEvent(context.Background(), f.key("wu-retry"), domain.StateSentToClient, false)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, int32(DefaultConfig().MaxAttempts), calls.Load())
	assert.Zero(t, f.changes.count())
}

// ─── Properties ─────────────────────────────────────────────────────────────

func TestRegister_MonotonicProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	states := []domain.ResultState{
		domain.StateSentToClient, domain.StateReceivedByClient, domain.StateSentToServer,
		domain.StateReceivedByServer, domain.StateValidated,
	}
	var run int

	rapid.Check(t, func(rt *rapid.T) {
		run++
		var user domain.User
		err := f.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			var err error
			user, err = tx.CreateUser(ctx, fmt.Sprintf("p%d", run), domain.RoleUser, "", time.Now())
			return err
		})
		if err != nil {
			rt.Fatalf("CreateUser() error: %v", err)
		}
		keys := []domain.ResultKey{
			{ProjectShortName: "rosetta", WorkUnitName: "a", UserID: user.ID},
			{ProjectShortName: "rosetta", WorkUnitName: "b", UserID: user.ID},
		}

		highest := map[domain.ResultKey]domain.ResultState{}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for range steps {
			key := rapid.SampledFrom(keys).Draw(rt, "key")
			state := rapid.SampledFrom(states).Draw(rt, "state")
			valid := rapid.Bool().Draw(rt, "valid")
			f.clock.Advance(time.Duration(rapid.IntRange(0, 40).Draw(rt, "minutes")) * time.Minute)

			out, err := f.tracker.RegisterResultEvent(ctx, key, state, valid)
			if err != nil {
				rt.Fatalf("RegisterResultEvent(%s, %s) error: %v", key, state, err)
			}
			if state > highest[key] {
				highest[key] = state
			}
			if out.Result.State != highest[key] {
				rt.Fatalf("%s state = %s, want %s", key, out.Result.State, highest[key])
			}
			if out.Stale != (state < out.Result.State) {
				rt.Fatalf("%s stale = %v for %s over %s", key, out.Stale, state, out.Result.State)
			}
		}

		var coins int64
		for _, key := range keys {
			r, err := f.db.Result(ctx, key)
			if err != nil {
				continue
			}
			if r.Granted && !(r.State == domain.StateValidated && r.Valid) {
				rt.Fatalf("%s granted without valid validation: %+v", key, r)
			}
			coins += r.GrantedCoins
		}
		a, err := f.db.Account(ctx, user.Account)
		if err != nil {
			rt.Fatal(err)
		}
		if a.TotalGrant != coins || !a.Consistent() {
			rt.Fatalf("account %+v, want total grant %d", a, coins)
		}
	})
}
