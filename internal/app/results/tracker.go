// Package results reconciles work-unit status reports into one monotonic
// state per (project, work unit, user) and grants coins exactly once when a
// result is validated.
//
// Reports arrive from two channels (the volunteer's client and the grid
// provider), possibly duplicated and in any order. The stored state only
// ever moves forward:
//   - same state:   no-op
//   - lower state:  stale, ignored entirely
//   - higher state: state and its timestamp recorded, grant checked
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/app/notify"
	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// Granter credits coins inside a caller's transaction.
type Granter interface {
	GrantTx(ctx context.Context, tx *store.Tx, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error)
}

// Publisher is told about committed result creations and transitions.
type Publisher interface {
	ResultStateChanged(ctx context.Context, change notify.ResultStateChanged)
}

type nopPublisher struct{}

func (nopPublisher) ResultStateChanged(context.Context, notify.ResultStateChanged) {}

// Config controls tracker behavior.
type Config struct {
	MaxAttempts int // attempts when two first reports race on insert (default: 3)
}

// DefaultConfig returns tracker defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// Deps are the tracker's collaborators. Publisher and Tracer may be nil;
// Friends and Auth default to the store.
type Deps struct {
	DB        *store.DB
	Ledger    Granter
	Friends   domain.FriendGraph
	Auth      domain.Authenticator
	Publisher Publisher
	Tracer    *observability.Tracer
}

// Tracker is the result lifecycle tracker.
type Tracker struct {
	cfg     Config
	db      *store.DB
	ledger  Granter
	friends domain.FriendGraph
	auth    domain.Authenticator
	pub     Publisher
	tracer  *observability.Tracer
	log     zerolog.Logger
	now     func() time.Time

	// beforeInsert, when set, runs between a lock miss and the insert.
	beforeInsert func(ctx context.Context, tx *store.Tx) error
}

// New creates a tracker.
func New(cfg Config, deps Deps, log zerolog.Logger) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	friends, auth := deps.Friends, deps.Auth
	if friends == nil {
		friends = deps.DB
	}
	if auth == nil {
		auth = deps.DB
	}
	return &Tracker{
		cfg:     cfg,
		db:      deps.DB,
		ledger:  deps.Ledger,
		friends: friends,
		auth:    auth,
		pub:     pub,
		tracer:  deps.Tracer,
		log:     log.With().Str("component", "results").Logger(),
		now:     time.Now,
	}
}

// Outcome describes what one report did.
type Outcome struct {
	Result   domain.CalculatedResult   `json:"result"`
	Previous domain.ResultState        `json:"previous,omitempty"`
	Created  bool                      `json:"created"`
	Changed  bool                      `json:"changed"`
	Stale    bool                      `json:"stale"`
	Grant    *domain.LedgerTransaction `json:"grant,omitempty"`
}

func (o Outcome) label() string {
	switch {
	case o.Created:
		return "created"
	case o.Changed:
		return "changed"
	case o.Stale:
		return "stale"
	default:
		return "duplicate"
	}
}

// RegisterResultEvent applies one status report. valid only matters for
// StateValidated.
func (t *Tracker) RegisterResultEvent(ctx context.Context, key domain.ResultKey, state domain.ResultState, valid bool) (Outcome, error) {
	span := t.tracer.StartSpan(ctx, "results.register", map[string]string{
		"result": key.String(),
		"state":  state.String(),
	})
	out, err := t.register(ctx, key, state, valid)
	t.tracer.EndSpan(span, err)

	if err != nil {
		observability.ResultEvents.WithLabelValues(state.String(), "failed").Inc()
		ev := t.log.Debug()
		if k := domain.Kind(err); k == "invariant" || k == "internal" {
			ev = t.log.Error()
		}
		ev.Err(err).Stringer("result", key).Stringer("state", state).Msg("result report failed")
		return out, err
	}

	observability.ResultEvents.WithLabelValues(state.String(), out.label()).Inc()
	switch {
	case out.Stale:
		t.log.Debug().Stringer("result", key).Stringer("reported", state).
			Stringer("current", out.Result.State).Msg("stale report ignored")
	case out.Changed:
		t.log.Debug().Stringer("result", key).Stringer("from", out.Previous).
			Stringer("to", out.Result.State).Bool("created", out.Created).Msg("result advanced")
	}
	if out.Grant != nil {
		observability.ResultGrants.Inc()
		t.log.Info().Stringer("result", key).Int64("coins", out.Grant.Value).Msg("result granted")
	}
	return out, nil
}

func (t *Tracker) register(ctx context.Context, key domain.ResultKey, state domain.ResultState, valid bool) (Outcome, error) {
	if err := key.Validate(); err != nil {
		return Outcome{}, err
	}
	if !state.Valid() {
		return Outcome{}, fmt.Errorf("%w: %d", domain.ErrInvalidState, int(state))
	}

	// Collaborator lookups happen before any row is locked.
	project, err := t.db.ProjectByShortName(ctx, key.ProjectShortName)
	if err != nil {
		return Outcome{}, err
	}
	user, err := t.db.User(ctx, key.UserID)
	if err != nil {
		return Outcome{}, err
	}
	var friends int
	if state == domain.StateValidated && valid {
		if friends, err = t.friends.FriendCountOnProject(ctx, key.UserID, key.ProjectShortName); err != nil {
			return Outcome{}, fmt.Errorf("friend count for %s: %w", key, err)
		}
	}

	var out Outcome
	for attempt := 1; ; attempt++ {
		err = t.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			var err error
			out, err = t.apply(ctx, tx, key, state, valid, project, user, friends)
			return err
		})
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= t.cfg.MaxAttempts {
			return out, err
		}
		t.log.Debug().Err(err).Stringer("result", key).Int("attempt", attempt).Msg("retrying after insert race")
	}
}

// apply runs inside the transaction; the result row is locked before any
// account.
func (t *Tracker) apply(ctx context.Context, tx *store.Tx, key domain.ResultKey, state domain.ResultState, valid bool,
	project domain.Project, user domain.User, friends int) (Outcome, error) {
	now := t.now().UTC()

	cur, found, err := tx.LockResult(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		r := domain.CalculatedResult{Key: key, State: state, CreatedAt: now, UpdatedAt: now}
		r.Stamp(state, now)
		if state == domain.StateValidated {
			r.Valid = valid
		}
		if t.beforeInsert != nil {
			if err := t.beforeInsert(ctx, tx); err != nil {
				return Outcome{}, err
			}
		}
		inserted, err := tx.InsertResult(ctx, &r)
		if err != nil {
			return Outcome{}, err
		}
		if inserted {
			out := Outcome{Result: r, Previous: domain.StateUnknown, Created: true, Changed: true}
			return t.finish(ctx, tx, out, project, user, friends)
		}
		// Lost the insert race: continue against the winner's row.
		if cur, found, err = tx.LockResult(ctx, key); err != nil {
			return Outcome{}, err
		}
		if !found {
			return Outcome{}, fmt.Errorf("%w: result %s vanished after insert race", store.ErrConflict, key)
		}
	}

	switch {
	case state == cur.State:
		return Outcome{Result: cur, Previous: cur.State}, nil
	case state < cur.State:
		return Outcome{Result: cur, Previous: cur.State, Stale: true}, nil
	}

	out := Outcome{Previous: cur.State, Changed: true}
	cur.State = state
	cur.Stamp(state, now)
	if state == domain.StateValidated {
		cur.Valid = valid
	}
	cur.UpdatedAt = now
	out.Result = cur
	return t.finish(ctx, tx, out, project, user, friends)
}

// finish grants if due, persists the row and schedules the notification.
func (t *Tracker) finish(ctx context.Context, tx *store.Tx, out Outcome, project domain.Project, user domain.User, friends int) (Outcome, error) {
	grant, err := t.maybeGrant(ctx, tx, &out.Result, project, user, friends)
	if err != nil {
		return Outcome{}, err
	}
	out.Grant = grant
	// A freshly inserted row is already current unless the grant touched it.
	if !out.Created || out.Result.Granted {
		if err := tx.UpdateResult(ctx, out.Result); err != nil {
			return Outcome{}, err
		}
	}

	change := notify.ResultStateChanged{
		User:     user.ID,
		Project:  project.ShortName,
		Result:   out.Result,
		Previous: out.Previous,
		Created:  out.Created,
	}
	notifyCtx := context.WithoutCancel(ctx)
	tx.OnCommit(func() { t.pub.ResultStateChanged(notifyCtx, change) })
	return out, nil
}

// maybeGrant credits the user once the result is validated, valid, not yet
// granted and has a measurable server round trip. A zero-coin result is
// marked granted without a ledger transaction.
func (t *Tracker) maybeGrant(ctx context.Context, tx *store.Tx, r *domain.CalculatedResult,
	project domain.Project, user domain.User, friends int) (*domain.LedgerTransaction, error) {
	if r.State != domain.StateValidated || !r.Valid || r.Granted {
		return nil, nil
	}
	elapsed, ok := r.ServerElapsed()
	if !ok {
		t.log.Debug().Stringer("result", r.Key).Msg("validated without server round trip, no grant")
		return nil, nil
	}

	coins := domain.FinalGrant(project.AvgCalcMinutes, elapsed.Minutes(), project.CoinsPerResult, friends)
	r.Granted = true
	r.GrantedCoins = coins
	if coins == 0 {
		return nil, nil
	}
	lt, err := t.ledger.GrantTx(ctx, tx, user.Account, coins, "Project "+project.Name)
	if err != nil {
		return nil, fmt.Errorf("grant %d coins for %s: %w", coins, r.Key, err)
	}
	return &lt, nil
}

// History lists a user's most recent results.
func (t *Tracker) History(ctx context.Context, user domain.UserID, limit int) ([]domain.CalculatedResult, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.db.ResultsByUser(ctx, user, uint64(limit))
}

// Result reads one result by key.
func (t *Tracker) Result(ctx context.Context, key domain.ResultKey) (domain.CalculatedResult, error) {
	r, err := t.db.Result(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return r, fmt.Errorf("%w: no result %s", domain.ErrValidation, key)
	}
	return r, err
}
