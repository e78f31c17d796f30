// Package ledger moves coins between accounts. It is the only writer of
// account balances.
//
// Every mutation:
//  1. Locks the touched accounts in ascending id order
//  2. Checks amounts and balances against the locked rows
//  3. Updates balances and appends exactly one ledger transaction
//  4. Publishes TransactionDone once the surrounding transaction commits
//
// The *Tx variants run inside a caller's store transaction so purchases and
// result grants commit or roll back together with their own rows.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// Publisher is told about every committed ledger transaction.
type Publisher interface {
	TransactionDone(ctx context.Context, tx domain.LedgerTransaction)
}

type nopPublisher struct{}

func (nopPublisher) TransactionDone(context.Context, domain.LedgerTransaction) {}

// Config controls ledger behavior.
type Config struct {
	PageSize uint64 // rows fetched per GetTransactions page (default: 100)
}

// DefaultConfig returns ledger defaults.
func DefaultConfig() Config {
	return Config{PageSize: 100}
}

// Ledger is the coin ledger.
type Ledger struct {
	cfg    Config
	db     *store.DB
	pub    Publisher
	tracer *observability.Tracer
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a ledger. pub may be nil.
func New(cfg Config, db *store.DB, pub Publisher, tracer *observability.Tracer, log zerolog.Logger) *Ledger {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Ledger{
		cfg:    cfg,
		db:     db,
		pub:    pub,
		tracer: tracer,
		log:    log.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// ─── Grants ─────────────────────────────────────────────────────────────────

// Grant credits destination with amount new coins.
func (l *Ledger) Grant(ctx context.Context, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error) {
	span := l.tracer.StartSpan(ctx, "ledger.grant", map[string]string{
		"destination": strconv.FormatInt(int64(destination), 10),
		"amount":      strconv.FormatInt(amount, 10),
	})
	var lt domain.LedgerTransaction
	err := l.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		lt, err = l.GrantTx(ctx, tx, destination, amount, description)
		return err
	})
	l.tracer.EndSpan(span, err)
	l.record("grant", lt, err)
	return lt, err
}

// GrantTx is Grant inside the caller's transaction.
func (l *Ledger) GrantTx(ctx context.Context, tx *store.Tx, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error) {
	if amount <= 0 {
		return domain.LedgerTransaction{}, domain.Invariantf("grant of %d coins to account %d", amount, destination)
	}
	accts, err := tx.LockAccounts(ctx, destination)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	dst := accts[destination]
	if dst.CurrentBalance > math.MaxInt64-amount || dst.TotalGrant > math.MaxInt64-amount {
		return domain.LedgerTransaction{}, domain.Invariantf("grant of %d overflows account %d", amount, destination)
	}

	if err := tx.ApplyAccountDelta(ctx, destination, amount, amount, 0); err != nil {
		return domain.LedgerTransaction{}, err
	}
	return l.append(ctx, tx, domain.LedgerTransaction{
		Destination: destination,
		Value:       amount,
		Description: description,
	})
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// Transfer moves amount coins from source to destination.
func (l *Ledger) Transfer(ctx context.Context, source, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error) {
	span := l.tracer.StartSpan(ctx, "ledger.transfer", map[string]string{
		"source":      strconv.FormatInt(int64(source), 10),
		"destination": strconv.FormatInt(int64(destination), 10),
		"amount":      strconv.FormatInt(amount, 10),
	})
	var lt domain.LedgerTransaction
	err := l.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		lt, err = l.TransferTx(ctx, tx, source, destination, amount, description)
		return err
	})
	l.tracer.EndSpan(span, err)
	l.record("transfer", lt, err)
	return lt, err
}

// TransferTx is Transfer inside the caller's transaction. Accounts already
// locked by the caller are re-locked, which is a no-op.
func (l *Ledger) TransferTx(ctx context.Context, tx *store.Tx, source, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error) {
	if source == destination {
		return domain.LedgerTransaction{}, fmt.Errorf("%w: transfer from account %d to itself", domain.ErrValidation, source)
	}
	if amount <= 0 {
		return domain.LedgerTransaction{}, domain.Invariantf("transfer of %d coins from %d to %d", amount, source, destination)
	}
	accts, err := tx.LockAccounts(ctx, source, destination)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	src, dst := accts[source], accts[destination]
	if src.CurrentBalance < amount {
		return domain.LedgerTransaction{}, fmt.Errorf("%w: account %d has %d, needs %d",
			domain.ErrInsufficientFunds, source, src.CurrentBalance, amount)
	}
	if dst.CurrentBalance > math.MaxInt64-amount || dst.TotalGrant > math.MaxInt64-amount {
		return domain.LedgerTransaction{}, domain.Invariantf("transfer of %d overflows account %d", amount, destination)
	}

	if err := tx.ApplyAccountDelta(ctx, source, -amount, 0, amount); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if err := tx.ApplyAccountDelta(ctx, destination, amount, amount, 0); err != nil {
		return domain.LedgerTransaction{}, err
	}
	return l.append(ctx, tx, domain.LedgerTransaction{
		Source:      &source,
		Destination: destination,
		Value:       amount,
		Description: description,
	})
}

// append records lt and schedules its notification for after commit.
func (l *Ledger) append(ctx context.Context, tx *store.Tx, lt domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	lt.CreatedAt = l.now().UTC()
	lt, err := tx.InsertTransaction(ctx, lt)
	if err != nil {
		return lt, err
	}
	notifyCtx := context.WithoutCancel(ctx)
	tx.OnCommit(func() { l.pub.TransactionDone(notifyCtx, lt) })
	return lt, nil
}

func (l *Ledger) record(op string, lt domain.LedgerTransaction, err error) {
	kind := domain.Kind(err)
	observability.LedgerOperations.WithLabelValues(op, kind).Inc()
	switch kind {
	case "none":
		observability.CoinsMoved.WithLabelValues(op).Add(float64(lt.Value))
		l.log.Debug().Str("op", op).Int64("tx", lt.ID).Int64("value", lt.Value).Msg("committed")
	case "invariant", "internal":
		l.log.Error().Err(err).Str("op", op).Msg("ledger operation failed")
	default:
		l.log.Debug().Err(err).Str("op", op).Msg("ledger operation rejected")
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// GetTransactions lazily yields every transaction touching account, oldest
// first. Pages are read without locks and no connection is held between
// pages, so the sequence may be consumed slowly or abandoned early.
func (l *Ledger) GetTransactions(ctx context.Context, account domain.AccountID) iter.Seq2[domain.LedgerTransaction, error] {
	return func(yield func(domain.LedgerTransaction, error) bool) {
		var after int64
		for {
			page, err := l.db.TransactionsPage(ctx, account, after, l.cfg.PageSize)
			if err != nil {
				yield(domain.LedgerTransaction{}, fmt.Errorf("read transactions of account %d: %w", account, err))
				return
			}
			for _, lt := range page {
				if !yield(lt, nil) {
					return
				}
			}
			if uint64(len(page)) < l.cfg.PageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// OpenAccount opens a zero-balance account for owner.
func (l *Ledger) OpenAccount(ctx context.Context, owner domain.AccountOwner) (domain.CoinAccount, error) {
	if owner.Kind != domain.OwnerUser && owner.Kind != domain.OwnerPartner {
		return domain.CoinAccount{}, fmt.Errorf("%w: unknown owner kind %q", domain.ErrValidation, owner.Kind)
	}
	var a domain.CoinAccount
	err := l.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		a, err = tx.CreateAccount(ctx, owner, l.now())
		return err
	})
	if err != nil {
		return a, fmt.Errorf("open account for %s: %w", owner, err)
	}
	l.log.Info().Int64("account", int64(a.ID)).Stringer("owner", owner).Msg("account opened")
	return a, nil
}

// Account reads the current state of one account.
func (l *Ledger) Account(ctx context.Context, id domain.AccountID) (domain.CoinAccount, error) {
	return l.db.Account(ctx, id)
}

// AuditReport compares an account's balances with its transaction history.
type AuditReport struct {
	Account    domain.CoinAccount `json:"account"`
	Credited   int64              `json:"credited"`
	Debited    int64              `json:"debited"`
	Consistent bool               `json:"consistent"`
}

// Audit recomputes the account's totals from the ledger under a lock. The
// account is consistent when its balances are and total_grant equals all
// credits and total_spent all debits.
func (l *Ledger) Audit(ctx context.Context, id domain.AccountID) (AuditReport, error) {
	var rep AuditReport
	err := l.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		accts, err := tx.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		rep.Account = accts[id]
		rep.Credited, rep.Debited, err = tx.TransactionTotals(ctx, id)
		return err
	})
	if err != nil {
		return rep, err
	}
	rep.Consistent = rep.Account.Consistent() &&
		rep.Account.TotalGrant == rep.Credited &&
		rep.Account.TotalSpent == rep.Debited
	if !rep.Consistent {
		l.log.Error().Int64("account", int64(id)).
			Int64("credited", rep.Credited).Int64("debited", rep.Debited).
			Int64("total_grant", rep.Account.TotalGrant).Int64("total_spent", rep.Account.TotalSpent).
			Msg("ledger integrity violated")
	}
	return rep, nil
}
