package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Coin Accounts ──────────────────────────────────────────────────────────

var accountColumns = []string{
	"id", "owner_kind", "owner_id", "current_balance", "total_grant", "total_spent", "created_at",
}

func scanAccount(row interface{ Scan(...any) error }) (domain.CoinAccount, error) {
	var (
		a       domain.CoinAccount
		kind    string
		created int64
	)
	err := row.Scan(&a.ID, &kind, &a.Owner.ID, &a.CurrentBalance, &a.TotalGrant, &a.TotalSpent, &created)
	a.Owner.Kind = domain.OwnerKind(kind)
	a.CreatedAt = fromNanos(created)
	return a, err
}

// Account reads one account without locking it.
func (q *queries) Account(ctx context.Context, id domain.AccountID) (domain.CoinAccount, error) {
	row, err := q.queryRow(ctx, q.sb.Select(accountColumns...).From("coin_accounts").Where(sq.Eq{"id": int64(id)}))
	if err != nil {
		return domain.CoinAccount{}, err
	}
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: %d", domain.ErrUnknownAccount, id)
	}
	return a, err
}

// AccountByOwner finds the account held by owner.
func (q *queries) AccountByOwner(ctx context.Context, owner domain.AccountOwner) (domain.CoinAccount, error) {
	row, err := q.queryRow(ctx, q.sb.Select(accountColumns...).From("coin_accounts").
		Where(sq.Eq{"owner_kind": string(owner.Kind), "owner_id": int64(owner.ID)}))
	if err != nil {
		return domain.CoinAccount{}, err
	}
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: owner %s", domain.ErrUnknownAccount, owner)
	}
	return a, err
}

// CreateAccount opens a zero-balance account for owner.
func (t *Tx) CreateAccount(ctx context.Context, owner domain.AccountOwner, now time.Time) (domain.CoinAccount, error) {
	a := domain.CoinAccount{Owner: owner, CreatedAt: now.UTC()}
	row, err := t.queryRow(ctx, t.sb.Insert("coin_accounts").
		Columns("owner_kind", "owner_id", "current_balance", "total_grant", "total_spent", "created_at").
		Values(string(owner.Kind), int64(owner.ID), 0, 0, 0, toNanos(now)).
		Suffix("RETURNING id"))
	if err != nil {
		return a, err
	}
	if err := row.Scan(&a.ID); err != nil {
		return a, fmt.Errorf("insert account for %s: %w", owner, err)
	}
	return a, nil
}

// LockAccounts takes exclusive row locks on ids in ascending order, the
// global lock order shared by every writer. Duplicates are locked once.
// Any missing id yields domain.ErrUnknownAccount.
func (t *Tx) LockAccounts(ctx context.Context, ids ...domain.AccountID) (map[domain.AccountID]domain.CoinAccount, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	out := make(map[domain.AccountID]domain.CoinAccount, len(ordered))
	for _, id := range ordered {
		row, err := t.queryRow(ctx, t.forUpdate(
			t.sb.Select(accountColumns...).From("coin_accounts").Where(sq.Eq{"id": int64(id)})))
		if err != nil {
			return nil, err
		}
		a, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", domain.ErrUnknownAccount, id)
		}
		if err != nil {
			return nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		out[id] = a
	}
	return out, nil
}

// ApplyAccountDelta adjusts the three balance columns of a locked account.
func (t *Tx) ApplyAccountDelta(ctx context.Context, id domain.AccountID, balance, granted, spent int64) error {
	res, err := t.exec(ctx, t.sb.Update("coin_accounts").
		Set("current_balance", sq.Expr("current_balance + ?", balance)).
		Set("total_grant", sq.Expr("total_grant + ?", granted)).
		Set("total_spent", sq.Expr("total_spent + ?", spent)).
		Where(sq.Eq{"id": int64(id)}))
	if err != nil {
		return fmt.Errorf("update account %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %d", domain.ErrUnknownAccount, id)
	}
	return nil
}

// ─── Ledger Transactions ────────────────────────────────────────────────────

var transactionColumns = []string{
	"id", "source_account", "destination_account", "value", "description", "created_at",
}

func scanTransaction(row interface{ Scan(...any) error }) (domain.LedgerTransaction, error) {
	var (
		lt      domain.LedgerTransaction
		src     sql.NullInt64
		created int64
	)
	if err := row.Scan(&lt.ID, &src, &lt.Destination, &lt.Value, &lt.Description, &created); err != nil {
		return lt, err
	}
	if src.Valid {
		s := domain.AccountID(src.Int64)
		lt.Source = &s
	}
	lt.CreatedAt = fromNanos(created)
	return lt, nil
}

// InsertTransaction appends lt and returns it with its assigned id.
func (t *Tx) InsertTransaction(ctx context.Context, lt domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	var src sql.NullInt64
	if lt.Source != nil {
		src = sql.NullInt64{Int64: int64(*lt.Source), Valid: true}
	}
	row, err := t.queryRow(ctx, t.sb.Insert("ledger_transactions").
		Columns("source_account", "destination_account", "value", "description", "created_at").
		Values(src, int64(lt.Destination), lt.Value, lt.Description, toNanos(lt.CreatedAt)).
		Suffix("RETURNING id"))
	if err != nil {
		return lt, err
	}
	if err := row.Scan(&lt.ID); err != nil {
		return lt, fmt.Errorf("insert ledger transaction: %w", err)
	}
	return lt, nil
}

// TransactionsPage returns up to limit transactions touching account with
// id > afterID, oldest first.
func (q *queries) TransactionsPage(ctx context.Context, account domain.AccountID, afterID int64, limit uint64) ([]domain.LedgerTransaction, error) {
	rows, err := q.query(ctx, q.sb.Select(transactionColumns...).From("ledger_transactions").
		Where(sq.And{
			sq.Or{sq.Eq{"source_account": int64(account)}, sq.Eq{"destination_account": int64(account)}},
			sq.Gt{"id": afterID},
		}).
		OrderBy("id").
		Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []domain.LedgerTransaction
	for rows.Next() {
		lt, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, lt)
	}
	return page, rows.Err()
}

// TransactionTotals sums the values credited to and debited from account.
func (q *queries) TransactionTotals(ctx context.Context, account domain.AccountID) (credited, debited int64, err error) {
	row, err := q.queryRow(ctx, q.sb.Select().
		Column(sq.Expr("COALESCE(SUM(CASE WHEN destination_account = ? THEN value ELSE 0 END), 0)", int64(account))).
		Column(sq.Expr("COALESCE(SUM(CASE WHEN source_account = ? THEN value ELSE 0 END), 0)", int64(account))).
		From("ledger_transactions").
		Where(sq.Or{sq.Eq{"source_account": int64(account)}, sq.Eq{"destination_account": int64(account)}}))
	if err != nil {
		return 0, 0, err
	}
	err = row.Scan(&credited, &debited)
	return credited, debited, err
}
