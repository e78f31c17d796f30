package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Rewards ────────────────────────────────────────────────────────────────

var rewardColumns = []string{"id", "name", "partner_account", "cost", "remaining_amount"}

// CreateReward inserts a partner offer and returns it with its id.
func (t *Tx) CreateReward(ctx context.Context, r domain.Reward) (domain.Reward, error) {
	if r.Cost <= 0 || r.RemainingAmount < 0 {
		return r, fmt.Errorf("%w: reward cost must be positive and stock non-negative", domain.ErrValidation)
	}
	row, err := t.queryRow(ctx, t.sb.Insert("rewards").
		Columns("name", "partner_account", "cost", "remaining_amount").
		Values(r.Name, int64(r.PartnerAccount), r.Cost, r.RemainingAmount).
		Suffix("RETURNING id"))
	if err != nil {
		return r, err
	}
	if err := row.Scan(&r.ID); err != nil {
		return r, fmt.Errorf("insert reward %q: %w", r.Name, err)
	}
	return r, nil
}

func (q *queries) reward(ctx context.Context, id int64, lock bool) (domain.Reward, error) {
	b := q.sb.Select(rewardColumns...).From("rewards").Where(sq.Eq{"id": id})
	if lock {
		b = q.forUpdate(b)
	}
	row, err := q.queryRow(ctx, b)
	if err != nil {
		return domain.Reward{}, err
	}
	var r domain.Reward
	err = row.Scan(&r.ID, &r.Name, &r.PartnerAccount, &r.Cost, &r.RemainingAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %d", domain.ErrUnknownReward, id)
	}
	return r, err
}

// Reward reads a reward without locking it.
func (q *queries) Reward(ctx context.Context, id int64) (domain.Reward, error) {
	return q.reward(ctx, id, false)
}

// LockReward reads a reward under an exclusive row lock.
func (t *Tx) LockReward(ctx context.Context, id int64) (domain.Reward, error) {
	return t.reward(ctx, id, true)
}

// DecrementRewardStock removes amount units if that many remain. It reports
// false, changing nothing, when stock is short.
func (t *Tx) DecrementRewardStock(ctx context.Context, id, amount int64) (bool, error) {
	res, err := t.exec(ctx, t.sb.Update("rewards").
		Set("remaining_amount", sq.Expr("remaining_amount - ?", amount)).
		Where(sq.And{sq.Eq{"id": id}, sq.GtOrEq{"remaining_amount": amount}}))
	if err != nil {
		return false, fmt.Errorf("decrement reward %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ─── Purchases ──────────────────────────────────────────────────────────────

var purchaseColumns = []string{"id", "buyer_id", "reward_id", "amount", "total_cost", "transaction_id", "created_at"}

// InsertPurchase records a committed purchase.
func (t *Tx) InsertPurchase(ctx context.Context, p domain.Purchase) error {
	_, err := t.exec(ctx, t.sb.Insert("purchases").
		Columns(purchaseColumns...).
		Values(p.ID, int64(p.Buyer), p.RewardID, p.Amount, p.TotalCost, p.TransactionID, toNanos(p.CreatedAt)))
	if err != nil {
		return fmt.Errorf("insert purchase %s: %w", p.ID, err)
	}
	return nil
}

// PurchasesByBuyer lists a user's purchases, oldest first.
func (q *queries) PurchasesByBuyer(ctx context.Context, buyer domain.UserID) ([]domain.Purchase, error) {
	rows, err := q.query(ctx, q.sb.Select(purchaseColumns...).From("purchases").
		Where(sq.Eq{"buyer_id": int64(buyer)}).
		OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		var (
			p       domain.Purchase
			created int64
		)
		if err := rows.Scan(&p.ID, &p.Buyer, &p.RewardID, &p.Amount, &p.TotalCost, &p.TransactionID, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Reward Stock ───────────────────────────────────────────────────────────

// RewardStock manages reward inventory inside the caller's transaction.
type RewardStock struct{}

// CheckAndReserveStock locks the reward row and reports whether amount units
// remain.
func (RewardStock) CheckAndReserveStock(ctx context.Context, tx *Tx, rewardID, amount int64) (bool, error) {
	r, err := tx.LockReward(ctx, rewardID)
	if err != nil {
		return false, err
	}
	return r.RemainingAmount >= amount, nil
}

// Decrement removes amount units or fails with domain.ErrRewardUnavailable.
func (RewardStock) Decrement(ctx context.Context, tx *Tx, rewardID, amount int64) error {
	ok, err := tx.DecrementRewardStock(ctx, rewardID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reward %d has fewer than %d left", domain.ErrRewardUnavailable, rewardID, amount)
	}
	return nil
}
