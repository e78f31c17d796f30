package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Calculated Results ─────────────────────────────────────────────────────

var resultColumns = []string{
	"id", "project_short_name", "work_unit_name", "user_id", "state",
	"sent_to_client_at", "received_by_client_at", "sent_to_server_at",
	"received_by_server_at", "validated_at",
	"valid", "granted", "granted_coins", "created_at", "updated_at",
}

func keyEq(k domain.ResultKey) sq.Eq {
	return sq.Eq{
		"project_short_name": k.ProjectShortName,
		"work_unit_name":     k.WorkUnitName,
		"user_id":            int64(k.UserID),
	}
}

func scanResult(row interface{ Scan(...any) error }) (domain.CalculatedResult, error) {
	var (
		r                                  domain.CalculatedResult
		state, valid, granted              int
		sentC, recvC, sentS, recvS, valdAt sql.NullInt64
		created, updated                   int64
	)
	err := row.Scan(&r.ID, &r.Key.ProjectShortName, &r.Key.WorkUnitName, &r.Key.UserID, &state,
		&sentC, &recvC, &sentS, &recvS, &valdAt,
		&valid, &granted, &r.GrantedCoins, &created, &updated)
	if err != nil {
		return r, err
	}
	r.State = domain.ResultState(state)
	r.SentToClientAt = timePtr(sentC)
	r.ReceivedByClientAt = timePtr(recvC)
	r.SentToServerAt = timePtr(sentS)
	r.ReceivedByServerAt = timePtr(recvS)
	r.ValidatedAt = timePtr(valdAt)
	r.Valid = valid == 1
	r.Granted = granted == 1
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

func (q *queries) result(ctx context.Context, key domain.ResultKey, lock bool) (domain.CalculatedResult, bool, error) {
	b := q.sb.Select(resultColumns...).From("calculated_results").Where(keyEq(key))
	if lock {
		b = q.forUpdate(b)
	}
	row, err := q.queryRow(ctx, b)
	if err != nil {
		return domain.CalculatedResult{}, false, err
	}
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("read result %s: %w", key, err)
	}
	return r, true, nil
}

// Result reads a result by natural key, or ErrNotFound.
func (q *queries) Result(ctx context.Context, key domain.ResultKey) (domain.CalculatedResult, error) {
	r, found, err := q.result(ctx, key, false)
	if err == nil && !found {
		err = fmt.Errorf("%w: result %s", ErrNotFound, key)
	}
	return r, err
}

// LockResult reads a result under an exclusive row lock. found is false when
// no row exists yet.
func (t *Tx) LockResult(ctx context.Context, key domain.ResultKey) (r domain.CalculatedResult, found bool, err error) {
	return t.result(ctx, key, true)
}

// InsertResult inserts r unless a row with the same natural key exists.
// inserted is false when another writer got there first; r.ID is set
// otherwise.
func (t *Tx) InsertResult(ctx context.Context, r *domain.CalculatedResult) (inserted bool, err error) {
	row, err := t.queryRow(ctx, t.sb.Insert("calculated_results").
		Columns(resultColumns[1:]...).
		Values(
			r.Key.ProjectShortName, r.Key.WorkUnitName, int64(r.Key.UserID), int(r.State),
			nullNanos(r.SentToClientAt), nullNanos(r.ReceivedByClientAt), nullNanos(r.SentToServerAt),
			nullNanos(r.ReceivedByServerAt), nullNanos(r.ValidatedAt),
			boolToInt(r.Valid), boolToInt(r.Granted), r.GrantedCoins,
			toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
		).
		Suffix("ON CONFLICT (project_short_name, work_unit_name, user_id) DO NOTHING RETURNING id"))
	if err != nil {
		return false, err
	}
	switch err := row.Scan(&r.ID); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("insert result %s: %w", r.Key, err)
	}
	return true, nil
}

// UpdateResult writes back the mutable columns of a locked result.
func (t *Tx) UpdateResult(ctx context.Context, r domain.CalculatedResult) error {
	res, err := t.exec(ctx, t.sb.Update("calculated_results").
		SetMap(map[string]any{
			"state":                 int(r.State),
			"sent_to_client_at":     nullNanos(r.SentToClientAt),
			"received_by_client_at": nullNanos(r.ReceivedByClientAt),
			"sent_to_server_at":     nullNanos(r.SentToServerAt),
			"received_by_server_at": nullNanos(r.ReceivedByServerAt),
			"validated_at":          nullNanos(r.ValidatedAt),
			"valid":                 boolToInt(r.Valid),
			"granted":               boolToInt(r.Granted),
			"granted_coins":         r.GrantedCoins,
			"updated_at":            toNanos(r.UpdatedAt),
		}).
		Where(sq.Eq{"id": r.ID}))
	if err != nil {
		return fmt.Errorf("update result %s: %w", r.Key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: result %d", ErrNotFound, r.ID)
	}
	return nil
}

// ResultsByUser lists a user's results, newest first.
func (q *queries) ResultsByUser(ctx context.Context, user domain.UserID, limit uint64) ([]domain.CalculatedResult, error) {
	rows, err := q.query(ctx, q.sb.Select(resultColumns...).From("calculated_results").
		Where(sq.Eq{"user_id": int64(user)}).
		OrderBy("id DESC").
		Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CalculatedResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
