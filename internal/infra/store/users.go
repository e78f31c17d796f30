package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Users ──────────────────────────────────────────────────────────────────

var userColumns = []string{"id", "name", "role", "auth_token", "account_id"}

// CreateUser inserts a user and opens its coin account. Partners get a
// partner-owned account; everyone else a user-owned one.
func (t *Tx) CreateUser(ctx context.Context, name string, role domain.Role, token string, now time.Time) (domain.User, error) {
	if !role.Valid() {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	u := domain.User{Name: name, Role: role, AuthToken: token}

	row, err := t.queryRow(ctx, t.sb.Insert("users").
		Columns("name", "role", "auth_token", "created_at").
		Values(name, string(role), token, toNanos(now)).
		Suffix("RETURNING id"))
	if err != nil {
		return u, err
	}
	if err := row.Scan(&u.ID); err != nil {
		return u, fmt.Errorf("insert user %q: %w", name, err)
	}

	kind := domain.OwnerUser
	if role == domain.RolePartner {
		kind = domain.OwnerPartner
	}
	acct, err := t.CreateAccount(ctx, domain.AccountOwner{Kind: kind, ID: u.ID}, now)
	if err != nil {
		return u, err
	}
	u.Account = acct.ID

	if _, err := t.exec(ctx, t.sb.Update("users").
		Set("account_id", int64(acct.ID)).
		Where(sq.Eq{"id": int64(u.ID)})); err != nil {
		return u, fmt.Errorf("link account to user %d: %w", u.ID, err)
	}
	return u, nil
}

// User reads one user.
func (q *queries) User(ctx context.Context, id domain.UserID) (domain.User, error) {
	row, err := q.queryRow(ctx, q.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": int64(id)}))
	if err != nil {
		return domain.User{}, err
	}
	var (
		u    domain.User
		role string
		acct sql.NullInt64
	)
	err = row.Scan(&u.ID, &u.Name, &role, &u.AuthToken, &acct)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("%w: %d", domain.ErrUnknownUser, id)
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.Account = domain.AccountID(acct.Int64)
	return u, nil
}

// SetUserRole changes a user's role.
func (t *Tx) SetUserRole(ctx context.Context, id domain.UserID, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	res, err := t.exec(ctx, t.sb.Update("users").Set("role", string(role)).Where(sq.Eq{"id": int64(id)}))
	if err != nil {
		return fmt.Errorf("set role of user %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: %d", domain.ErrUnknownUser, id)
	}
	return nil
}

// Authenticate checks a client token against the user's stored token.
// Users without a token cannot authenticate.
func (q *queries) Authenticate(ctx context.Context, user domain.UserID, token string) error {
	u, err := q.User(ctx, user)
	if errors.Is(err, domain.ErrUnknownUser) {
		return fmt.Errorf("%w: user %d", domain.ErrUnauthorized, user)
	}
	if err != nil {
		return err
	}
	if u.AuthToken == "" || subtle.ConstantTimeCompare([]byte(u.AuthToken), []byte(token)) != 1 {
		return fmt.Errorf("%w: user %d", domain.ErrUnauthorized, user)
	}
	return nil
}

// ─── Friendships ────────────────────────────────────────────────────────────

// AddFriendship records a mutual friendship. Re-adding is a no-op.
func (t *Tx) AddFriendship(ctx context.Context, a, b domain.UserID) error {
	if a == b {
		return fmt.Errorf("%w: user %d cannot befriend itself", domain.ErrValidation, a)
	}
	for _, pair := range [][2]domain.UserID{{a, b}, {b, a}} {
		if _, err := t.exec(ctx, t.sb.Insert("friendships").
			Columns("user_id", "friend_id").
			Values(int64(pair[0]), int64(pair[1])).
			Suffix("ON CONFLICT (user_id, friend_id) DO NOTHING")); err != nil {
			return fmt.Errorf("add friendship %d-%d: %w", a, b, err)
		}
	}
	return nil
}

// FriendCountOnProject counts the user's friends with at least one result
// on the project.
func (q *queries) FriendCountOnProject(ctx context.Context, user domain.UserID, projectShortName string) (int, error) {
	row, err := q.queryRow(ctx, q.sb.Select("COUNT(DISTINCT f.friend_id)").
		From("friendships f").
		Join("calculated_results r ON r.user_id = f.friend_id").
		Where(sq.Eq{"f.user_id": int64(user), "r.project_short_name": projectShortName}))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count friends of %d on %s: %w", user, projectShortName, err)
	}
	return n, nil
}

// ─── Projects ───────────────────────────────────────────────────────────────

var projectColumns = []string{"id", "short_name", "name", "coins_per_result", "avg_calc_minutes"}

// UpsertProject inserts or refreshes a project keyed by its provider id.
func (t *Tx) UpsertProject(ctx context.Context, p domain.Project) error {
	if p.ID <= 0 || p.ShortName == "" {
		return fmt.Errorf("%w: project needs an id and short name", domain.ErrValidation)
	}
	_, err := t.exec(ctx, t.sb.Insert("projects").
		Columns(projectColumns...).
		Values(p.ID, p.ShortName, p.Name, p.CoinsPerResult, p.AvgCalcMinutes).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			short_name       = excluded.short_name,
			name             = excluded.name,
			coins_per_result = excluded.coins_per_result,
			avg_calc_minutes = excluded.avg_calc_minutes`))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ShortName, err)
	}
	return nil
}

func (q *queries) project(ctx context.Context, where sq.Eq, what any) (domain.Project, error) {
	row, err := q.queryRow(ctx, q.sb.Select(projectColumns...).From("projects").Where(where))
	if err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	err = row.Scan(&p.ID, &p.ShortName, &p.Name, &p.CoinsPerResult, &p.AvgCalcMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: %v", domain.ErrUnknownProject, what)
	}
	return p, err
}

// Project resolves a provider project id.
func (q *queries) Project(ctx context.Context, id int64) (domain.Project, error) {
	return q.project(ctx, sq.Eq{"id": id}, id)
}

// ProjectByShortName resolves a project by its short name.
func (q *queries) ProjectByShortName(ctx context.Context, shortName string) (domain.Project, error) {
	return q.project(ctx, sq.Eq{"short_name": shortName}, shortName)
}
