// Package storetest opens throwaway migrated stores and seeds fixtures for
// tests in other packages.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// New opens a migrated sqlite store in a temp dir, closed on cleanup.
func New(t testing.TB) *store.DB {
	return NewWithTimeout(t, 5*time.Second)
}

// NewWithTimeout is New with an explicit transaction timeout.
func NewWithTimeout(t testing.TB, txTimeout time.Duration) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{
		Driver:    store.DialectSQLite,
		Dir:       t.TempDir(),
		TxTimeout: txTimeout,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return db
}

// User creates a user with the given role and token.
func User(t testing.TB, db *store.DB, name string, role domain.Role, token string) domain.User {
	t.Helper()
	var u domain.User
	err := db.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		var err error
		u, err = tx.CreateUser(ctx, name, role, token, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("CreateUser(%q) error: %v", name, err)
	}
	return u
}

// Project registers a project.
func Project(t testing.TB, db *store.DB, p domain.Project) domain.Project {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.UpsertProject(ctx, p)
	})
	if err != nil {
		t.Fatalf("UpsertProject(%q) error: %v", p.ShortName, err)
	}
	return p
}

// Reward creates a reward offered by partner.
func Reward(t testing.TB, db *store.DB, name string, partner domain.User, cost, stock int64) domain.Reward {
	t.Helper()
	var r domain.Reward
	err := db.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		var err error
		r, err = tx.CreateReward(ctx, domain.Reward{
			Name:            name,
			PartnerAccount:  partner.Account,
			Cost:            cost,
			RemainingAmount: stock,
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateReward(%q) error: %v", name, err)
	}
	return r
}

// Friends makes a and b mutual friends.
func Friends(t testing.TB, db *store.DB, a, b domain.UserID) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.AddFriendship(ctx, a, b)
	})
	if err != nil {
		t.Fatalf("AddFriendship(%d, %d) error: %v", a, b, err)
	}
}

// Fund credits an account directly, bypassing the ledger's notifications.
func Fund(t testing.TB, db *store.DB, account domain.AccountID, amount int64) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.LockAccounts(ctx, account); err != nil {
			return err
		}
		if err := tx.ApplyAccountDelta(ctx, account, amount, amount, 0); err != nil {
			return err
		}
		_, err := tx.InsertTransaction(ctx, domain.LedgerTransaction{
			Destination: account,
			Value:       amount,
			Description: "fixture",
			CreatedAt:   time.Now(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("Fund(%d, %d) error: %v", account, amount, err)
	}
}
