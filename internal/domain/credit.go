// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"fmt"
	"time"
)

// ─── Account Types ──────────────────────────────────────────────────────────

// AccountID identifies a coin account. Lock ordering across accounts is
// ascending AccountID.
type AccountID int64

// UserID identifies a user, partner or admin.
type UserID int64

// OwnerKind says who holds a coin account.
type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerPartner OwnerKind = "partner"
)

// AccountOwner is the single owner of a coin account.
type AccountOwner struct {
	Kind OwnerKind `json:"kind"`
	ID   UserID    `json:"id"`
}

func (o AccountOwner) String() string {
	return fmt.Sprintf("%s/%d", o.Kind, o.ID)
}

// CoinAccount is a mutable balance record. Only the ledger mutates it.
type CoinAccount struct {
	ID             AccountID    `json:"id"`
	Owner          AccountOwner `json:"owner"`
	CurrentBalance int64        `json:"current_balance"`
	TotalGrant     int64        `json:"total_grant"`
	TotalSpent     int64        `json:"total_spent"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Consistent reports whether the at-rest invariants hold:
// balance == granted − spent, and nothing is negative.
func (a CoinAccount) Consistent() bool {
	return a.CurrentBalance >= 0 &&
		a.TotalGrant >= 0 &&
		a.TotalSpent >= 0 &&
		a.CurrentBalance == a.TotalGrant-a.TotalSpent
}

// ─── Ledger Transactions ────────────────────────────────────────────────────

// LedgerTransaction is the immutable record of one atomic coin movement.
// Source is nil for grants (coins entering the system).
type LedgerTransaction struct {
	ID          int64      `json:"id"`
	Source      *AccountID `json:"source,omitempty"`
	Destination AccountID  `json:"destination"`
	Value       int64      `json:"value"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsGrant returns true for transactions without a debited account.
func (t LedgerTransaction) IsGrant() bool { return t.Source == nil }

// Touches reports whether the account is the source or destination.
func (t LedgerTransaction) Touches(id AccountID) bool {
	return t.Destination == id || (t.Source != nil && *t.Source == id)
}

// ─── Users & Projects ───────────────────────────────────────────────────────

// Role decides what a user may do. Only RoleUser accounts buy rewards;
// partners receive the coins.
type Role string

const (
	RoleUser    Role = "user"
	RolePartner Role = "partner"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RolePartner, RoleAdmin:
		return true
	}
	return false
}

// User is an identity with exactly one coin account.
type User struct {
	ID        UserID    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	AuthToken string    `json:"-"`
	Account   AccountID `json:"account"`
}

// Project is a grid-computing project users donate compute to.
// ID is the provider's numeric identifier.
type Project struct {
	ID             int64   `json:"id"`
	ShortName      string  `json:"short_name"`
	Name           string  `json:"name"`
	CoinsPerResult int64   `json:"coins_per_result"`
	AvgCalcMinutes float64 `json:"avg_calc_minutes"`
}

// ─── Rewards ────────────────────────────────────────────────────────────────

// Reward is a partner offer bought with coins.
type Reward struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	PartnerAccount  AccountID `json:"partner_account"`
	Cost            int64     `json:"cost"`
	RemainingAmount int64     `json:"remaining_amount"`
}

// TotalCost returns the price of amount units.
func (r Reward) TotalCost(amount int64) int64 { return r.Cost * amount }

// Purchase records a committed reward purchase.
type Purchase struct {
	ID            string    `json:"id"`
	Buyer         UserID    `json:"buyer"`
	RewardID      int64     `json:"reward_id"`
	Amount        int64     `json:"amount"`
	TotalCost     int64     `json:"total_cost"`
	TransactionID int64     `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
}
