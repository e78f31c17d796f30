// Package purchase implements the two-phase reward purchase protocol.
//
// BeginBuy takes a read-only snapshot; exactly one of EndBuy or CancelBuy
// must follow. EndBuy re-validates everything against current state and
// commits the stock decrement, coin transfer and purchase record in one
// transaction. WithReservation guarantees finalization.
package purchase

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// StockManager owns reward inventory. Both calls run inside the purchase
// transaction and must lock the reward row.
type StockManager interface {
	CheckAndReserveStock(ctx context.Context, tx *store.Tx, rewardID, amount int64) (bool, error)
	Decrement(ctx context.Context, tx *store.Tx, rewardID, amount int64) error
}

// Transferrer moves coins inside a caller's transaction.
type Transferrer interface {
	TransferTx(ctx context.Context, tx *store.Tx, source, destination domain.AccountID, amount int64, description string) (domain.LedgerTransaction, error)
}

// ─── Reservation ────────────────────────────────────────────────────────────

// Reservation is a single-use handle on an in-flight purchase.
type Reservation struct {
	id        uuid.UUID
	buyer     domain.User
	account   domain.CoinAccount
	reward    domain.Reward
	amount    int64
	createdAt time.Time

	mu      sync.Mutex
	expired bool
}

func (r *Reservation) ID() string                  { return r.id.String() }
func (r *Reservation) Buyer() domain.User          { return r.buyer }
func (r *Reservation) Account() domain.CoinAccount { return r.account }
func (r *Reservation) Reward() domain.Reward       { return r.reward }
func (r *Reservation) Amount() int64               { return r.amount }

// TotalCost is the snapshot price of the reservation.
func (r *Reservation) TotalCost() int64 { return r.reward.TotalCost(r.amount) }

// HasEnoughCoins reports whether the snapshot balance covers the price.
func (r *Reservation) HasEnoughCoins() bool { return r.account.CurrentBalance >= r.TotalCost() }

// RewardAvailable reports whether the snapshot stock covers the amount.
func (r *Reservation) RewardAvailable() bool { return r.reward.RemainingAmount >= r.amount }

// CanBuy is HasEnoughCoins and RewardAvailable.
func (r *Reservation) CanBuy() bool { return r.HasEnoughCoins() && r.RewardAvailable() }

// HasExpired reports whether EndBuy or CancelBuy was already called.
func (r *Reservation) HasExpired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

// claim expires the reservation, reporting false if it already was.
func (r *Reservation) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expired {
		return false
	}
	r.expired = true
	return true
}

// ─── Service ────────────────────────────────────────────────────────────────

// Service runs the purchase protocol.
type Service struct {
	db     *store.DB
	ledger Transferrer
	stock  StockManager
	tracer *observability.Tracer
	log    zerolog.Logger
	now    func() time.Time

	outstanding atomic.Int64
}

// New creates a purchase service.
func New(db *store.DB, ledger Transferrer, stock StockManager, tracer *observability.Tracer, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		ledger: ledger,
		stock:  stock,
		tracer: tracer,
		log:    log.With().Str("component", "purchase").Logger(),
		now:    time.Now,
	}
}

// Outstanding returns the number of reservations begun but not finalized.
func (s *Service) Outstanding() int64 { return s.outstanding.Load() }

// BeginBuy snapshots the buyer's account and the reward. Nothing is mutated.
func (s *Service) BeginBuy(ctx context.Context, buyer domain.UserID, rewardID, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: purchase amount %d must be positive", domain.ErrValidation, amount)
	}
	u, err := s.db.User(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleUser {
		return nil, fmt.Errorf("%w: %s %d cannot buy rewards", domain.ErrWrongBuyer, u.Role, u.ID)
	}
	acct, err := s.db.Account(ctx, u.Account)
	if err != nil {
		return nil, err
	}
	reward, err := s.db.Reward(ctx, rewardID)
	if err != nil {
		return nil, err
	}
	if reward.Cost > 0 && amount > math.MaxInt64/reward.Cost {
		return nil, fmt.Errorf("%w: amount %d overflows the price", domain.ErrValidation, amount)
	}

	r := &Reservation{
		id:        uuid.New(),
		buyer:     u,
		account:   acct,
		reward:    reward,
		amount:    amount,
		createdAt: s.now(),
	}
	s.outstanding.Add(1)
	observability.OpenReservations.Inc()
	s.log.Debug().Str("reservation", r.ID()).Int64("buyer", int64(buyer)).
		Int64("reward", rewardID).Int64("amount", amount).Bool("can_buy", r.CanBuy()).
		Msg("reservation begun")
	return r, nil
}

// CancelBuy expires r without touching balances or stock.
func (s *Service) CancelBuy(r *Reservation) error {
	if !r.claim() {
		return s.reused(r, "cancel")
	}
	s.release()
	observability.Purchases.WithLabelValues("cancelled").Inc()
	s.log.Debug().Str("reservation", r.ID()).Msg("reservation cancelled")
	return nil
}

// EndBuy commits the purchase. r is expired whether or not it succeeds.
func (s *Service) EndBuy(ctx context.Context, r *Reservation) (domain.Purchase, error) {
	if !r.claim() {
		return domain.Purchase{}, s.reused(r, "end")
	}
	defer s.release()

	span := s.tracer.StartSpan(ctx, "purchase.end", map[string]string{
		"reservation": r.ID(),
		"reward":      strconv.FormatInt(r.reward.ID, 10),
	})
	var p domain.Purchase
	err := s.db.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		p, err = s.commit(ctx, tx, r)
		return err
	})
	s.tracer.EndSpan(span, err)

	if err != nil {
		observability.Purchases.WithLabelValues("failed").Inc()
		ev := s.log.Debug()
		if k := domain.Kind(err); k == "invariant" || k == "internal" {
			ev = s.log.Error()
		}
		ev.Err(err).Str("reservation", r.ID()).Msg("purchase failed")
		return domain.Purchase{}, err
	}
	observability.Purchases.WithLabelValues("committed").Inc()
	s.log.Info().Str("purchase", p.ID).Int64("buyer", int64(p.Buyer)).
		Int64("reward", p.RewardID).Int64("cost", p.TotalCost).Msg("purchase committed")
	return p, nil
}

// commit re-validates r against locked rows and applies the purchase. The
// reward row is locked before the accounts.
func (s *Service) commit(ctx context.Context, tx *store.Tx, r *Reservation) (domain.Purchase, error) {
	u, err := tx.User(ctx, r.buyer.ID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if u.Role != domain.RoleUser {
		return domain.Purchase{}, fmt.Errorf("%w: user %d is now %s", domain.ErrWrongBuyer, u.ID, u.Role)
	}
	if u.Account != r.account.ID {
		return domain.Purchase{}, fmt.Errorf("%w: user %d no longer holds account %d", domain.ErrWrongBuyer, u.ID, r.account.ID)
	}

	ok, err := s.stock.CheckAndReserveStock(ctx, tx, r.reward.ID, r.amount)
	if err != nil {
		return domain.Purchase{}, err
	}
	if !ok {
		return domain.Purchase{}, fmt.Errorf("%w: reward %d", domain.ErrRewardUnavailable, r.reward.ID)
	}
	reward, err := tx.Reward(ctx, r.reward.ID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if amount := r.amount; amount > math.MaxInt64/reward.Cost {
		return domain.Purchase{}, domain.Invariantf("price of %d × %d overflows", amount, reward.Cost)
	}
	cost := reward.TotalCost(r.amount)

	accts, err := tx.LockAccounts(ctx, u.Account, reward.PartnerAccount)
	if err != nil {
		return domain.Purchase{}, err
	}
	acct := accts[u.Account]
	if acct.Owner != (domain.AccountOwner{Kind: domain.OwnerUser, ID: u.ID}) {
		return domain.Purchase{}, fmt.Errorf("%w: account %d is owned by %s", domain.ErrWrongBuyer, acct.ID, acct.Owner)
	}
	if acct.CurrentBalance < cost {
		return domain.Purchase{}, fmt.Errorf("%w: account %d has %d, reward costs %d",
			domain.ErrInsufficientFunds, acct.ID, acct.CurrentBalance, cost)
	}

	if err := s.stock.Decrement(ctx, tx, reward.ID, r.amount); err != nil {
		return domain.Purchase{}, err
	}
	lt, err := s.ledger.TransferTx(ctx, tx, u.Account, reward.PartnerAccount, cost, "Reward "+reward.Name)
	if err != nil {
		return domain.Purchase{}, err
	}

	p := domain.Purchase{
		ID:            r.ID(),
		Buyer:         u.ID,
		RewardID:      reward.ID,
		Amount:        r.amount,
		TotalCost:     cost,
		TransactionID: lt.ID,
		CreatedAt:     s.now().UTC(),
	}
	if err := tx.InsertPurchase(ctx, p); err != nil {
		return domain.Purchase{}, err
	}
	return p, nil
}

// WithReservation begins a reservation, runs fn and cancels the reservation
// if fn left it open, including when fn panics.
func (s *Service) WithReservation(ctx context.Context, buyer domain.UserID, rewardID, amount int64, fn func(r *Reservation) error) (err error) {
	r, err := s.BeginBuy(ctx, buyer, rewardID, amount)
	if err != nil {
		return err
	}
	defer func() {
		if r.HasExpired() {
			return
		}
		if cerr := s.CancelBuy(r); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(r)
}

func (s *Service) release() {
	s.outstanding.Add(-1)
	observability.OpenReservations.Dec()
}

func (s *Service) reused(r *Reservation, op string) error {
	observability.Purchases.WithLabelValues("reused").Inc()
	s.log.Error().Str("reservation", r.ID()).Str("op", op).Msg("reservation already finalized")
	return fmt.Errorf("%w: reservation %s (%s)", domain.ErrAlreadyFinalized, r.ID(), op)
}
