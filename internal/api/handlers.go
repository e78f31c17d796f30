package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/gridcoin/internal/app/purchase"
	"github.com/tutu-network/gridcoin/internal/app/results"
	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Ledger API ─────────────────────────────────────────────────────────────
// POST /api/ledger/grants                     — credit an account
// GET  /api/ledger/accounts/{id}              — balances
// GET  /api/ledger/accounts/{id}/transactions — history, oldest first
// GET  /api/ledger/accounts/{id}/audit        — recompute totals from history

type grantRequest struct {
	AccountID   domain.AccountID `json:"account_id"`
	Amount      int64            `json:"amount"`
	Description string           `json:"description"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decode(w, r, &req) {
		return
	}
	lt, err := s.ledger.Grant(r.Context(), req.AccountID, req.Amount, req.Description)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lt)
}

func accountParam(w http.ResponseWriter, r *http.Request) (domain.AccountID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid account id")
		return 0, false
	}
	return domain.AccountID(id), true
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	a, err := s.ledger.Account(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	if _, err := s.ledger.Account(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	limit := limitParam(r, 100, 1000)
	txs := make([]domain.LedgerTransaction, 0, limit)
	for lt, err := range s.ledger.GetTransactions(r.Context(), id) {
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		txs = append(txs, lt)
		if len(txs) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":      id,
		"transactions": txs,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	rep, err := s.ledger.Audit(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ─── Purchase API ───────────────────────────────────────────────────────────
// POST /api/purchases — buy a reward; with "preview" the reservation is only
// inspected and cancelled.

type purchaseRequest struct {
	BuyerID  domain.UserID `json:"buyer_id"`
	RewardID int64         `json:"reward_id"`
	Amount   int64         `json:"amount"`
	Preview  bool          `json:"preview"`
}

type previewResponse struct {
	Reservation     string `json:"reservation"`
	TotalCost       int64  `json:"total_cost"`
	Balance         int64  `json:"balance"`
	HasEnoughCoins  bool   `json:"has_enough_coins"`
	RewardAvailable bool   `json:"reward_available"`
	CanBuy          bool   `json:"can_buy"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	var (
		preview previewResponse
		bought  domain.Purchase
	)
	err := s.purchases.WithReservation(r.Context(), req.BuyerID, req.RewardID, req.Amount, func(res *purchase.Reservation) error {
		preview = previewResponse{
			Reservation:     res.ID(),
			TotalCost:       res.TotalCost(),
			Balance:         res.Account().CurrentBalance,
			HasEnoughCoins:  res.HasEnoughCoins(),
			RewardAvailable: res.RewardAvailable(),
			CanBuy:          res.CanBuy(),
		}
		if req.Preview {
			return nil
		}
		var err error
		bought, err = s.purchases.EndBuy(r.Context(), res)
		return err
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.Preview {
		writeJSON(w, http.StatusOK, preview)
		return
	}
	writeJSON(w, http.StatusCreated, bought)
}

// ─── Results API ────────────────────────────────────────────────────────────
// POST /api/results/client   — authenticated client report
// POST /api/results/provider — grid provider callback
// GET  /api/results/users/{id} — a user's recent results

func (s *Server) handleClientReport(w http.ResponseWriter, r *http.Request) {
	var rep results.ClientReport
	if !decode(w, r, &rep) {
		return
	}
	if rep.AuthToken == "" {
		rep.AuthToken = bearerToken(r)
	}
	out, err := s.results.ReportFromClient(r.Context(), rep)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	var cb results.ProviderCallback
	if !decode(w, r, &cb) {
		return
	}
	out, err := s.results.ReportFromProvider(r.Context(), cb)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResultHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid user id")
		return
	}
	rows, err := s.results.History(r.Context(), domain.UserID(id), limitParam(r, 50, 500))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": id, "results": rows})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ─── Debug API ──────────────────────────────────────────────────────────────

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total": s.tracer.SpanCount(),
		"spans": s.tracer.Spans(limitParam(r, 100, 1000)),
	})
}
