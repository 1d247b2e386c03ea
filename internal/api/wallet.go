package api

import (
	"net/http"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

type amountRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	RefID       string `json:"ref_id" validate:"max=255"`
}

type transferRequest struct {
	ToUserID    string `json:"to_user_id" validate:"required,max=255"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	RefID       string `json:"ref_id" validate:"max=255"`
}

type transferResponse struct {
	Debit  *model.LedgerEntry `json:"debit"`
	Credit *model.LedgerEntry `json:"credit"`
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, true)
}

func (s *Server) debit(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, false)
}

func (s *Server) moveFunds(w http.ResponseWriter, r *http.Request, credit bool) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.ledger.Account(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key := idempotencyKey(r)
	var entry *model.LedgerEntry
	if credit {
		entry, err = s.ledger.Credit(r.Context(), acct.ID, req.AmountCents, key, req.RefID)
	} else {
		entry, err = s.ledger.Debit(r.Context(), acct.ID, req.AmountCents, key, req.RefID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := s.ledger.Account(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := s.ledger.Account(r.Context(), req.ToUserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	debit, credit, err := s.ledger.Transfer(r.Context(), from.ID, to.ID, req.AmountCents, idempotencyKey(r), req.RefID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Debit: debit, Credit: credit})
}

func (s *Server) walletTransactions(w http.ResponseWriter, r *http.Request) {
	var f store.LedgerFilter
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.From, err = queryTime(r, "from"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.ledger.Account(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), acct.ID, f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) reconcileWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.ledger.Reconcile(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
