package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridforge-ai/gridforge-cli/internal/ledger"
)

// WalletView is the public wallet representation.
type WalletView struct {
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

// TopUpRequest adds credits to the caller's wallet.
type TopUpRequest struct {
	Amount string `json:"amount"`

	// Reference ties the credit to an external payment record.
	Reference string `json:"reference,omitempty"`
}

// TxView is one audit log entry.
type TxView struct {
	Type         string `json:"type"`
	JobID        string `json:"job_id,omitempty"`
	Amount       string `json:"amount"`
	TickSeq      int64  `json:"tick_seq,omitempty"`
	BalanceAfter string `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request, userID string) {
	wallet, err := s.ledger.Wallet(r.Context(), userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		writeError(w, http.StatusNotFound, "no wallet; top up first")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wallet lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, WalletView{
		UserID:    userID,
		Balance:   wallet.Balance.String(),
		Reserved:  wallet.Reserved.String(),
		Available: wallet.Available().String(),
	})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request, userID string) {
	var req TopUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}

	// First top-up creates the wallet.
	if err := s.ledger.CreateWallet(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "wallet create failed")
		return
	}

	balance, err := s.ledger.Credit(r.Context(), userID, amount, req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "amount must be positive")
		case errors.Is(err, ledger.ErrUserFrozen):
			writeError(w, http.StatusForbidden, "account frozen pending reconciliation")
		default:
			s.logger.Error("topup failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "topup failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	limit := intParam(r.URL.Query().Get("limit"), 100)

	txs, err := s.ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}

	views := make([]TxView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, TxView{
			Type:         tx.Type,
			JobID:        tx.JobID,
			Amount:       tx.Amount.String(),
			TickSeq:      tx.TickSeq,
			BalanceAfter: tx.BalanceAfter.String(),
			CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
}
