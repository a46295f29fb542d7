package dto

import (
	"time"

	"wallet-ledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// AddFundsRequest is the request body for a wallet deposit.
// Amount is in major currency units, e.g. "12.50". A missing amount is left
// nil for the wallet service to reject as an invalid amount.
type AddFundsRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description" binding:"max=255"`
}

// DeductFundsRequest is the request body for paying from the wallet.
type DeductFundsRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description" binding:"max=255"`
	PurchaseID  string           `json:"purchase_id" binding:"omitempty,max=100,safe_id"`
}

// SettlementDeductRequest is the signed body sent by the purchase settlement pipeline.
type SettlementDeductRequest struct {
	UserID      string           `json:"user_id" binding:"required,max=100,safe_id"`
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description" binding:"max=255"`
	PurchaseID  string           `json:"purchase_id" binding:"required,max=100,safe_id"`
}

// EntryResponse is one transaction log line.
type EntryResponse struct {
	ID              string  `json:"id"`
	Seq             int64   `json:"seq"`
	Kind            string  `json:"kind"`
	Amount          string  `json:"amount"`
	Description     string  `json:"description,omitempty"`
	RelatedPurchase *string `json:"related_purchase,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// WalletInfoResponse is the response for the wallet info query.
type WalletInfoResponse struct {
	UserID       string          `json:"user_id"`
	Balance      string          `json:"balance"`
	LastUpdated  string          `json:"last_updated"`
	Transactions []EntryResponse `json:"transactions"`
}

// AddFundsResponse is the response for a deposit.
type AddFundsResponse struct {
	Balance     string        `json:"balance"`
	Transaction EntryResponse `json:"transaction"`
	Replayed    bool          `json:"replayed"`
}

// DeductFundsResponse is the response for a wallet payment.
type DeductFundsResponse struct {
	NewBalance     string        `json:"new_balance"`
	DeductedAmount string        `json:"deducted_amount"`
	Transaction    EntryResponse `json:"transaction"`
	Replayed       bool          `json:"replayed"`
}

// SettlementDeductResponse is the response for a settlement deduction.
type SettlementDeductResponse struct {
	UserID     string `json:"user_id"`
	PurchaseID string `json:"purchase_id"`
	NewBalance string `json:"new_balance"`
}

// HistoryResponse wraps the most-recent-first transaction list.
type HistoryResponse struct {
	Items []EntryResponse `json:"items"`
	Count int             `json:"count"`
}

// Money renders minor units as a fixed-point decimal string.
func Money(minor int64, scale int32) string {
	return domain.FromMinorUnits(minor, scale).StringFixed(scale)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewEntryResponse converts a ledger entry.
func NewEntryResponse(e domain.Entry, scale int32) EntryResponse {
	return EntryResponse{
		ID:              e.ID.String(),
		Seq:             e.Seq,
		Kind:            string(e.Kind),
		Amount:          Money(e.Amount, scale),
		Description:     e.Description,
		RelatedPurchase: e.RelatedPurchase,
		CreatedAt:       timestamp(e.CreatedAt),
	}
}

// NewEntryResponses converts entries keeping their order.
func NewEntryResponses(entries []domain.Entry, scale int32) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewEntryResponse(e, scale))
	}
	return out
}

// NewWalletInfoResponse converts a wallet with its full log.
func NewWalletInfoResponse(w *domain.Wallet, scale int32) WalletInfoResponse {
	return WalletInfoResponse{
		UserID:       w.UserID,
		Balance:      Money(w.Balance, scale),
		LastUpdated:  timestamp(w.LastUpdated),
		Transactions: NewEntryResponses(w.Transactions, scale),
	}
}

// NewAddFundsResponse converts a credit posting.
func NewAddFundsResponse(p *domain.Posting, scale int32) AddFundsResponse {
	return AddFundsResponse{
		Balance:     Money(p.Wallet.Balance, scale),
		Transaction: NewEntryResponse(p.Entry, scale),
		Replayed:    p.Replayed,
	}
}

// NewDeductFundsResponse converts a debit posting.
func NewDeductFundsResponse(p *domain.Posting, scale int32) DeductFundsResponse {
	return DeductFundsResponse{
		NewBalance:     Money(p.Wallet.Balance, scale),
		DeductedAmount: Money(p.Entry.Amount, scale),
		Transaction:    NewEntryResponse(p.Entry, scale),
		Replayed:       p.Replayed,
	}
}
