package domain

import "time"

// Wallet is the per-user balance together with the log it summarizes.
// Balance is held in minor currency units and always equals the sum of
// credit amounts minus the sum of debit amounts in Transactions.
type Wallet struct {
	UserID       string    `json:"user_id"`
	Balance      int64     `json:"balance"`
	EntryCount   int64     `json:"entry_count"`
	Transactions []Entry   `json:"transactions"`
	LastUpdated  time.Time `json:"last_updated"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewWallet returns an empty wallet for userID created at now.
func NewWallet(userID string, now time.Time) *Wallet {
	return &Wallet{
		UserID:       userID,
		Balance:      0,
		EntryCount:   0,
		Transactions: []Entry{},
		LastUpdated:  now,
		CreatedAt:    now,
	}
}

// Reconciles reports whether Balance matches the credits and debits in
// Transactions and is non-negative. Only meaningful when the full log is loaded.
func (w *Wallet) Reconciles() bool {
	var sum int64
	for _, e := range w.Transactions {
		sum += e.SignedAmount()
	}
	return w.Balance >= 0 && sum == w.Balance && int64(len(w.Transactions)) == w.EntryCount
}

// Header returns a copy of the wallet without its transaction log.
func (w *Wallet) Header() Wallet {
	return Wallet{
		UserID:      w.UserID,
		Balance:     w.Balance,
		EntryCount:  w.EntryCount,
		LastUpdated: w.LastUpdated,
		CreatedAt:   w.CreatedAt,
	}
}

// Posting is the outcome of an accepted credit or debit: the wallet state
// right after the update and the entry it appended. Replayed is set when an
// idempotency key matched an earlier entry and nothing new was applied.
type Posting struct {
	Wallet   Wallet `json:"wallet"`
	Entry    Entry  `json:"entry"`
	Replayed bool   `json:"replayed"`
}
