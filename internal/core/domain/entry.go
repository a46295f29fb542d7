package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind is the direction of a ledger entry.
type EntryKind string

const (
	EntryKindCredit EntryKind = "credit"
	EntryKindDebit  EntryKind = "debit"
)

const (
	DefaultCreditDescription = "Deposit"
	DefaultDebitDescription  = "Withdrawal"
)

// Entry is one immutable line of a wallet's transaction log.
// Amount is always positive; the direction is carried by Kind.
type Entry struct {
	ID              uuid.UUID `json:"id"`
	Seq             int64     `json:"seq"` // 1-based position in the wallet log
	Kind            EntryKind `json:"kind"`
	Amount          int64     `json:"amount"`
	Description     string    `json:"description,omitempty"`
	RelatedPurchase *string   `json:"related_purchase,omitempty"`
	IdempotencyKey  *string   `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEntry builds an unsequenced entry. The store assigns Seq when appending.
func NewEntry(kind EntryKind, amount int64, description string, relatedPurchase, idempotencyKey *string, now time.Time) *Entry {
	if description == "" {
		description = kind.DefaultDescription()
	}
	return &Entry{
		ID:              uuid.New(),
		Kind:            kind,
		Amount:          amount,
		Description:     description,
		RelatedPurchase: relatedPurchase,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
	}
}

// IsValid reports whether k is a known entry kind.
func (k EntryKind) IsValid() bool {
	return k == EntryKindCredit || k == EntryKindDebit
}

// DefaultDescription is the label used when the caller supplies none.
func (k EntryKind) DefaultDescription() string {
	if k == EntryKindDebit {
		return DefaultDebitDescription
	}
	return DefaultCreditDescription
}

// SignedAmount returns the entry's effect on the balance.
func (e *Entry) SignedAmount() int64 {
	if e.Kind == EntryKindDebit {
		return -e.Amount
	}
	return e.Amount
}

// SameOperation reports whether other describes the same requested operation,
// used to tell an idempotent retry from a reused key.
func (e *Entry) SameOperation(other *Entry) bool {
	return e.Kind == other.Kind &&
		e.Amount == other.Amount &&
		stringPtrEqual(e.RelatedPurchase, other.RelatedPurchase)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
