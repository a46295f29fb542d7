package ports

import (
	"context"
	"errors"

	"wallet-ledger/internal/core/domain"
)

//go:generate mockgen -destination=mocks/mock_repositories.go -package=mocks wallet-ledger/internal/core/ports WalletStore

// Store-level outcomes. Adapters return these (possibly wrapped); the ledger
// engine translates them into caller-facing errors.
var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrBalanceOverflow         = errors.New("balance overflow")
)

// WalletStore is the durable store behind the ledger. Mutations are single
// conditional updates evaluated by the store against the current stored
// balance; callers never read-modify-write a wallet themselves.
type WalletStore interface {
	// Get returns the wallet and its full log (ascending seq) from one consistent read.
	Get(ctx context.Context, userID string) (*domain.Wallet, error)
	// GetHeader returns the wallet without its log.
	GetHeader(ctx context.Context, userID string) (*domain.Wallet, error)
	// Create inserts a new wallet. It returns false, nil when a wallet for the
	// same user already exists (unique user_id).
	Create(ctx context.Context, wallet *domain.Wallet) (bool, error)
	// ApplyCredit adds entry.Amount and appends entry atomically.
	ApplyCredit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error)
	// ApplyDebit subtracts entry.Amount only if the stored balance covers it,
	// and appends entry in the same atomic update.
	ApplyDebit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error)
	// ListEntries returns up to limit entries, most recent first.
	ListEntries(ctx context.Context, userID string, limit int) ([]domain.Entry, error)
	// FindEntryByIdempotencyKey returns nil, nil when no entry carries key.
	FindEntryByIdempotencyKey(ctx context.Context, userID string, key string) (*domain.Entry, error)
}
