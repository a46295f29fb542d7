package ports

import (
	"context"
	"time"

	"wallet-ledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks wallet-ledger/internal/core/ports LedgerEngine,WalletService,TokenService,SignatureService,IdempotencyCache,NonceStore

// TokenService handles JWT identity tokens issued by the external auth service.
type TokenService interface {
	Generate(userID string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID string
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
}

// IdempotencyCache is the Redis-layer idempotency lookup (fast path).
// The store's uniqueness constraint stays authoritative.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached entry JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NonceStore manages nonce uniqueness for replay attack prevention.
type NonceStore interface {
	// CheckAndSet atomically checks if nonce exists, sets it if not.
	// Returns true if nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, clientID string, nonce string, ttl time.Duration) (bool, error)
}

// --- Service Ports (Business Logic) ---

// LedgerEngine applies credits and debits to wallets.
type LedgerEngine interface {
	FindOrCreate(ctx context.Context, userID string) (*domain.Wallet, error)
	Credit(ctx context.Context, req CreditRequest) (*domain.Posting, error)
	Debit(ctx context.Context, req DebitRequest) (*domain.Posting, error)
	History(ctx context.Context, userID string, limit int) ([]domain.Entry, error)
}

// CreditRequest holds input for a credit. Amount is in minor units.
type CreditRequest struct {
	UserID         string
	Amount         int64
	Description    string
	IdempotencyKey string // optional
}

// DebitRequest holds input for a debit. Amount is in minor units.
type DebitRequest struct {
	UserID          string
	Amount          int64
	Description     string
	RelatedPurchase string // optional, opaque
	IdempotencyKey  string // optional
}

// WalletService is the boundary consumed by HTTP handlers and the purchase
// settlement flow. Amounts are decimal major units.
type WalletService interface {
	GetInfo(ctx context.Context, userID string) (*domain.Wallet, error)
	AddFunds(ctx context.Context, req AddFundsRequest) (*domain.Posting, error)
	DeductFunds(ctx context.Context, req DeductFundsRequest) (*domain.Posting, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]domain.Entry, error)
	// Deduct is the internal call form used by purchase settlement.
	Deduct(ctx context.Context, userID string, amount decimal.Decimal, description, purchaseID string) (*domain.Wallet, error)
	// Scale is the number of fractional digits of the ledger currency.
	Scale() int32
}

// AddFundsRequest holds validated input for a deposit.
type AddFundsRequest struct {
	UserID         string
	Amount         *decimal.Decimal
	Description    string
	IdempotencyKey string
}

// DeductFundsRequest holds validated input for a payment from the wallet.
type DeductFundsRequest struct {
	UserID         string
	Amount         *decimal.Decimal
	Description    string
	PurchaseID     string
	IdempotencyKey string
}
