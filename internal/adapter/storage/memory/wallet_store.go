package memory

import (
	"context"
	"math"
	"sync"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
)

type wallet struct {
	header  domain.Wallet
	entries []domain.Entry
	byKey   map[string]int // idempotency key -> index into entries
}

// WalletStore is an in-process ports.WalletStore. A single mutex makes every
// posting atomic; values are copied in and out so callers never share state
// with the store.
type WalletStore struct {
	mu      sync.RWMutex
	wallets map[string]*wallet
}

// NewWalletStore creates an empty in-memory wallet store.
func NewWalletStore() *WalletStore {
	return &WalletStore{wallets: make(map[string]*wallet)}
}

var _ ports.WalletStore = (*WalletStore)(nil)

// Ping implements ports.HealthChecker; the store is always reachable.
func (s *WalletStore) Ping(ctx context.Context) error {
	return nil
}

// Name implements ports.HealthChecker.
func (s *WalletStore) Name() string {
	return "memory"
}

func (s *WalletStore) Get(ctx context.Context, userID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ports.ErrWalletNotFound
	}
	out := w.header
	out.Transactions = make([]domain.Entry, len(w.entries))
	for i := range w.entries {
		out.Transactions[i] = copyEntry(w.entries[i])
	}
	return &out, nil
}

func (s *WalletStore) GetHeader(ctx context.Context, userID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ports.ErrWalletNotFound
	}
	out := w.header
	return &out, nil
}

func (s *WalletStore) Create(ctx context.Context, w *domain.Wallet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; ok {
		return false, nil
	}
	s.wallets[w.UserID] = &wallet{
		header: w.Header(),
		byKey:  make(map[string]int),
	}
	return true, nil
}

func (s *WalletStore) ApplyCredit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(userID, entry, func(balance int64) (int64, error) {
		if balance > math.MaxInt64-entry.Amount {
			return 0, ports.ErrBalanceOverflow
		}
		return balance + entry.Amount, nil
	})
}

func (s *WalletStore) ApplyDebit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(userID, entry, func(balance int64) (int64, error) {
		if balance < entry.Amount {
			return 0, ports.ErrInsufficientFunds
		}
		return balance - entry.Amount, nil
	})
}

func (s *WalletStore) apply(userID string, entry *domain.Entry, next func(balance int64) (int64, error)) (*domain.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ports.ErrWalletNotFound
	}
	if entry.IdempotencyKey != nil {
		if _, dup := w.byKey[*entry.IdempotencyKey]; dup {
			return nil, ports.ErrDuplicateIdempotencyKey
		}
	}
	balance, err := next(w.header.Balance)
	if err != nil {
		return nil, err
	}

	e := copyEntry(*entry)
	e.Seq = w.header.EntryCount + 1
	w.entries = append(w.entries, e)
	if e.IdempotencyKey != nil {
		w.byKey[*e.IdempotencyKey] = len(w.entries) - 1
	}
	w.header.Balance = balance
	w.header.EntryCount = e.Seq
	w.header.LastUpdated = e.CreatedAt

	return &domain.Posting{Wallet: w.header, Entry: copyEntry(e)}, nil
}

func (s *WalletStore) ListEntries(ctx context.Context, userID string, limit int) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ports.ErrWalletNotFound
	}
	n := min(limit, len(w.entries))
	out := make([]domain.Entry, 0, max(n, 0))
	for i := len(w.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyEntry(w.entries[i]))
	}
	return out, nil
}

func (s *WalletStore) FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, nil
	}
	i, ok := w.byKey[key]
	if !ok {
		return nil, nil
	}
	e := copyEntry(w.entries[i])
	return &e, nil
}

func copyEntry(e domain.Entry) domain.Entry {
	if e.RelatedPurchase != nil {
		v := *e.RelatedPurchase
		e.RelatedPurchase = &v
	}
	if e.IdempotencyKey != nil {
		v := *e.IdempotencyKey
		e.IdempotencyKey = &v
	}
	return e
}
