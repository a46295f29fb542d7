// Package storetest holds the behavioural contract every ports.WalletStore
// implementation must satisfy. Adapter packages run it from their own tests.
package storetest

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ports.WalletStore

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("CreditThenDebit", func(t *testing.T) { testCreditThenDebit(t, newStore(t)) })
	t.Run("DebitInsufficient", func(t *testing.T) { testDebitInsufficient(t, newStore(t)) })
	t.Run("ApplyUnknownWallet", func(t *testing.T) { testApplyUnknownWallet(t, newStore(t)) })
	t.Run("CreditOverflow", func(t *testing.T) { testCreditOverflow(t, newStore(t)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, newStore(t)) })
	t.Run("ListEntries", func(t *testing.T) { testListEntries(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("ConcurrentCredits", func(t *testing.T) { testConcurrentCredits(t, newStore(t)) })
}

func at(n int) time.Time {
	return baseTime.Add(time.Duration(n) * time.Second)
}

func mustCreate(t *testing.T, store ports.WalletStore, userID string) {
	t.Helper()
	created, err := store.Create(context.Background(), domain.NewWallet(userID, baseTime))
	require.NoError(t, err)
	require.True(t, created)
}

func credit(amount int64, n int) *domain.Entry {
	return domain.NewEntry(domain.EntryKindCredit, amount, "", nil, nil, at(n))
}

func debit(amount int64, n int) *domain.Entry {
	return domain.NewEntry(domain.EntryKindDebit, amount, "", nil, nil, at(n))
}

func testCreateAndGet(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")

	created, err := store.Create(ctx, domain.NewWallet("u1", at(5)))
	require.NoError(t, err)
	assert.False(t, created, "second create for the same user")

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", w.UserID)
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, int64(0), w.EntryCount)
	assert.Empty(t, w.Transactions)
	assert.True(t, w.CreatedAt.Equal(baseTime))

	_, err = store.ApplyCredit(ctx, "u1", credit(25, 1))
	require.NoError(t, err)
	h, err := store.GetHeader(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), h.Balance)
	assert.Equal(t, int64(1), h.EntryCount)
	assert.True(t, h.LastUpdated.Equal(at(1)))
	assert.Empty(t, h.Transactions)
}

func testGetUnknown(t *testing.T, store ports.WalletStore) {
	_, err := store.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ports.ErrWalletNotFound)
	_, err = store.GetHeader(context.Background(), "nobody")
	assert.ErrorIs(t, err, ports.ErrWalletNotFound)
}

func testCreditThenDebit(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")

	p, err := store.ApplyCredit(ctx, "u1", credit(100, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Wallet.Balance)
	assert.Equal(t, int64(1), p.Entry.Seq)
	assert.Equal(t, domain.DefaultCreditDescription, p.Entry.Description)

	purchase := "order-7"
	d := domain.NewEntry(domain.EntryKindDebit, 30, "Course", &purchase, nil, at(2))
	p, err = store.ApplyDebit(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, int64(70), p.Wallet.Balance)
	assert.Equal(t, int64(2), p.Entry.Seq)
	assert.True(t, p.Wallet.LastUpdated.Equal(at(2)))

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, w.Transactions, 2)
	assert.Equal(t, domain.EntryKindCredit, w.Transactions[0].Kind)
	assert.Equal(t, domain.EntryKindDebit, w.Transactions[1].Kind)
	assert.Equal(t, "Course", w.Transactions[1].Description)
	require.NotNil(t, w.Transactions[1].RelatedPurchase)
	assert.Equal(t, "order-7", *w.Transactions[1].RelatedPurchase)
	assert.True(t, w.Reconciles())
}

func testDebitInsufficient(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")
	_, err := store.ApplyCredit(ctx, "u1", credit(50, 1))
	require.NoError(t, err)

	_, err = store.ApplyDebit(ctx, "u1", debit(51, 2))
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), w.Balance)
	assert.Len(t, w.Transactions, 1)
	assert.True(t, w.LastUpdated.Equal(at(1)))

	// Exactly the balance is allowed.
	p, err := store.ApplyDebit(ctx, "u1", debit(50, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Wallet.Balance)
}

func testApplyUnknownWallet(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()

	_, err := store.ApplyDebit(ctx, "ghost", debit(1, 1))
	assert.ErrorIs(t, err, ports.ErrWalletNotFound)

	_, err = store.ApplyCredit(ctx, "ghost", credit(1, 1))
	assert.ErrorIs(t, err, ports.ErrWalletNotFound)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ports.ErrWalletNotFound, "failed postings must not create wallets")
}

func testCreditOverflow(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")

	_, err := store.ApplyCredit(ctx, "u1", credit(math.MaxInt64, 1))
	require.NoError(t, err)

	_, err = store.ApplyCredit(ctx, "u1", credit(1, 2))
	assert.ErrorIs(t, err, ports.ErrBalanceOverflow)

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), w.Balance)
	assert.Len(t, w.Transactions, 1)
}

func testIdempotencyKey(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")
	mustCreate(t, store, "u2")

	key := "req-1"
	first := domain.NewEntry(domain.EntryKindCredit, 10, "", nil, &key, at(1))
	p, err := store.ApplyCredit(ctx, "u1", first)
	require.NoError(t, err)

	again := domain.NewEntry(domain.EntryKindCredit, 10, "", nil, &key, at(2))
	_, err = store.ApplyCredit(ctx, "u1", again)
	assert.ErrorIs(t, err, ports.ErrDuplicateIdempotencyKey)

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance, "duplicate key must not move the balance")
	assert.Len(t, w.Transactions, 1)

	found, err := store.FindEntryByIdempotencyKey(ctx, "u1", key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.Entry.ID, found.ID)
	assert.Equal(t, int64(1), found.Seq)

	// Keys are scoped per wallet.
	other := domain.NewEntry(domain.EntryKindCredit, 10, "", nil, &key, at(3))
	_, err = store.ApplyCredit(ctx, "u2", other)
	require.NoError(t, err)

	missing, err := store.FindEntryByIdempotencyKey(ctx, "u1", "req-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testListEntries(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")

	entries, err := store.ListEntries(ctx, "u1", 10)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	for i := 1; i <= 5; i++ {
		_, err := store.ApplyCredit(ctx, "u1", credit(int64(i), i))
		require.NoError(t, err)
	}

	entries, err = store.ListEntries(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})
	assert.Equal(t, int64(5), entries[0].Amount)

	entries, err = store.ListEntries(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	_, err = store.ListEntries(ctx, "ghost", 10)
	assert.ErrorIs(t, err, ports.ErrWalletNotFound)
}

func testConcurrentDebits(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")
	_, err := store.ApplyCredit(ctx, "u1", credit(100, 1))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.ApplyDebit(ctx, "u1", debit(60, 10+n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ports.ErrInsufficientFunds):
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.Balance)
	assert.True(t, w.Reconciles())
}

func testConcurrentCreate(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	const workers = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Create(ctx, domain.NewWallet("u1", baseTime))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	_, err := store.Get(ctx, "u1")
	assert.NoError(t, err)
}

func testConcurrentCredits(t *testing.T, store ports.WalletStore) {
	ctx := context.Background()
	mustCreate(t, store, "u1")
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.ApplyCredit(ctx, "u1", credit(5, n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	w, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5*workers), w.Balance)
	assert.Equal(t, int64(workers), w.EntryCount)
	require.Len(t, w.Transactions, workers)
	for i, e := range w.Transactions {
		assert.Equal(t, int64(i+1), e.Seq, "sequence numbers are dense and ordered")
	}
	assert.True(t, w.Reconciles())
}
