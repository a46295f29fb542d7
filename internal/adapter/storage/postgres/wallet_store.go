package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation       = "23505"
	idempotencyConstraint = "idx_wallet_entries_idempotency"
)

const (
	walletColumns = `user_id, balance, entry_count, last_updated, created_at`
	entryColumns  = `id, seq, kind, amount, description, related_purchase, idempotency_key, created_at`
)

// Both updates are conditional: the guard is evaluated against the locked,
// current row, so concurrent postings on one wallet serialize on the row lock
// and a losing debit sees the balance left by the winner.
const (
	creditQuery = `UPDATE wallets
		SET balance = balance + $1, entry_count = entry_count + 1, last_updated = $2
		WHERE user_id = $3 AND balance <= $4
		RETURNING ` + walletColumns

	debitQuery = `UPDATE wallets
		SET balance = balance - $1, entry_count = entry_count + 1, last_updated = $2
		WHERE user_id = $3 AND balance >= $1
		RETURNING ` + walletColumns

	insertEntryQuery = `INSERT INTO wallet_entries (id, user_id, seq, kind, amount, description,
		related_purchase, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	walletExistsQuery = `SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`
)

// WalletStore implements ports.WalletStore on PostgreSQL.
type WalletStore struct {
	pool Pool
}

// NewWalletStore creates a new PostgreSQL wallet store.
func NewWalletStore(pool Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

var _ ports.WalletStore = (*WalletStore)(nil)

// Get loads the wallet and its full log from one repeatable-read snapshot.
func (s *WalletStore) Get(ctx context.Context, userID string) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := inTx(ctx, s.pool, readTx, func(tx pgx.Tx) error {
		var err error
		w, err = scanWallet(tx.QueryRow(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = $1 ORDER BY seq ASC`, userID)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		w.Transactions, err = collectEntries(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetHeader reads the wallet row only.
func (s *WalletStore) GetHeader(ctx context.Context, userID string) (*domain.Wallet, error) {
	return scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// Create inserts an empty wallet. It reports false, without error, when a
// wallet for the user already exists.
func (s *WalletStore) Create(ctx context.Context, w *domain.Wallet) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance, w.EntryCount, w.LastUpdated, w.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert wallet: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyCredit adds entry.Amount to the balance and appends the entry.
func (s *WalletStore) ApplyCredit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(ctx, userID, entry, ports.ErrBalanceOverflow, creditQuery,
		entry.Amount, entry.CreatedAt, userID, int64(math.MaxInt64)-entry.Amount)
}

// ApplyDebit subtracts entry.Amount from the balance and appends the entry,
// provided the balance covers it.
func (s *WalletStore) ApplyDebit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(ctx, userID, entry, ports.ErrInsufficientFunds, debitQuery,
		entry.Amount, entry.CreatedAt, userID)
}

func (s *WalletStore) apply(ctx context.Context, userID string, entry *domain.Entry, guardErr error, query string, args ...any) (*domain.Posting, error) {
	var posting *domain.Posting
	err := inTx(ctx, s.pool, writeTx, func(tx pgx.Tx) error {
		w, err := scanWallet(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, ports.ErrWalletNotFound) {
			// No row matched: either there is no wallet or the guard failed.
			var exists bool
			if err := tx.QueryRow(ctx, walletExistsQuery, userID).Scan(&exists); err != nil {
				return fmt.Errorf("check wallet: %w", err)
			}
			if exists {
				return guardErr
			}
			return ports.ErrWalletNotFound
		}
		if err != nil {
			return err
		}

		e := *entry
		e.Seq = w.EntryCount
		_, err = tx.Exec(ctx, insertEntryQuery,
			e.ID, userID, e.Seq, string(e.Kind), e.Amount, e.Description,
			e.RelatedPurchase, e.IdempotencyKey, e.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyConstraint {
				return ports.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("insert entry: %w", err)
		}

		posting = &domain.Posting{Wallet: *w, Entry: e}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posting, nil
}

// ListEntries returns up to limit entries, most recent first.
func (s *WalletStore) ListEntries(ctx context.Context, userID string, limit int) ([]domain.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	// An empty page is only valid for an existing wallet.
	var exists bool
	if err := s.pool.QueryRow(ctx, walletExistsQuery, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check wallet: %w", err)
	}
	if !exists {
		return nil, ports.ErrWalletNotFound
	}
	return entries, nil
}

// FindEntryByIdempotencyKey returns the entry appended under key, or nil.
func (s *WalletStore) FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry by idempotency key: %w", err)
	}
	return e, nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	err := row.Scan(&w.UserID, &w.Balance, &w.EntryCount, &w.LastUpdated, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return w, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var (
		e    domain.Entry
		kind string
	)
	err := row.Scan(&e.ID, &e.Seq, &kind, &e.Amount, &e.Description,
		&e.RelatedPurchase, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.Entry, error) {
	defer rows.Close()

	entries := []domain.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
