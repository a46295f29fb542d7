/*
Package sqlite provides a single-file ports.WalletStore for local runs and
tests that want real SQL without a PostgreSQL server.

The schema mirrors the PostgreSQL one. Timestamps are stored as RFC3339Nano
UTC text. The pool is pinned to one connection: SQLite allows a single writer
anyway, and ":memory:" databases are per-connection.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id      TEXT PRIMARY KEY,
	balance      INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	entry_count  INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_entries (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES wallets (user_id),
	seq              INTEGER NOT NULL,
	kind             TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
	amount           INTEGER NOT NULL CHECK (amount > 0),
	description      TEXT NOT NULL DEFAULT '',
	related_purchase TEXT,
	idempotency_key  TEXT,
	created_at       TEXT NOT NULL,
	UNIQUE (user_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_entries_idempotency
	ON wallet_entries (user_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
`

const (
	walletColumns = `user_id, balance, entry_count, last_updated, created_at`
	entryColumns  = `id, seq, kind, amount, description, related_purchase, idempotency_key, created_at`

	creditQuery = `UPDATE wallets
		SET balance = balance + ?1, entry_count = entry_count + 1, last_updated = ?2
		WHERE user_id = ?3 AND balance <= ?4
		RETURNING ` + walletColumns

	debitQuery = `UPDATE wallets
		SET balance = balance - ?1, entry_count = entry_count + 1, last_updated = ?2
		WHERE user_id = ?3 AND balance >= ?1
		RETURNING ` + walletColumns

	walletExistsQuery = `SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = ?)`
)

// Store implements ports.WalletStore using SQLite.
type Store struct {
	db *sql.DB
}

var _ ports.WalletStore = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements ports.HealthChecker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Name implements ports.HealthChecker.
func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) Get(ctx context.Context, userID string) (*domain.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if w.Transactions, err = collectEntries(rows); err != nil {
		return nil, err
	}
	return w, tx.Commit()
}

func (s *Store) GetHeader(ctx context.Context, userID string) (*domain.Wallet, error) {
	return scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
}

func (s *Store) Create(ctx context.Context, w *domain.Wallet) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance, w.EntryCount, formatTime(w.LastUpdated), formatTime(w.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert wallet: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ApplyCredit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(ctx, userID, entry, ports.ErrBalanceOverflow, creditQuery,
		entry.Amount, formatTime(entry.CreatedAt), userID, int64(math.MaxInt64)-entry.Amount)
}

func (s *Store) ApplyDebit(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	return s.apply(ctx, userID, entry, ports.ErrInsufficientFunds, debitQuery,
		entry.Amount, formatTime(entry.CreatedAt), userID)
}

func (s *Store) apply(ctx context.Context, userID string, entry *domain.Entry, guardErr error, query string, args ...any) (*domain.Posting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	w, err := scanWallet(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ports.ErrWalletNotFound) {
		var exists bool
		if err := tx.QueryRowContext(ctx, walletExistsQuery, userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check wallet: %w", err)
		}
		if exists {
			return nil, guardErr
		}
		return nil, ports.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	e := *entry
	e.Seq = w.EntryCount
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallet_entries (id, user_id, seq, kind, amount, description,
		related_purchase, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), userID, e.Seq, string(e.Kind), e.Amount, e.Description,
		nullString(e.RelatedPurchase), nullString(e.IdempotencyKey), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isIdempotencyViolation(err) {
			return nil, ports.ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &domain.Posting{Wallet: *w, Entry: e}, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
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

	var exists bool
	if err := s.db.QueryRowContext(ctx, walletExistsQuery, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check wallet: %w", err)
	}
	if !exists {
		return nil, ports.ErrWalletNotFound
	}
	return entries, nil
}

func (s *Store) FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM wallet_entries WHERE user_id = ? AND idempotency_key = ?`,
		userID, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry by idempotency key: %w", err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*domain.Wallet, error) {
	var (
		w                    domain.Wallet
		lastUpdated, created string
	)
	err := row.Scan(&w.UserID, &w.Balance, &w.EntryCount, &lastUpdated, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	if w.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanEntry(row scanner) (*domain.Entry, error) {
	var (
		e                        domain.Entry
		id, kind, created        string
		relatedPurchase, idemKey sql.NullString
	)
	if err := row.Scan(&id, &e.Seq, &kind, &e.Amount, &e.Description, &relatedPurchase, &idemKey, &created); err != nil {
		return nil, err
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse entry id: %w", err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	e.RelatedPurchase = stringPtr(relatedPurchase)
	e.IdempotencyKey = stringPtr(idemKey)
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]domain.Entry, error) {
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

func isIdempotencyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "idempotency_key")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
