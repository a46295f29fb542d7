package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"

	"github.com/rs/zerolog"
)

// LedgerEngineImpl implements ports.LedgerEngine. It holds no wallet state:
// every balance change is a single conditional update evaluated by the store,
// so several engine instances can serve the same wallets.
type LedgerEngineImpl struct {
	store      ports.WalletStore
	idempCache ports.IdempotencyCache
	cfg        config.LedgerConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewLedgerEngine creates a new LedgerEngineImpl. idempCache may be nil, in
// which case idempotency keys are resolved against the store only.
func NewLedgerEngine(
	store ports.WalletStore,
	idempCache ports.IdempotencyCache,
	cfg config.LedgerConfig,
	log zerolog.Logger,
) *LedgerEngineImpl {
	return &LedgerEngineImpl{
		store:      store,
		idempCache: idempCache,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

var _ ports.LedgerEngine = (*LedgerEngineImpl)(nil)

// FindOrCreate returns the user's wallet, creating an empty one on first use.
// Concurrent callers race on the store's unique user_id; losers simply read
// the winner's wallet.
func (s *LedgerEngineImpl) FindOrCreate(ctx context.Context, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, apperror.ErrUnauthenticated()
	}

	w, err := s.store.Get(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ports.ErrWalletNotFound) {
		return nil, s.storeFailure(err, userID, "get wallet")
	}

	created, err := s.store.Create(ctx, domain.NewWallet(userID, s.now()))
	if err != nil {
		return nil, s.storeFailure(err, userID, "create wallet")
	}
	if created {
		s.log.Info().Str("user_id", userID).Msg("wallet created")
	}

	w, err = s.store.Get(ctx, userID)
	if err != nil {
		return nil, s.storeFailure(err, userID, "get wallet")
	}
	return w, nil
}

// Credit adds funds, creating the wallet if the user has none yet.
func (s *LedgerEngineImpl) Credit(ctx context.Context, req ports.CreditRequest) (*domain.Posting, error) {
	if req.UserID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	if req.Amount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}

	entry := domain.NewEntry(domain.EntryKindCredit, req.Amount, req.Description,
		nil, optional(req.IdempotencyKey), s.now())

	if replay, err := s.replay(ctx, req.UserID, entry); replay != nil || err != nil {
		return replay, err
	}

	posting, err := s.store.ApplyCredit(ctx, req.UserID, entry)
	if errors.Is(err, ports.ErrWalletNotFound) {
		if _, err := s.FindOrCreate(ctx, req.UserID); err != nil {
			return nil, err
		}
		posting, err = s.store.ApplyCredit(ctx, req.UserID, entry)
	}
	if err != nil {
		return s.postingFailure(ctx, req.UserID, entry, err)
	}

	s.accepted(ctx, req.UserID, posting)
	return posting, nil
}

// Debit removes funds if, at the moment the store applies it, the balance
// covers the amount. It never creates a wallet.
func (s *LedgerEngineImpl) Debit(ctx context.Context, req ports.DebitRequest) (*domain.Posting, error) {
	if req.UserID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	if req.Amount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}

	entry := domain.NewEntry(domain.EntryKindDebit, req.Amount, req.Description,
		optional(req.RelatedPurchase), optional(req.IdempotencyKey), s.now())

	if replay, err := s.replay(ctx, req.UserID, entry); replay != nil || err != nil {
		return replay, err
	}

	posting, err := s.store.ApplyDebit(ctx, req.UserID, entry)
	if err != nil {
		return s.postingFailure(ctx, req.UserID, entry, err)
	}

	s.accepted(ctx, req.UserID, posting)
	return posting, nil
}

// History returns up to limit entries, most recent first. A non-positive
// limit selects the default; larger limits are capped.
func (s *LedgerEngineImpl) History(ctx context.Context, userID string, limit int) ([]domain.Entry, error) {
	if userID == "" {
		return nil, apperror.ErrUnauthenticated()
	}

	entries, err := s.store.ListEntries(ctx, userID, s.historyLimit(limit))
	if errors.Is(err, ports.ErrWalletNotFound) {
		return nil, apperror.ErrWalletNotFound()
	}
	if err != nil {
		return nil, s.storeFailure(err, userID, "list entries")
	}
	return entries, nil
}

func (s *LedgerEngineImpl) historyLimit(limit int) int {
	if limit <= 0 {
		limit = s.cfg.DefaultHistoryLimit
	}
	if s.cfg.MaxHistoryLimit > 0 && limit > s.cfg.MaxHistoryLimit {
		limit = s.cfg.MaxHistoryLimit
	}
	return limit
}

// replay looks for an earlier entry carrying the same idempotency key.
// It returns nil, nil when the request is new.
func (s *LedgerEngineImpl) replay(ctx context.Context, userID string, entry *domain.Entry) (*domain.Posting, error) {
	if entry.IdempotencyKey == nil {
		return nil, nil
	}

	// Layer 1: Redis
	prior := s.cachedEntry(ctx, userID, *entry.IdempotencyKey)

	// Layer 2: store
	if prior == nil {
		var err error
		prior, err = s.store.FindEntryByIdempotencyKey(ctx, userID, *entry.IdempotencyKey)
		if err != nil {
			return nil, s.storeFailure(err, userID, "find idempotent entry")
		}
		if prior == nil {
			return nil, nil
		}
	}

	return s.replayOf(ctx, userID, prior, entry)
}

func (s *LedgerEngineImpl) replayOf(ctx context.Context, userID string, prior, requested *domain.Entry) (*domain.Posting, error) {
	if !prior.SameOperation(requested) {
		s.log.Warn().
			Str("user_id", userID).
			Str("idempotency_key", *requested.IdempotencyKey).
			Str("prior_entry_id", prior.ID.String()).
			Msg("idempotency key reused for a different operation")
		return nil, apperror.ErrIdempotencyConflict()
	}

	w, err := s.store.GetHeader(ctx, userID)
	if err != nil {
		return nil, s.storeFailure(err, userID, "get wallet header")
	}

	s.log.Info().
		Str("user_id", userID).
		Str("entry_id", prior.ID.String()).
		Int64("seq", prior.Seq).
		Bool("replayed", true).
		Msg("idempotent request replayed")

	return &domain.Posting{Wallet: *w, Entry: *prior, Replayed: true}, nil
}

// postingFailure translates a failed ApplyCredit/ApplyDebit.
func (s *LedgerEngineImpl) postingFailure(ctx context.Context, userID string, entry *domain.Entry, err error) (*domain.Posting, error) {
	switch {
	case errors.Is(err, ports.ErrInsufficientFunds):
		return s.guardFailure(ctx, userID, entry, apperror.ErrInsufficientFunds())
	case errors.Is(err, ports.ErrWalletNotFound):
		return nil, apperror.ErrWalletNotFound()
	case errors.Is(err, ports.ErrBalanceOverflow):
		return s.guardFailure(ctx, userID, entry, apperror.ErrInvalidAmount())
	case errors.Is(err, ports.ErrDuplicateIdempotencyKey):
		// Lost a race with a concurrent request carrying the same key.
		prior, findErr := s.store.FindEntryByIdempotencyKey(ctx, userID, *entry.IdempotencyKey)
		if findErr != nil {
			return nil, s.storeFailure(findErr, userID, "find idempotent entry")
		}
		if prior == nil {
			return nil, s.storeFailure(err, userID, "resolve duplicate idempotency key")
		}
		return s.replayOf(ctx, userID, prior, entry)
	default:
		return nil, s.storeFailure(err, userID, fmt.Sprintf("apply %s", entry.Kind))
	}
}

// guardFailure surfaces a rejected balance guard. A keyed request whose twin
// committed after our replay check is answered with the committed entry, so a
// retry always gets the outcome of the first call.
func (s *LedgerEngineImpl) guardFailure(ctx context.Context, userID string, entry *domain.Entry, appErr error) (*domain.Posting, error) {
	if entry.IdempotencyKey == nil {
		return nil, appErr
	}
	prior, err := s.store.FindEntryByIdempotencyKey(ctx, userID, *entry.IdempotencyKey)
	if err != nil {
		return nil, s.storeFailure(err, userID, "find idempotent entry")
	}
	if prior == nil {
		return nil, appErr
	}
	return s.replayOf(ctx, userID, prior, entry)
}

func (s *LedgerEngineImpl) accepted(ctx context.Context, userID string, p *domain.Posting) {
	if p.Entry.IdempotencyKey != nil {
		s.cacheEntry(ctx, userID, &p.Entry)
	}

	s.log.Info().
		Str("user_id", userID).
		Str("kind", string(p.Entry.Kind)).
		Int64("amount", p.Entry.Amount).
		Int64("balance", p.Wallet.Balance).
		Int64("seq", p.Entry.Seq).
		Msg("wallet posting applied")
}

func (s *LedgerEngineImpl) storeFailure(err error, userID, op string) error {
	s.log.Error().Err(err).Str("user_id", userID).Str("op", op).Msg("wallet store operation failed")
	return apperror.ErrStoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

func idempotencyCacheKey(userID, key string) string {
	return userID + ":" + key
}

func (s *LedgerEngineImpl) cachedEntry(ctx context.Context, userID, key string) *domain.Entry {
	if s.idempCache == nil {
		return nil
	}
	cacheKey := idempotencyCacheKey(userID, key)

	cached, err := s.idempCache.Get(ctx, cacheKey)
	if err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("redis idempotency check failed, falling through to store")
		return nil
	}
	if cached == nil {
		return nil
	}

	var e domain.Entry
	if err := json.Unmarshal(cached, &e); err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("discarding unreadable idempotency cache entry")
		return nil
	}
	e.IdempotencyKey = &key
	return &e
}

func (s *LedgerEngineImpl) cacheEntry(ctx context.Context, userID string, e *domain.Entry) {
	if s.idempCache == nil {
		return
	}
	cacheKey := idempotencyCacheKey(userID, *e.IdempotencyKey)

	data, err := json.Marshal(e)
	if err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to encode entry for idempotency cache")
		return
	}
	if err := s.idempCache.Set(ctx, cacheKey, data, s.cfg.IdempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache idempotency in redis")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
