package service

import (
	"context"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WalletServiceImpl implements ports.WalletService. It checks that a caller
// identity is present, converts decimal major-unit amounts to minor units and
// leaves every balance rule to the ledger engine.
type WalletServiceImpl struct {
	engine ports.LedgerEngine
	scale  int32
	log    zerolog.Logger
}

// NewWalletService creates a new WalletServiceImpl. scale is the number of
// fractional digits of the ledger currency.
func NewWalletService(engine ports.LedgerEngine, scale int32, log zerolog.Logger) *WalletServiceImpl {
	return &WalletServiceImpl{engine: engine, scale: scale, log: log}
}

var _ ports.WalletService = (*WalletServiceImpl)(nil)

// GetInfo returns the caller's wallet, creating it on first visit.
func (s *WalletServiceImpl) GetInfo(ctx context.Context, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	return s.engine.FindOrCreate(ctx, userID)
}

// AddFunds credits the caller's wallet.
func (s *WalletServiceImpl) AddFunds(ctx context.Context, req ports.AddFundsRequest) (*domain.Posting, error) {
	if req.UserID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	amount, err := s.minorUnits(req.Amount)
	if err != nil {
		return nil, err
	}

	return s.engine.Credit(ctx, ports.CreditRequest{
		UserID:         req.UserID,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// DeductFunds debits the caller's wallet.
func (s *WalletServiceImpl) DeductFunds(ctx context.Context, req ports.DeductFundsRequest) (*domain.Posting, error) {
	if req.UserID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	amount, err := s.minorUnits(req.Amount)
	if err != nil {
		return nil, err
	}

	return s.engine.Debit(ctx, ports.DebitRequest{
		UserID:          req.UserID,
		Amount:          amount,
		Description:     req.Description,
		RelatedPurchase: req.PurchaseID,
		IdempotencyKey:  req.IdempotencyKey,
	})
}

// GetHistory returns the caller's most recent entries.
func (s *WalletServiceImpl) GetHistory(ctx context.Context, userID string, limit int) ([]domain.Entry, error) {
	if userID == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	return s.engine.History(ctx, userID, limit)
}

// Deduct is the settlement form of DeductFunds: it pays for purchaseID from
// the wallet and returns the wallet as left by the debit. The purchase id
// doubles as the idempotency key, so a settlement retried by the order
// pipeline is applied once.
func (s *WalletServiceImpl) Deduct(ctx context.Context, userID string, amount decimal.Decimal, description, purchaseID string) (*domain.Wallet, error) {
	key := ""
	if purchaseID != "" {
		key = "purchase:" + purchaseID
	}

	p, err := s.DeductFunds(ctx, ports.DeductFundsRequest{
		UserID:         userID,
		Amount:         &amount,
		Description:    description,
		PurchaseID:     purchaseID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("purchase_id", purchaseID).
		Str("amount", amount.String()).
		Bool("replayed", p.Replayed).
		Msg("purchase settled from wallet")

	w := p.Wallet
	return &w, nil
}

// Scale returns the number of fractional digits of the ledger currency.
func (s *WalletServiceImpl) Scale() int32 {
	return s.scale
}

func (s *WalletServiceImpl) minorUnits(amount *decimal.Decimal) (int64, error) {
	if amount == nil {
		return 0, apperror.ErrInvalidAmount()
	}
	minor, ok := domain.ToMinorUnits(*amount, s.scale)
	if !ok || minor <= 0 {
		return 0, apperror.ErrInvalidAmount()
	}
	return minor, nil
}
