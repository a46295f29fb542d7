package handler

import (
	"strconv"

	"wallet-ledger/internal/adapter/http/dto"
	"wallet-ledger/internal/adapter/http/middleware"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"
	"wallet-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// WalletHandler handles the user-facing wallet endpoints.
type WalletHandler struct {
	walletSvc ports.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletSvc ports.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

// GetInfo handles GET /api/v1/wallet/info.
func (h *WalletHandler) GetInfo(c *gin.Context) {
	w, err := h.walletSvc.GetInfo(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewWalletInfoResponse(w, h.walletSvc.Scale()))
}

// AddFunds handles POST /api/v1/wallet/add-funds.
func (h *WalletHandler) AddFunds(c *gin.Context) {
	var req dto.AddFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	posting, err := h.walletSvc.AddFunds(c.Request.Context(), ports.AddFundsRequest{
		UserID:         middleware.UserID(c),
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewAddFundsResponse(posting, h.walletSvc.Scale()))
}

// DeductFunds handles POST /api/v1/wallet/deduct-funds.
func (h *WalletHandler) DeductFunds(c *gin.Context) {
	var req dto.DeductFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	posting, err := h.walletSvc.DeductFunds(c.Request.Context(), ports.DeductFundsRequest{
		UserID:         middleware.UserID(c),
		Amount:         req.Amount,
		Description:    req.Description,
		PurchaseID:     req.PurchaseID,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewDeductFundsResponse(posting, h.walletSvc.Scale()))
}

// GetTransactions handles GET /api/v1/wallet/transactions?limit=.
// An absent limit uses the ledger default.
func (h *WalletHandler) GetTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, apperror.Validation("limit must be an integer"))
			return
		}
		limit = n
	}

	entries, err := h.walletSvc.GetHistory(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := dto.NewEntryResponses(entries, h.walletSvc.Scale())
	response.OK(c, dto.HistoryResponse{Items: items, Count: len(items)})
}
