package handler

import (
	"wallet-ledger/internal/adapter/http/dto"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"
	"wallet-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// SettlementHandler serves the signed endpoint used by the purchase
// settlement pipeline to pay for an order from a user's wallet.
type SettlementHandler struct {
	walletSvc ports.WalletService
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(walletSvc ports.WalletService) *SettlementHandler {
	return &SettlementHandler{walletSvc: walletSvc}
}

// Deduct handles POST /api/v1/internal/settlements/deduct.
func (h *SettlementHandler) Deduct(c *gin.Context) {
	var req dto.SettlementDeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)
	if req.Amount == nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}

	w, err := h.walletSvc.Deduct(c.Request.Context(), req.UserID, *req.Amount, req.Description, req.PurchaseID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.SettlementDeductResponse{
		UserID:     w.UserID,
		PurchaseID: req.PurchaseID,
		NewBalance: dto.Money(w.Balance, h.walletSvc.Scale()),
	})
}
