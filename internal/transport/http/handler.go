package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tiply/ledger-service/internal/model"
	"github.com/tiply/ledger-service/internal/service"
	"go.uber.org/zap"
)

type handlers struct {
	svc *service.LedgerService
	log *zap.SugaredLogger
}

// transactionSummary is what clients see of a record; metadata stays
// internal.
type transactionSummary struct {
	ID                 string       `json:"id"`
	Kind               model.Kind   `json:"kind"`
	Status             model.Status `json:"status"`
	PayeeReference     string       `json:"recipient"`
	Amount             string       `json:"amount"`
	Fee                string       `json:"fee"`
	NetAmount          string       `json:"net_amount"`
	Currency           string       `json:"currency"`
	DestinationAddress string       `json:"destination_address"`
	ExternalTransferID *string      `json:"transfer_id,omitempty"`
	ChainSignature     *string      `json:"signature,omitempty"`
	Message            *string      `json:"message,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

func summarize(t *model.Transaction) transactionSummary {
	return transactionSummary{
		ID:                 t.ID,
		Kind:               t.Kind,
		Status:             t.Status,
		PayeeReference:     t.PayeeReference,
		Amount:             t.Amount.StringFixed(6),
		Fee:                t.Fee.StringFixed(6),
		NetAmount:          t.NetAmount.StringFixed(6),
		Currency:           t.Currency,
		DestinationAddress: t.DestinationAddress,
		ExternalTransferID: t.ExternalTransferID,
		ChainSignature:     t.ChainSignature,
		Message:            t.Message,
		CreatedAt:          t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}
}

func clientInfo(c *gin.Context) service.ClientInfo {
	_, authed := currentUser(c)
	return service.ClientInfo{IP: c.ClientIP(), UserAgent: c.Request.UserAgent(), Authenticated: authed}
}

// maxIdempotencyKeyLen matches the idempotency_key column.
const maxIdempotencyKeyLen = 64

// idempotencyKey prefers the body field over the Idempotency-Key header.
func idempotencyKey(c *gin.Context, body string) (string, error) {
	key := body
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", fmt.Errorf("idempotency key exceeds %d characters", maxIdempotencyKeyLen)
	}
	return key, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("invalid amount")
	}
	return amt, nil
}

// createTipReq has no fee or net amount; anything a client sends for them
// is dropped by the binder.
type createTipReq struct {
	Recipient      string `json:"recipient" binding:"required,max=64"`
	Amount         string `json:"amount" binding:"required"`
	SourceAddress  string `json:"source_address" binding:"required,solana_address"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key" binding:"max=64"`
}

func (h *handlers) createTip(c *gin.Context) {
	var req createTipReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := idempotencyKey(c, req.IdempotencyKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payer, _ := currentUser(c)
	t, err := h.svc.Create(c, service.CreateRequest{
		Kind:           model.KindTip,
		Amount:         amt,
		PayeeReference: req.Recipient,
		SourceAddress:  req.SourceAddress,
		PayerReference: payer,
		Message:        req.Message,
		IdempotencyKey: key,
		Client:         clientInfo(c),
	})
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}
	c.JSON(http.StatusCreated, summarize(t))
}

type verifyTipReq struct {
	Signature string `json:"signature" binding:"required,solana_signature"`
	Recipient string `json:"recipient" binding:"required,max=64"`
	Message   string `json:"message"`
}

func (h *handlers) verifyTip(c *gin.Context) {
	var req verifyTipReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payer, _ := currentUser(c)
	t, err := h.svc.VerifyOnChainSubmission(c, service.OnChainSubmission{
		Signature:      req.Signature,
		Recipient:      req.Recipient,
		PayerReference: payer,
		Message:        req.Message,
		Client:         clientInfo(c),
	})
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}
	c.JSON(http.StatusCreated, summarize(t))
}

func (h *handlers) tipStatus(c *gin.Context) {
	id := c.Param("id")
	t, err := h.svc.Get(c, id)
	if err == nil && t.Status == model.StatusPending {
		t, err = h.svc.Reconcile(c, id)
	}
	if err != nil {
		writeError(c, h.log, err, id)
		return
	}
	c.JSON(http.StatusOK, summarize(t))
}

type createWithdrawalReq struct {
	Amount             string `json:"amount" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"omitempty,solana_address"`
	IdempotencyKey     string `json:"idempotency_key" binding:"max=64"`
}

func (h *handlers) createWithdrawal(c *gin.Context) {
	var req createWithdrawalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := idempotencyKey(c, req.IdempotencyKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	username, _ := currentUser(c)
	t, err := h.svc.Create(c, service.CreateRequest{
		Kind:               model.KindWithdrawal,
		Amount:             amt,
		PayeeReference:     username,
		DestinationAddress: req.DestinationAddress,
		IdempotencyKey:     key,
		Client:             clientInfo(c),
	})
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}
	c.JSON(http.StatusCreated, summarize(t))
}

func (h *handlers) balance(c *gin.Context) {
	username, _ := currentUser(c)
	bal, err := h.svc.Balance(c, username)
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "available": bal.StringFixed(6), "currency": model.CurrencyUSDC})
}

type overrideStatusReq struct {
	Status string `json:"status" binding:"required,oneof=COMPLETED FAILED"`
	Reason string `json:"reason" binding:"max=512"`
}

func (h *handlers) overrideStatus(c *gin.Context) {
	var req overrideStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	actor, _ := currentUser(c)
	t, err := h.svc.OverrideStatus(c, id, model.Status(req.Status), actor, req.Reason)
	if errors.Is(err, service.ErrConflict) && t != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "transaction": summarize(t)})
		return
	}
	if err != nil {
		writeError(c, h.log, err, id)
		return
	}
	c.JSON(http.StatusOK, summarize(t))
}

type railWebhookReq struct {
	TransferID string `json:"transferId" binding:"required"`
}

// railWebhook only learns which transfer changed; the status is always
// read back from the rail.
func (h *handlers) railWebhook(c *gin.Context) {
	var req railWebhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.svc.ReconcileTransfer(c, req.TransferID)
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}
	c.JSON(http.StatusOK, summarize(t))
}
