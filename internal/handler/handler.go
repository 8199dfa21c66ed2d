package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/saga"
	"xypay/internal/service"
	"xypay/pkg/idgen"
	"xypay/pkg/response"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// OutboxRequeuer puts parked outbox messages back in the relay queue.
type OutboxRequeuer interface {
	RequeueFailed(ctx context.Context, limit int) (int, error)
}

type Handler struct {
	transfers   *service.TransferService
	ledger      *service.LedgerService
	subAccounts *service.SubAccountService
	sagas       *saga.Orchestrator
	outbox      OutboxRequeuer
	log         *zap.Logger
}

func NewHandler(transfers *service.TransferService, ledger *service.LedgerService, subAccounts *service.SubAccountService, sagas *saga.Orchestrator, outbox OutboxRequeuer, log *zap.Logger) *Handler {
	return &Handler{
		transfers:   transfers,
		ledger:      ledger,
		subAccounts: subAccounts,
		sagas:       sagas,
		outbox:      outbox,
		log:         log.Named("http"),
	}
}

// ============================================================
// Transfers
// ============================================================

// SubmitTransfer
// POST /api/v1/transfers
//
// The Idempotency-Key header wins over the body field. A replay answers 200
// with the original transfer, a new transfer answers 201.
func (h *Handler) SubmitTransfer(c *gin.Context) {
	var req service.TransferRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}

	t, created, err := h.transfers.Submit(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !created {
		response.Replayed(c, t)
		return
	}
	response.Created(c, t)
}

// GetTransfer
// GET /api/v1/transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	t, err := h.transfers.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

// ListTransfers
// GET /api/v1/transfers?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransfers(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transfers, total, err := h.transfers.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      transfers,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type GuardConfirmation struct {
	StatusKey string `json:"status_key" binding:"required"`
	Passed    *bool  `json:"passed" binding:"required"`
}

// ConfirmGuard records a verification outcome from the security flow.
// POST /api/v1/transfers/:id/guards
func (h *Handler) ConfirmGuard(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	var req GuardConfirmation
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	t, err := h.transfers.ConfirmGuard(c.Request.Context(), id, req.StatusKey, *req.Passed)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

// CancelTransfer
// POST /api/v1/transfers/:id/cancel
func (h *Handler) CancelTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	_ = c.ShouldBindJSON(&req)

	t, err := h.transfers.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

// ============================================================
// Wallets
// ============================================================

// GetBalance returns balances and today's limit usage.
// GET /api/v1/wallets/:account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	limits, err := h.ledger.GetLimits(c.Request.Context(), c.Param("account"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, limits)
}

// GetStatement
// GET /api/v1/wallets/:account/transactions?page=1&page_size=20
func (h *Handler) GetStatement(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.ledger.Statement(c.Request.Context(), c.Param("account"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// Sagas
// ============================================================

type StartSagaRequest struct {
	Type    model.SagaType `json:"type" binding:"required"`
	Payload saga.Payload   `json:"payload"`
}

// StartSaga
// POST /api/v1/sagas
func (h *Handler) StartSaga(c *gin.Context) {
	var req StartSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	stepLog, err := h.sagas.Start(c.Request.Context(), req.Type, &req.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, stepLog)
}

// GetSaga
// GET /api/v1/sagas/:id
func (h *Handler) GetSaga(c *gin.Context) {
	stepLog, err := h.sagas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stepLog)
}

// ============================================================
// Sub-accounts
// ============================================================

type InterestWithdrawalRequest struct {
	UserID    int64           `json:"user_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// WithdrawInterest moves money from the INTEREST sub-account to the wallet.
// POST /api/v1/subaccounts/interest/withdraw
func (h *Handler) WithdrawInterest(c *gin.Context) {
	var req InterestWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		response.ParamError(c, "amount must be positive")
		return
	}
	if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
		req.Reference = key
	}
	if req.Reference == "" {
		req.Reference = idgen.NewIdempotencyKey()
	}

	result, err := h.subAccounts.WithdrawInterest(c.Request.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetSubAccount
// GET /api/v1/subaccounts/:user_id/:kind
func (h *Handler) GetSubAccount(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}
	kind := model.SubAccountKind(strings.ToUpper(c.Param("kind")))

	account, err := h.subAccounts.Get(c.Request.Context(), userID, kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// GetSubAccountTransactions
// GET /api/v1/subaccounts/:user_id/:kind/transactions
func (h *Handler) GetSubAccountTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}
	kind := model.SubAccountKind(strings.ToUpper(c.Param("kind")))

	txns, err := h.subAccounts.Transactions(c.Request.Context(), userID, kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txns)
}

type PreferenceRequest struct {
	AutoSweepEnabled bool            `json:"auto_sweep_enabled"`
	AutoSaveEnabled  bool            `json:"auto_save_enabled"`
	AutoSavePercent  decimal.Decimal `json:"auto_save_percent"`
}

// SavePreference
// PUT /api/v1/subaccounts/:user_id/preference
func (h *Handler) SavePreference(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}
	var req PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	pref := &model.SavingsPreference{
		UserID:           userID,
		AutoSweepEnabled: req.AutoSweepEnabled,
		AutoSaveEnabled:  req.AutoSaveEnabled,
		AutoSavePercent:  req.AutoSavePercent,
	}
	if err := h.subAccounts.SavePreference(c.Request.Context(), pref); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, pref)
}

// RequeueOutbox
// POST /api/v1/ops/outbox/requeue?limit=100
func (h *Handler) RequeueOutbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	n, err := h.outbox.RequeueFailed(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"requeued": n})
}

func transferID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "invalid transfer id")
		return 0, false
	}
	return id, true
}

// fail maps service errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var failure *model.Failure
	switch {
	case errors.As(err, &failure):
		response.Rejected(c, string(failure.Code), failure.Reason, failure.Details)
	case errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrUnknownGuard):
		response.Error(c, 400, response.CodeUnknownGuard, err.Error())
	case errors.Is(err, saga.ErrUnknownSagaType), errors.Is(err, saga.ErrInvalidPayload):
		response.Error(c, 400, response.CodeSagaInvalid, err.Error())
	case errors.Is(err, repository.ErrTransferNotFound),
		errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrSagaNotFound),
		errors.Is(err, repository.ErrSubAccountNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrTransferNotActive):
		response.BusinessError(c, response.CodeTransferNotActive, err.Error())
	case errors.Is(err, service.ErrAlreadyApplied):
		response.BusinessError(c, response.CodeConflict, err.Error())
	default:
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "internal error")
	}
}
