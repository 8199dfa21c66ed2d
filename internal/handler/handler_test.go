package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xypay/internal/config"
	"xypay/internal/event"
	"xypay/internal/infrastructure/database"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/saga"
	"xypay/internal/service"
	"xypay/pkg/response"
)

type stubRequeuer struct{ limit int }

func (s *stubRequeuer) RequeueFailed(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return 2, nil
}

type api struct {
	router   *gin.Engine
	requeuer *stubRequeuer
}

func newAPI(t *testing.T) *api {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.NewRedisLocker(rdb, lock.Options{MaxRetries: 3})

	log := zap.NewNop()
	topics := config.KafkaTopicConfig{
		TransferCreated:     "transfer.created",
		TransactionRecorded: "transaction.recorded",
		SagaStep:            "saga.step",
	}
	wallets := repository.NewWalletRepository(db)
	transactions := repository.NewTransactionRepository(db)
	subAccountRepo := repository.NewSubAccountRepository(db)
	emitter := event.NewOutbox(repository.NewOutboxRepository(db))
	m := metrics.New()

	recorder := service.NewRecorder(transactions, subAccountRepo, emitter, topics)
	ledger := service.NewLedgerService(db, wallets, transactions, recorder, locker, log)
	subAccounts := service.NewSubAccountService(db, wallets, subAccountRepo, transactions, ledger, recorder, locker, log)
	transfers := service.NewTransferService(db, repository.NewTransferRepository(db), emitter, topics, "NGN", log)
	sagas := saga.NewOrchestrator(db, repository.NewSagaRepository(db), wallets, ledger, emitter, topics.SagaStep, m, log)

	require.NoError(t, wallets.Create(context.Background(), nil, &model.Wallet{
		UserID:                 1,
		AccountNumber:          "0123456789",
		AlternateAccountNumber: "8012345678",
		Balance:                decimal.NewFromInt(1000),
		Currency:               "NGN",
		IsActive:               true,
	}))

	a := &api{requeuer: &stubRequeuer{}}
	a.router = SetupRouter(NewHandler(transfers, ledger, subAccounts, sagas, a.requeuer, log), m, log)
	return a
}

func (a *api) do(t *testing.T, method, path string, body interface{}, header map[string]string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp response.Response
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestSubmitTransfer_CreatedThenReplayed(t *testing.T) {
	a := newAPI(t)
	body := gin.H{
		"user_id":                    1,
		"destination_account_number": "0987654321",
		"amount":                     "100",
	}
	header := map[string]string{IdempotencyKeyHeader: "client-key-1"}

	w, resp := a.do(t, http.MethodPost, "/api/v1/transfers", body, header)
	require.Equal(t, http.StatusCreated, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "client-key-1", data["idempotency_key"])
	assert.Equal(t, string(model.TransferStatusPending), data["status"])

	w, resp = a.do(t, http.MethodPost, "/api/v1/transfers", body, header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data["id"], resp.Data.(map[string]interface{})["id"])

	w, _ = a.do(t, http.MethodGet, "/api/v1/transfers?user_id=1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitTransfer_BadInput(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodPost, "/api/v1/transfers", gin.H{"user_id": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeParamError, resp.Code)

	w, _ = a.do(t, http.MethodPost, "/api/v1/transfers", gin.H{
		"user_id": 1, "destination_account_number": "0987654321", "amount": "-5",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferRoutes_NotFound(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodGet, "/api/v1/transfers/12345", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeNotFound, resp.Code)

	w, _ = a.do(t, http.MethodGet, "/api/v1/transfers/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = a.do(t, http.MethodGet, "/api/v1/wallets/0000000000/balance", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWallets_BalanceAndStatement(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodGet, "/api/v1/wallets/8012345678/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	available := decimal.RequireFromString(resp.Data.(map[string]interface{})["available"].(string))
	assert.True(t, available.Equal(decimal.NewFromInt(1000)))

	w, resp = a.do(t, http.MethodGet, "/api/v1/wallets/0123456789/transactions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, resp.Data.(map[string]interface{})["total"])
}

func TestWithdrawInterest_RejectedWithLedgerCode(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodPost, "/api/v1/subaccounts/interest/withdraw",
		gin.H{"user_id": 1, "amount": "50"}, map[string]string{IdempotencyKeyHeader: "wd-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, response.CodeRejected, resp.Code)
	assert.Equal(t, string(model.ErrCodeInsufficientFunds), resp.ErrorCode)
	assert.Equal(t, "50.00", resp.Details["shortfall"])

	w, _ = a.do(t, http.MethodPut, "/api/v1/subaccounts/1/preference",
		gin.H{"auto_save_enabled": true, "auto_save_percent": "120"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = a.do(t, http.MethodPut, "/api/v1/subaccounts/1/preference",
		gin.H{"auto_save_enabled": true, "auto_save_percent": "10"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// the rejected withdrawal rolled back the sub-account it opened
	w, _ = a.do(t, http.MethodGet, "/api/v1/subaccounts/1/interest", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSagas(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodPost, "/api/v1/sagas", gin.H{
		"type":    "LOAN_DISBURSEMENT",
		"payload": gin.H{"accountNumber": "0123456789", "amount": "500"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sagaID := resp.Data.(map[string]interface{})["saga_id"].(string)

	w, resp = a.do(t, http.MethodGet, "/api/v1/sagas/"+sagaID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(model.StepStart), resp.Data.(map[string]interface{})["current_step"])

	w, resp = a.do(t, http.MethodPost, "/api/v1/sagas", gin.H{"type": "REFUND", "payload": gin.H{"amount": "1"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeSagaInvalid, resp.Code)

	w, _ = a.do(t, http.MethodGet, "/api/v1/sagas/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpsAndProbes(t *testing.T) {
	a := newAPI(t)

	w, resp := a.do(t, http.MethodPost, "/api/v1/ops/outbox/requeue?limit=7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, a.requeuer.limit)
	assert.EqualValues(t, 2, resp.Data.(map[string]interface{})["requeued"])

	w, _ = a.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = a.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "xypay_http_requests_total")
}
