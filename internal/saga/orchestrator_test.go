package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xypay/internal/config"
	"xypay/internal/event"
	"xypay/internal/infrastructure/database"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/service"
)

const sagaTopic = "saga.step"

type harness struct {
	orch    *Orchestrator
	wallets *repository.WalletRepository
	outbox  *repository.OutboxRepository
	sagas   *repository.SagaRepository
	seen    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	h := &harness{
		wallets: repository.NewWalletRepository(db),
		outbox:  repository.NewOutboxRepository(db),
		sagas:   repository.NewSagaRepository(db),
	}
	transactions := repository.NewTransactionRepository(db)
	emitter := event.NewOutbox(h.outbox)
	topics := config.KafkaTopicConfig{TransactionRecorded: "transaction.recorded", SagaStep: sagaTopic}
	recorder := service.NewRecorder(transactions, repository.NewSubAccountRepository(db), emitter, topics)
	ledger := service.NewLedgerService(db, h.wallets, transactions, recorder, lock.NewRedisLocker(rdb, lock.Options{MaxRetries: 3}), log)
	h.orch = NewOrchestrator(db, h.sagas, h.wallets, ledger, emitter, sagaTopic, metrics.New(), log)

	for i, acct := range []string{"1111111111", "2222222222"} {
		require.NoError(t, h.wallets.Create(context.Background(), nil, &model.Wallet{
			UserID:                 int64(i + 1),
			AccountNumber:          acct,
			AlternateAccountNumber: "9" + acct[1:],
			Balance:                decimal.NewFromInt(1000),
			Currency:               "NGN",
			IsActive:               true,
		}))
	}
	return h
}

// pump feeds every not yet delivered step event back to the orchestrator,
// the way the broker would, and returns the events it delivered.
func (h *harness) pump(t *testing.T) []model.SagaStepEvent {
	t.Helper()
	var delivered []model.SagaStepEvent
	for {
		msgs, err := h.outbox.ListByTopic(context.Background(), sagaTopic)
		require.NoError(t, err)
		if h.seen >= len(msgs) {
			return delivered
		}
		msg := msgs[h.seen]
		h.seen++

		var evt model.SagaStepEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		delivered = append(delivered, evt)
		require.NoError(t, h.orch.Handler()(context.Background(), mq.Message{Topic: sagaTopic, Value: []byte(msg.Payload)}))
	}
}

func (h *harness) balance(t *testing.T, acct string) string {
	t.Helper()
	w, err := h.wallets.GetByAccountNumber(context.Background(), nil, acct)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func TestOrchestrator_AccountTransferRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, model.SagaAccountTransfer, &Payload{
		SourceAccount:      "1111111111",
		DestinationAccount: "2222222222",
		Amount:             decimal.NewFromInt(250),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StepStart, started.CurrentStep)

	events := h.pump(t)
	steps := make([]model.SagaStep, 0, len(events))
	for _, e := range events {
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []model.SagaStep{
		model.StepStart, model.StepDebitSource, model.StepCreditDestination, model.StepComplete,
	}, steps)
	assert.Equal(t, model.SagaStatusCompleted, events[len(events)-1].Status)

	got, err := h.orch.Get(ctx, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.StepComplete, got.CurrentStep)
	assert.Equal(t, model.SagaStatusCompleted, got.Status)

	assert.Equal(t, "750.00", h.balance(t, "1111111111"))
	assert.Equal(t, "1250.00", h.balance(t, "2222222222"))
}

func TestOrchestrator_DuplicateEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, model.SagaAccountTransfer, &Payload{
		SourceAccount:      "1111111111",
		DestinationAccount: "2222222222",
		Amount:             decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	first := &model.SagaStepEvent{SagaID: started.SagaID, Step: model.StepStart, Status: model.SagaStatusInProgress}
	require.NoError(t, h.orch.Advance(ctx, first))
	require.NoError(t, h.orch.Advance(ctx, first))

	got, err := h.orch.Get(ctx, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.StepDebitSource, got.CurrentStep)
	assert.Equal(t, "900.00", h.balance(t, "1111111111"))

	// unknown sagas are dropped
	assert.NoError(t, h.orch.Advance(ctx, &model.SagaStepEvent{SagaID: "nope", Step: model.StepStart, Status: model.SagaStatusInProgress}))
}

func TestOrchestrator_LoanDisbursement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, model.SagaLoanDisbursement, &Payload{
		AccountNumber: "2222222222",
		Amount:        decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	h.pump(t)

	got, err := h.orch.Get(ctx, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusCompleted, got.Status)
	assert.Equal(t, "6000.00", h.balance(t, "2222222222"))

	loan, err := h.sagas.GetLoanBySagaID(ctx, nil, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.LoanStatusDisbursed, loan.Status)
	assert.Equal(t, "5000.00", loan.Principal.StringFixed(2))

	p, err := decodePayload(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, loan.LoanNo, p.LoanNo)
}

func TestOrchestrator_FailureAfterDebitNeedsReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, model.SagaAccountTransfer, &Payload{
		SourceAccount:      "1111111111",
		DestinationAccount: "3333333333",
		Amount:             decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	events := h.pump(t)
	assert.Equal(t, model.SagaStatusFailed, events[len(events)-1].Status)

	got, err := h.orch.Get(ctx, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusFailed, got.Status)
	assert.Equal(t, model.StepDebitSource, got.CurrentStep)
	assert.NotEmpty(t, got.LastError)

	p, err := decodePayload(got.Payload)
	require.NoError(t, err)
	assert.True(t, p.ReconciliationRequired)
	assert.Equal(t, model.StepCreditDestination, p.FailedStep)

	// no compensation: the debit stays
	assert.Equal(t, "900.00", h.balance(t, "1111111111"))
}

func TestOrchestrator_FirstStepFailureNeedsNoReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, model.SagaAccountTransfer, &Payload{
		SourceAccount:      "1111111111",
		DestinationAccount: "2222222222",
		Amount:             decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	h.pump(t)

	got, err := h.orch.Get(ctx, started.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusFailed, got.Status)

	p, err := decodePayload(got.Payload)
	require.NoError(t, err)
	assert.False(t, p.ReconciliationRequired)
	assert.Equal(t, model.StepDebitSource, p.FailedStep)
	assert.Equal(t, "1000.00", h.balance(t, "1111111111"))
}

func TestOrchestrator_StartValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "REFUND", &Payload{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUnknownSagaType)

	_, err = h.orch.Start(ctx, model.SagaAccountTransfer, &Payload{
		SourceAccount: "1111111111", DestinationAccount: "1111111111", Amount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.orch.Start(ctx, model.SagaLoanDisbursement, &Payload{AccountNumber: "2222222222"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
