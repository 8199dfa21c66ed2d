package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/config"
	"xypay/internal/event"
	"xypay/internal/guard"
	"xypay/internal/infrastructure/database"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
)

func testTopics() event.Topics {
	return config.KafkaTopicConfig{
		TransferCreated:     "transfer.created",
		TransferRetry:       "transfer.retry",
		TransferCompleted:   "transfer.completed",
		TransactionRecorded: "transaction.recorded",
		SagaStep:            "saga.step",
		Settlement:          "transfer.settlement",
		Notification:        "notification",
	}
}

// faultyEmitter fails, once, the next emit on topic.
type faultyEmitter struct {
	next  event.Emitter
	topic string
	mode  string
}

func (e *faultyEmitter) arm(topic, mode string) {
	e.topic, e.mode = topic, mode
}

func (e *faultyEmitter) Emit(ctx context.Context, tx *gorm.DB, topic, key string, payload interface{}) error {
	if e.mode != "" && topic == e.topic {
		mode := e.mode
		e.mode = ""
		if mode == "panic" {
			panic("outbox writer exploded")
		}
		return errors.New("outbox unavailable")
	}
	return e.next.Emit(ctx, tx, topic, key, payload)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, title, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

type fixture struct {
	db           *gorm.DB
	wallets      *repository.WalletRepository
	transfers    *repository.TransferRepository
	transactions *repository.TransactionRepository
	subAccounts  *repository.SubAccountRepository
	outbox       *repository.OutboxRepository
	emitter      *faultyEmitter
	notifier     *recordingNotifier
	metrics      *metrics.Metrics
	topics       event.Topics

	ledger      *LedgerService
	subAccount  *SubAccountService
	transferSvc *TransferService
	processor   *Processor
}

func newFixture(t *testing.T, guards ...guard.Guard) *fixture {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.NewRedisLocker(rdb, lock.Options{RetryInterval: 0, MaxRetries: 3})

	log := zap.NewNop()
	f := &fixture{
		db:           db,
		wallets:      repository.NewWalletRepository(db),
		transfers:    repository.NewTransferRepository(db),
		transactions: repository.NewTransactionRepository(db),
		subAccounts:  repository.NewSubAccountRepository(db),
		outbox:       repository.NewOutboxRepository(db),
		notifier:     &recordingNotifier{},
		metrics:      metrics.New(),
		topics:       testTopics(),
	}
	f.emitter = &faultyEmitter{next: event.NewOutbox(f.outbox)}

	recorder := NewRecorder(f.transactions, f.subAccounts, f.emitter, f.topics)
	f.ledger = NewLedgerService(db, f.wallets, f.transactions, recorder, locker, log)
	f.subAccount = NewSubAccountService(db, f.wallets, f.subAccounts, f.transactions, f.ledger, recorder, locker, log)
	f.transferSvc = NewTransferService(db, f.transfers, f.emitter, f.topics, "NGN", log)
	classifier := NewClassifier(db, f.transfers, f.emitter, f.topics, f.notifier, f.metrics, log)
	f.processor = NewProcessor(ProcessorDeps{
		DB:          db,
		Transfers:   f.transfers,
		Wallets:     f.wallets,
		SubAccounts: f.subAccounts,
		Ledger:      f.ledger,
		Recorder:    recorder,
		Classifier:  classifier,
		Chain:       guard.NewChain(guards...),
		Locker:      locker,
		Emitter:     f.emitter,
		Topics:      f.topics,
		Notifier:    f.notifier,
		Metrics:     f.metrics,
		RetryableCodes: []model.ErrorCode{
			model.ErrCodeProcessingError, model.ErrCodeDatabaseError,
		},
		Log: log,
	})
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) createWallet(t *testing.T, userID int64, account, alternate, balance string) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		UserID:                 userID,
		AccountNumber:          account,
		AlternateAccountNumber: alternate,
		Balance:                dec(balance),
		Currency:               "NGN",
		IsActive:               true,
	}
	require.NoError(t, f.wallets.Create(context.Background(), nil, w))
	return w
}

func (f *fixture) submit(t *testing.T, in TransferRequestInput) *model.TransferRequest {
	t.Helper()
	tr, created, err := f.transferSvc.Submit(context.Background(), &in)
	require.NoError(t, err)
	require.True(t, created)
	return tr
}

func (f *fixture) reload(t *testing.T, id int64) *model.TransferRequest {
	t.Helper()
	tr, err := f.transfers.GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return tr
}

func (f *fixture) balance(t *testing.T, walletID int64) string {
	t.Helper()
	w, err := f.wallets.GetByID(context.Background(), nil, walletID)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func (f *fixture) topicCount(t *testing.T, topic string) int {
	t.Helper()
	msgs, err := f.outbox.ListByTopic(context.Background(), topic)
	require.NoError(t, err)
	return len(msgs)
}

// ledgerNet sums the wallet's records, credits positive and debits negative.
func (f *fixture) ledgerNet(t *testing.T, walletID int64) decimal.Decimal {
	t.Helper()
	records, _, err := f.transactions.ListByWalletID(context.Background(), walletID, 1, 1000)
	require.NoError(t, err)
	net := decimal.Zero
	for _, r := range records {
		if r.Direction == model.DirectionCredit {
			net = net.Add(r.Amount)
		} else {
			net = net.Sub(r.Amount)
		}
	}
	return net
}
