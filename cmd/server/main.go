package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xypay/internal/cascade"
	"xypay/internal/config"
	"xypay/internal/consumer"
	"xypay/internal/event"
	"xypay/internal/gateway"
	"xypay/internal/guard"
	"xypay/internal/handler"
	"xypay/internal/infrastructure/cache"
	"xypay/internal/infrastructure/database"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/job"
	"xypay/internal/metrics"
	"xypay/internal/notify"
	"xypay/internal/repository"
	"xypay/internal/saga"
	"xypay/internal/service"
	"xypay/pkg/idgen"
	"xypay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id, unique per instance")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	log := logger.Must(cfg.Log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, *workerID, log); err != nil {
		log.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, workerID int64, log *zap.Logger) error {
	if err := idgen.Init(workerID); err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		return err
	}
	rdb, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New()
	locker := lock.NewRedisLocker(rdb, lock.Options{
		TTL:           cfg.Transfer.LockTTL,
		RetryInterval: cfg.Transfer.LockRetryInterval,
		MaxRetries:    cfg.Transfer.LockMaxRetries,
	})

	// repositories
	walletRepo := repository.NewWalletRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	subAccountRepo := repository.NewSubAccountRepository(db)
	sagaRepo := repository.NewSagaRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	topics := cfg.Kafka.Topic
	emitter := event.NewOutbox(outboxRepo)
	notifier := notify.NewOutboxNotifier(emitter, topics.Notification, log)

	chain, err := guard.FromConfig(cfg.Guard, guard.NewTransferLocationHistory(transferRepo))
	if err != nil {
		return err
	}

	// services
	recorder := service.NewRecorder(transactionRepo, subAccountRepo, emitter, topics)
	ledger := service.NewLedgerService(db, walletRepo, transactionRepo, recorder, locker, log)
	subAccounts := service.NewSubAccountService(db, walletRepo, subAccountRepo, transactionRepo, ledger, recorder, locker, log)
	transfers := service.NewTransferService(db, transferRepo, emitter, topics, cfg.Transfer.DefaultCurrency, log)
	classifier := service.NewClassifier(db, transferRepo, emitter, topics, notifier, m, log)
	processor := service.NewProcessor(service.ProcessorDeps{
		DB:             db,
		Transfers:      transferRepo,
		Wallets:        walletRepo,
		SubAccounts:    subAccountRepo,
		Ledger:         ledger,
		Recorder:       recorder,
		Classifier:     classifier,
		Chain:          chain,
		Locker:         locker,
		Emitter:        emitter,
		Topics:         topics,
		Notifier:       notifier,
		Metrics:        m,
		RetryableCodes: job.RetryableCodes(cfg.Retry),
		Log:            log,
	})
	orchestrator := saga.NewOrchestrator(db, sagaRepo, walletRepo, ledger, emitter, topics.SagaStep, m, log)

	dispatcher := cascade.NewDispatcher(transactionRepo, subAccountRepo, m, log,
		cascade.NewAutoSaver(subAccounts, cfg.Cascade.AutoSaveEnabled, decimal.NewFromFloat(cfg.Cascade.DefaultAutoSavePercent), log),
		cascade.NewAutoSweeper(subAccounts, transactionRepo, cfg.Cascade.AutoSweepEnabled, log),
	).WithRedelivery(emitter, topics.TransactionRecorded, cfg.Cascade.MaxRedeliveries)
	settler := gateway.NewSettler(gateway.NewBreakerGateway(gateway.Simulated{}, cfg.Gateway, log), transactionRepo, log)

	// broker
	publisher, subscriber, closeBroker, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	consumer.Register(subscriber, topics, consumer.Handlers{
		Transfer:     consumer.TransferHandler(processor, log),
		Completed:    consumer.CompletedLogger(log),
		Cascade:      dispatcher.Handler(),
		Saga:         orchestrator.Handler(),
		Settlement:   settler.Handler(),
		Notification: notify.LogSink(log),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := subscriber.Start(ctx); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	outboxSender := job.NewOutboxSender(outboxRepo, publisher, cfg.Outbox, m, log)
	go outboxSender.Start(ctx)
	defer outboxSender.Stop()

	retryScanner := job.NewRetryScanner(transferRepo, transfers, cfg.Retry, m, log)
	go retryScanner.Start(ctx)
	defer retryScanner.Stop()

	h := handler.NewHandler(transfers, ledger, subAccounts, orchestrator, outboxSender, log)
	router := handler.SetupRouter(h, m, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// openBroker wires Kafka when enabled and the in-process broker otherwise.
// The returned func releases whichever was opened.
func openBroker(cfg *config.Config, log *zap.Logger) (mq.Publisher, mq.Subscriber, func(), error) {
	if !cfg.Kafka.Enabled {
		b := mq.NewLocalBroker(cfg.Kafka.Workers, 0, log)
		return b, b, func() {
			_ = b.Close()
			b.Wait()
		}, nil
	}

	producer, err := mq.NewKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		return nil, nil, nil, err
	}
	kc, err := mq.NewKafkaConsumer(&cfg.Kafka, log)
	if err != nil {
		_ = producer.Close()
		return nil, nil, nil, err
	}
	return producer, kc, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kc.Close(ctx); err != nil {
			log.Warn("close kafka consumer", zap.Error(err))
		}
		if err := producer.Close(); err != nil {
			log.Warn("close kafka producer", zap.Error(err))
		}
	}, nil
}
