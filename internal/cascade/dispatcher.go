package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"xypay/internal/event"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// Dispatcher fans a durable ledger event out to every effect concurrently.
// Effect failures are logged and counted; they never propagate to the
// producer or touch the originating transfer. Transient failures (lock
// contention, a lost version race) put the event back through the outbox
// when redelivery is configured.
type Dispatcher struct {
	transactions *repository.TransactionRepository
	subAccounts  *repository.SubAccountRepository
	effects      []Effect
	metrics      *metrics.Metrics
	log          *zap.Logger

	redeliver       event.Emitter
	topic           string
	maxRedeliveries int
}

func NewDispatcher(transactions *repository.TransactionRepository, subAccounts *repository.SubAccountRepository, m *metrics.Metrics, log *zap.Logger, effects ...Effect) *Dispatcher {
	return &Dispatcher{
		transactions: transactions,
		subAccounts:  subAccounts,
		effects:      effects,
		metrics:      m,
		log:          log.Named("cascade"),
	}
}

// WithRedelivery re-enqueues an event on topic, at most limit times, when an
// effect fails transiently. Effects are idempotent per origin reference, so
// the effects that already applied report a duplicate on the next pass.
func (d *Dispatcher) WithRedelivery(emitter event.Emitter, topic string, limit int) *Dispatcher {
	d.redeliver = emitter
	d.topic = topic
	d.maxRedeliveries = limit
	return d
}

// Transient reports whether an effect error is worth another delivery.
func Transient(err error) bool {
	return errors.Is(err, lock.ErrLockFailed) || errors.Is(err, repository.ErrOptimisticLock)
}

// Handler consumes transaction.recorded.
func (d *Dispatcher) Handler() mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var evt model.TransactionRecordedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			d.log.Warn("drop malformed ledger event", zap.Error(err))
			return nil
		}
		return d.Dispatch(ctx, &evt)
	}
}

// Dispatch loads the recorded entry and runs the effects on it. A failure
// to load the entry is returned, as is a transient effect failure that could
// not be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *model.TransactionRecordedEvent) error {
	ev, err := d.load(ctx, evt)
	if err != nil {
		return err
	}
	if ev == nil {
		d.log.Warn("ledger entry not found", zap.String("ledger", string(evt.Ledger)), zap.Int64("record_id", evt.RecordID))
		return nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		transient []error
	)
	for _, effect := range d.effects {
		wg.Add(1)
		go func(effect Effect) {
			defer wg.Done()
			if err := d.run(ctx, effect, ev); err != nil && Transient(err) {
				mu.Lock()
				transient = append(transient, fmt.Errorf("%s: %w", effect.Name(), err))
				mu.Unlock()
			}
		}(effect)
	}
	wg.Wait()

	if len(transient) == 0 {
		return nil
	}
	return d.requeue(ctx, evt, errors.Join(transient...))
}

func (d *Dispatcher) requeue(ctx context.Context, evt *model.TransactionRecordedEvent, cause error) error {
	if d.redeliver == nil || evt.Redelivery >= d.maxRedeliveries {
		d.log.Error("cascade gave up on ledger event",
			zap.Int64("record_id", evt.RecordID),
			zap.Int("redelivery", evt.Redelivery),
			zap.Error(cause))
		return cause
	}

	next := *evt
	next.Redelivery++
	key := "user-" + strconv.FormatInt(evt.UserID, 10)
	if err := d.redeliver.Emit(ctx, nil, d.topic, key, next); err != nil {
		return fmt.Errorf("redeliver ledger event %d: %w", evt.RecordID, errors.Join(err, cause))
	}
	d.log.Warn("ledger event redelivered after transient failure",
		zap.Int64("record_id", evt.RecordID),
		zap.Int("redelivery", next.Redelivery),
		zap.Error(cause))
	return nil
}

func (d *Dispatcher) run(ctx context.Context, effect Effect, ev SpendEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.CascadeOutcomes.WithLabelValues(effect.Name(), string(OutcomeFailed)).Inc()
			d.log.Error("cascade effect panicked", zap.String("effect", effect.Name()), zap.Any("panic", r))
			err = nil
		}
	}()

	outcome, err := effect.Apply(ctx, ev)
	d.metrics.CascadeOutcomes.WithLabelValues(effect.Name(), string(outcome)).Inc()
	if err != nil {
		d.log.Error("cascade effect failed",
			zap.String("effect", effect.Name()),
			zap.String("origin", ev.SpendReference()),
			zap.Bool("transient", Transient(err)),
			zap.Error(err))
		return err
	}
	if outcome != OutcomeSkipped {
		d.log.Info("cascade effect",
			zap.String("effect", effect.Name()),
			zap.String("origin", ev.SpendReference()),
			zap.String("outcome", string(outcome)))
	}
	return nil
}

func (d *Dispatcher) load(ctx context.Context, evt *model.TransactionRecordedEvent) (SpendEvent, error) {
	switch evt.Ledger {
	case model.LedgerWallet:
		rec, err := d.transactions.GetByID(ctx, nil, evt.RecordID)
		if err != nil || rec == nil {
			return nil, err
		}
		return rec, nil
	case model.LedgerSubAccount:
		txn, err := d.subAccounts.GetTransactionByID(ctx, nil, evt.RecordID)
		if err != nil || txn == nil {
			return nil, err
		}
		return txn, nil
	}
	return nil, fmt.Errorf("unknown ledger %q", evt.Ledger)
}
