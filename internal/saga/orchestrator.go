package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/event"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/service"
	"xypay/pkg/idgen"
)

// Orchestrator advances saga step logs one step per step event. Steps run
// linearly; a failed step leaves the saga FAILED with no compensation, and
// flags the payload for reconciliation once money may have moved.
type Orchestrator struct {
	db      *gorm.DB
	sagas   *repository.SagaRepository
	wallets *repository.WalletRepository
	ledger  *service.LedgerService
	emitter event.Emitter
	topic   string
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewOrchestrator(db *gorm.DB, sagas *repository.SagaRepository, wallets *repository.WalletRepository, ledger *service.LedgerService, emitter event.Emitter, topic string, m *metrics.Metrics, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:      db,
		sagas:   sagas,
		wallets: wallets,
		ledger:  ledger,
		emitter: emitter,
		topic:   topic,
		metrics: m,
		log:     log.Named("saga"),
	}
}

// Start persists a new saga at START and emits its first step event.
func (o *Orchestrator) Start(ctx context.Context, sagaType model.SagaType, payload *Payload) (*model.SagaStepLog, error) {
	if _, err := Steps(sagaType); err != nil {
		return nil, err
	}
	if err := payload.validate(sagaType); err != nil {
		return nil, fmt.Errorf("%s: %w", sagaType, err)
	}

	log := &model.SagaStepLog{
		SagaID:      idgen.NewSagaID(),
		SagaType:    sagaType,
		CurrentStep: model.StepStart,
		Payload:     payload.encode(),
		Status:      model.SagaStatusInProgress,
	}
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.sagas.Create(ctx, tx, log); err != nil {
			return err
		}
		return o.emit(ctx, tx, log.SagaID, sagaType, model.StepStart, model.SagaStatusInProgress, log.Payload)
	})
	if err != nil {
		return nil, err
	}

	o.metrics.SagaSteps.WithLabelValues(string(sagaType), string(model.StepStart), string(model.SagaStatusInProgress)).Inc()
	o.log.Info("saga started", zap.String("saga_id", log.SagaID), zap.String("type", string(sagaType)))
	return log, nil
}

func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*model.SagaStepLog, error) {
	return o.sagas.GetBySagaID(ctx, nil, sagaID)
}

// Handler consumes saga step events.
func (o *Orchestrator) Handler() mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var evt model.SagaStepEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			o.log.Warn("drop malformed saga event", zap.Error(err))
			return nil
		}
		return o.Advance(ctx, &evt)
	}
}

// Advance runs the step after evt.Step. Events that do not match the
// persisted current step, or that arrive after the saga ended, are
// duplicates and ignored.
func (o *Orchestrator) Advance(ctx context.Context, evt *model.SagaStepEvent) error {
	log := o.log.With(zap.String("saga_id", evt.SagaID), zap.String("step", string(evt.Step)))

	stepLog, err := o.sagas.GetBySagaID(ctx, nil, evt.SagaID)
	if err != nil {
		if errors.Is(err, repository.ErrSagaNotFound) {
			log.Warn("saga not found, drop")
			return nil
		}
		return err
	}
	if stepLog.Status.Terminal() || evt.Status != model.SagaStatusInProgress || stepLog.CurrentStep != evt.Step {
		log.Debug("stale saga event, skip",
			zap.String("current_step", string(stepLog.CurrentStep)),
			zap.String("status", string(stepLog.Status)))
		return nil
	}

	next, status, err := NextStep(stepLog.SagaType, stepLog.CurrentStep)
	if err != nil {
		return o.fail(ctx, stepLog, stepLog.CurrentStep, nil, err)
	}

	payload, err := decodePayload(stepLog.Payload)
	if err != nil {
		return o.fail(ctx, stepLog, next, nil, err)
	}

	if err := o.act(ctx, stepLog, next, payload); err != nil {
		return o.fail(ctx, stepLog, next, payload, err)
	}

	encoded := payload.encode()
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.sagas.AdvanceStep(ctx, tx, stepLog.SagaID, stepLog.CurrentStep, next, status, encoded); err != nil {
			return err
		}
		return o.emit(ctx, tx, stepLog.SagaID, stepLog.SagaType, next, status, encoded)
	})
	if err != nil {
		if errors.Is(err, repository.ErrStepConflict) {
			log.Info("saga advanced concurrently, skip")
			return nil
		}
		return err
	}

	o.metrics.SagaSteps.WithLabelValues(string(stepLog.SagaType), string(next), string(status)).Inc()
	log.Info("saga advanced", zap.String("next", string(next)), zap.String("status", string(status)))
	return nil
}

// act performs the side effect of step. Ledger calls are idempotent by the
// reference <sagaID>:<step>, so a redelivered event never moves money twice.
func (o *Orchestrator) act(ctx context.Context, stepLog *model.SagaStepLog, step model.SagaStep, p *Payload) error {
	ref := stepLog.SagaID + ":" + string(step)

	switch step {
	case model.StepDebitSource:
		_, err := o.ledger.Debit(ctx, service.Mutation{
			AccountNumber: p.SourceAccount,
			Amount:        p.Amount,
			Reference:     ref,
			Category:      model.CategorySaga,
			Description:   sagaDescription(p, "Transfer to "+p.DestinationAccount),
		})
		return err

	case model.StepCreditDestination:
		_, err := o.ledger.Credit(ctx, service.Mutation{
			AccountNumber: p.DestinationAccount,
			Amount:        p.Amount,
			Reference:     ref,
			Category:      model.CategorySaga,
			Description:   sagaDescription(p, "Transfer from "+p.SourceAccount),
		})
		return err

	case model.StepCreateLoanAccount:
		w, err := o.wallets.GetByAccountNumber(ctx, nil, p.AccountNumber)
		if err != nil {
			return err
		}
		err = o.sagas.CreateLoan(ctx, nil, &model.LoanAccount{
			LoanNo:    idgen.GenerateLoanNo(),
			SagaID:    stepLog.SagaID,
			UserID:    w.UserID,
			WalletID:  w.ID,
			Principal: p.Amount,
			Status:    model.LoanStatusCreated,
		})
		if err != nil {
			return err
		}
		loan, err := o.sagas.GetLoanBySagaID(ctx, nil, stepLog.SagaID)
		if err != nil {
			return err
		}
		p.LoanNo = loan.LoanNo
		return nil

	case model.StepDisburseFunds:
		loan, err := o.sagas.GetLoanBySagaID(ctx, nil, stepLog.SagaID)
		if err != nil {
			return err
		}
		_, err = o.ledger.Credit(ctx, service.Mutation{
			AccountNumber: p.AccountNumber,
			Amount:        loan.Principal,
			Reference:     ref,
			Category:      model.CategoryDisbursement,
			Description:   "Loan disbursement " + loan.LoanNo,
			Metadata:      model.Metadata{"loan_no": loan.LoanNo},
		})
		if err != nil {
			return err
		}
		return o.sagas.UpdateLoanStatus(ctx, nil, loan.ID, model.LoanStatusDisbursed)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, stepLog *model.SagaStepLog, at model.SagaStep, p *Payload, cause error) error {
	payload := stepLog.Payload
	if p != nil {
		p.FailedStep = at
		// no compensation: anything done before this step stays done
		if stepLog.CurrentStep != model.StepStart {
			p.ReconciliationRequired = true
		}
		payload = p.encode()
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.sagas.MarkFailed(ctx, tx, stepLog.SagaID, stepLog.CurrentStep, cause.Error(), payload); err != nil {
			return err
		}
		return o.emit(ctx, tx, stepLog.SagaID, stepLog.SagaType, at, model.SagaStatusFailed, payload)
	})
	if err != nil {
		if errors.Is(err, repository.ErrStepConflict) {
			return nil
		}
		return err
	}

	o.metrics.SagaSteps.WithLabelValues(string(stepLog.SagaType), string(at), string(model.SagaStatusFailed)).Inc()
	o.log.Error("saga step failed",
		zap.String("saga_id", stepLog.SagaID),
		zap.String("step", string(at)),
		zap.Bool("reconciliation_required", p != nil && p.ReconciliationRequired),
		zap.Error(cause))
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, tx *gorm.DB, sagaID string, sagaType model.SagaType, step model.SagaStep, status model.SagaStatus, payload string) error {
	return o.emitter.Emit(ctx, tx, o.topic, sagaID, model.SagaStepEvent{
		SagaID:   sagaID,
		SagaType: sagaType,
		Step:     step,
		Payload:  json.RawMessage(payload),
		Status:   status,
	})
}

func sagaDescription(p *Payload, fallback string) string {
	if p.Description != "" {
		return p.Description
	}
	return fallback
}
