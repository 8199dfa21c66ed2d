package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/event"
	"xypay/internal/guard"
	"xypay/internal/infrastructure/lock"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/notify"
	"xypay/internal/repository"
)

var (
	// errNotEligible ends an attempt whose transfer left the entry status
	// after it was first read.
	errNotEligible  = errors.New("transfer no longer eligible")
	errWalletsMoved = errors.New("wallet resolution changed after locking")
)

// storageError marks a failure of the store itself, classified as
// DATABASE_ERROR.
type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *model.Failure
	if errors.As(err, &f) {
		return err
	}
	return &storageError{op: op, err: err}
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Processor executes transfers: guard gating, ledger mutation, recording and
// finalization. It is driven by transfer.created and transfer.retry.
type Processor struct {
	db          *gorm.DB
	transfers   *repository.TransferRepository
	wallets     *repository.WalletRepository
	subAccounts *repository.SubAccountRepository
	ledger      *LedgerService
	recorder    *Recorder
	classifier  *Classifier
	chain       *guard.Chain
	locker      lock.Locker
	emitter     event.Emitter
	topics      event.Topics
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	retryable   map[model.ErrorCode]bool
	log         *zap.Logger
}

type ProcessorDeps struct {
	DB          *gorm.DB
	Transfers   *repository.TransferRepository
	Wallets     *repository.WalletRepository
	SubAccounts *repository.SubAccountRepository
	Ledger      *LedgerService
	Recorder    *Recorder
	Classifier  *Classifier
	Chain       *guard.Chain
	Locker      lock.Locker
	Emitter     event.Emitter
	Topics      event.Topics
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	// RetryableCodes gates the retry entry point.
	RetryableCodes []model.ErrorCode
	Log            *zap.Logger
}

func NewProcessor(d ProcessorDeps) *Processor {
	retryable := make(map[model.ErrorCode]bool, len(d.RetryableCodes))
	for _, c := range d.RetryableCodes {
		retryable[c] = true
	}
	return &Processor{
		db:          d.DB,
		transfers:   d.Transfers,
		wallets:     d.Wallets,
		subAccounts: d.SubAccounts,
		ledger:      d.Ledger,
		recorder:    d.Recorder,
		classifier:  d.Classifier,
		chain:       d.Chain,
		locker:      d.Locker,
		emitter:     d.Emitter,
		topics:      d.Topics,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		retryable:   retryable,
		log:         d.Log.Named("processor"),
	}
}

// Process handles a newly created transfer. Anything other than PENDING is
// a no-op.
func (p *Processor) Process(ctx context.Context, transferID int64) error {
	return p.run(ctx, transferID, false)
}

// Retry re-executes a FAILED transfer whose error code is retryable.
func (p *Processor) Retry(ctx context.Context, transferID int64) error {
	return p.run(ctx, transferID, true)
}

func (p *Processor) eligible(t *model.TransferRequest, retry bool) bool {
	if !retry {
		return t.Status == model.TransferStatusPending
	}
	return t.Status == model.TransferStatusFailed &&
		!t.MaxRetriesReached &&
		t.ErrorCode != nil && p.retryable[*t.ErrorCode]
}

func (p *Processor) run(ctx context.Context, transferID int64, retry bool) error {
	log := p.log.With(zap.Int64("transfer_id", transferID), zap.Bool("retry", retry))

	t, err := p.transfers.GetByID(ctx, nil, transferID)
	if err != nil {
		if errors.Is(err, repository.ErrTransferNotFound) {
			log.Warn("transfer not found, drop")
			return nil
		}
		return err
	}
	if !p.eligible(t, retry) {
		log.Debug("transfer not eligible, skip", zap.String("status", string(t.Status)))
		return nil
	}
	from := t.Status

	verdict, err := p.chain.Evaluate(ctx, t)
	if err != nil {
		// Not a failure: the transfer stays where it is and is re-evaluated on
		// the next delivery.
		log.Warn("guard evaluation failed, transfer held", zap.Error(err))
		return nil
	}
	if !verdict.Complete() {
		if verdict.Changed {
			if err := p.transfers.UpdateMetadata(ctx, nil, t.ID, from, verdict.Metadata); err != nil &&
				!errors.Is(err, repository.ErrStatusTransition) {
				return fmt.Errorf("persist guard state: %w", err)
			}
		}
		for _, g := range verdict.Holding() {
			p.metrics.GuardHolds.WithLabelValues(g).Inc()
		}
		log.Info("transfer held for verification", zap.Strings("guards", verdict.Holding()))
		return nil
	}

	walletIDs, err := p.lockTargets(ctx, t)
	if err != nil {
		return err
	}
	release, err := p.locker.LockWallets(ctx, t.TransferNo, walletIDs...)
	if err != nil {
		// Still PENDING/FAILED; redelivery or the retry scanner picks it up.
		log.Warn("wallet locks busy", zap.Error(err))
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release wallet locks", zap.Error(err))
		}
	}()

	var (
		outcome *execution
		steps   []string
	)
	err = p.safely(func() error {
		var err error
		outcome, err = p.execute(ctx, t.ID, from, walletIDs, &steps)
		return err
	})

	switch {
	case err == nil:
		p.succeeded(ctx, outcome, log)
		return nil
	case errors.Is(err, errNotEligible):
		log.Info("transfer finalized concurrently, skip")
		return nil
	case errors.Is(err, errWalletsMoved):
		log.Warn("wallet resolution changed under lock, redeliver")
		return err
	}

	var failure *model.Failure
	if errors.As(err, &failure) {
		return p.classifier.Classify(ctx, t, from, failure.Reason, failure.Code, failure.Details, retry)
	}

	code, details := p.technical(t, err, steps)
	log.Error("transfer processing error", zap.String("code", string(code)), zap.Error(err))
	return p.classifier.Classify(ctx, t, from, "Transfer processing failed", code, details, retry)
}

// safely converts a panic in fn into an error. The database transaction in fn
// has already been rolled back by then.
func (p *Processor) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

func (p *Processor) technical(t *model.TransferRequest, err error, steps []string) (model.ErrorCode, model.Metadata) {
	code := model.ErrCodeProcessingError
	var se *storageError
	if errors.As(err, &se) {
		code = model.ErrCodeDatabaseError
	}

	details := t.CoreFields()
	details["exception_type"] = exceptionType(err)
	details["exception_message"] = err.Error()
	details["partial_mutations"] = strings.Join(steps, ";")
	details["rolled_back"] = "true"
	return code, details
}

func exceptionType(err error) string {
	var (
		pe *panicError
		se *storageError
	)
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.As(err, &se):
		return fmt.Sprintf("%T", se.err)
	default:
		return fmt.Sprintf("%T", err)
	}
}

// lockTargets resolves the wallets a transfer will touch. Unresolvable ones
// are left out; the transaction reports them.
func (p *Processor) lockTargets(ctx context.Context, t *model.TransferRequest) ([]int64, error) {
	var ids []int64
	sender, err := p.wallets.GetByUserID(ctx, nil, t.UserID)
	switch {
	case err == nil:
		ids = append(ids, sender.ID)
	case !errors.Is(err, repository.ErrWalletNotFound):
		return nil, err
	}

	dest, err := p.wallets.GetByAccountNumber(ctx, nil, t.DestinationAccountNumber)
	switch {
	case err == nil:
		ids = append(ids, dest.ID)
	case !errors.Is(err, repository.ErrWalletNotFound):
		return nil, err
	}
	return ids, nil
}

type execution struct {
	transfer *model.TransferRequest
	records  []*model.TransactionRecord
	external bool
}

func (p *Processor) execute(ctx context.Context, transferID int64, from model.TransferStatus, lockedIDs []int64, steps *[]string) (*execution, error) {
	out := &execution{}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := p.transfers.GetByIDForUpdate(ctx, tx, transferID)
		if err != nil {
			return dbErr("load transfer", err)
		}
		if t.Status != from {
			return errNotEligible
		}
		out.transfer = t

		sender, err := p.wallets.GetByUserID(ctx, tx, t.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrWalletNotFound) {
				return model.NewFailure(model.ErrCodeWalletNotFound, "Sender wallet not found", model.Metadata{
					"user_id": formatID(t.UserID),
				})
			}
			return dbErr("load sender wallet", err)
		}

		var dest *model.Wallet
		if !sender.Owns(t.DestinationAccountNumber) {
			dest, err = p.wallets.GetByAccountNumber(ctx, tx, t.DestinationAccountNumber)
			if err != nil && !errors.Is(err, repository.ErrWalletNotFound) {
				return dbErr("load destination wallet", err)
			}
		}
		if sender.Owns(t.DestinationAccountNumber) || (dest != nil && dest.ID == sender.ID) {
			return model.NewFailure(model.ErrCodeSelfTransferAttempt, "Cannot transfer to your own account", model.Metadata{
				"wallet_id":           formatID(sender.ID),
				"destination_account": t.DestinationAccountNumber,
			})
		}

		ids := []int64{sender.ID}
		if dest != nil {
			ids = append(ids, dest.ID)
		}
		if !containsAll(lockedIDs, ids) {
			return errWalletsMoved
		}
		locked, err := p.wallets.LockByIDs(ctx, tx, ids...)
		if err != nil {
			return dbErr("lock wallets", err)
		}
		sender = locked[sender.ID]
		if dest != nil {
			dest = locked[dest.ID]
		}

		if !sender.IsActive {
			return accountBlocked(sender)
		}
		if dest != nil && !dest.IsActive {
			return model.NewFailure(model.ErrCodeAccountBlocked, "Destination wallet is not active", model.Metadata{
				"wallet_id": formatID(dest.ID),
			})
		}

		category := model.CategoryTransfer
		if dest == nil {
			category = model.CategoryExternalTransfer
			if t.DestinationBank == "" {
				return model.NewFailure(model.ErrCodeInvalidAccount, "Destination account not found", model.Metadata{
					"destination_account": t.DestinationAccountNumber,
				})
			}
		}
		if err := p.ledger.ValidateTransaction(ctx, tx, sender.AccountNumber, t.Amount, category, t.Channel, t.Currency); err != nil {
			return dbErr("validate transaction", err)
		}

		debitMeta := model.Metadata{}
		if t.Metadata[model.MetaFundingSource] == model.FundingSourceInterest {
			funded, err := p.prefund(ctx, tx, t, sender, steps)
			if err != nil {
				return err
			}
			if funded {
				debitMeta[model.MetaFundedVia] = "interest_prefund"
			}
		}

		if err := p.ledger.ApplyDebit(ctx, tx, sender, t.Amount); err != nil {
			return dbErr("debit sender", err)
		}
		*steps = append(*steps, "debit:wallet:"+formatID(sender.ID)+":"+t.Amount.StringFixed(2))

		if dest == nil {
			out.external = true
			debitMeta["destination_bank"] = t.DestinationBank
			debitMeta["destination_account"] = t.DestinationAccountNumber
			debitMeta["destination_name"] = t.DestinationName
			rec, err := p.recorder.Record(ctx, tx, sender, t.Amount, model.DirectionDebit, t,
				externalDescription(t), RecordOptions{Category: category, Metadata: debitMeta})
			if err != nil {
				return dbErr("record debit", err)
			}
			out.records = append(out.records, rec)

			instr := model.SettlementInstruction{
				TransferID:      t.ID,
				TransactionNo:   rec.TransactionNo,
				SourceAccount:   sender.AccountNumber,
				DestinationBank: t.DestinationBank,
				DestinationAcct: t.DestinationAccountNumber,
				DestinationName: t.DestinationName,
				Amount:          t.Amount,
				Currency:        rec.Currency,
				Reference:       t.TransferNo,
			}
			if err := p.emitter.Emit(ctx, tx, p.topics.Settlement, transferKey(t.ID), instr); err != nil {
				return err
			}
		} else {
			debit, err := p.recorder.Record(ctx, tx, sender, t.Amount, model.DirectionDebit, t,
				debitDescription(t), RecordOptions{Category: category, Metadata: debitMeta})
			if err != nil {
				return dbErr("record debit", err)
			}

			if err := p.ledger.ApplyCredit(ctx, tx, dest, t.Amount); err != nil {
				return dbErr("credit receiver", err)
			}
			*steps = append(*steps, "credit:wallet:"+formatID(dest.ID)+":"+t.Amount.StringFixed(2))

			credit, err := p.recorder.Record(ctx, tx, dest, t.Amount, model.DirectionCredit, t,
				creditDescription(t), RecordOptions{Category: category})
			if err != nil {
				return dbErr("record credit", err)
			}
			out.records = append(out.records, debit, credit)
		}

		if err := p.transfers.MarkSucceeded(ctx, tx, t, from, t.Metadata); err != nil {
			return dbErr("finalize transfer", err)
		}
		return p.emitter.Emit(ctx, tx, p.topics.TransferCompleted, transferKey(t.ID), completedEvent(t, category))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// prefund moves the transfer amount from the sender's INTEREST sub-account
// into the wallet ahead of the debit. It reports false, without error, when
// the interest balance cannot cover the amount.
func (p *Processor) prefund(ctx context.Context, tx *gorm.DB, t *model.TransferRequest, sender *model.Wallet, steps *[]string) (bool, error) {
	interest, err := p.subAccounts.GetOrCreateForUpdate(ctx, tx, sender.UserID, sender.ID, model.SubAccountInterest)
	if err != nil {
		return false, dbErr("load interest sub-account", err)
	}
	if interest.Balance.LessThan(t.Amount) {
		p.log.Info("interest balance too low to prefund",
			zap.Int64("transfer_id", t.ID),
			zap.String("interest_balance", interest.Balance.StringFixed(2)))
		return false, nil
	}

	if err := p.subAccounts.SetBalance(ctx, tx, interest, interest.Balance.Sub(t.Amount)); err != nil {
		return false, dbErr("debit interest sub-account", err)
	}
	*steps = append(*steps, "debit:interest:"+formatID(interest.ID)+":"+t.Amount.StringFixed(2))

	if _, err := p.recorder.RecordSubAccount(ctx, tx, interest, t.Amount, model.DirectionDebit, sender.Currency,
		"Prefund for "+t.TransferNo, RecordOptions{Category: model.CategoryPrefund, Reference: t.TransferNo}); err != nil {
		return false, dbErr("record prefund", err)
	}

	if err := p.ledger.ApplyCredit(ctx, tx, sender, t.Amount); err != nil {
		return false, dbErr("credit prefund", err)
	}
	*steps = append(*steps, "credit:wallet:"+formatID(sender.ID)+":"+t.Amount.StringFixed(2))

	// The transfer debit owns (TransferNo, wallet, DEBIT); the prefund credit
	// gets its own reference.
	if _, err := p.recorder.Record(ctx, tx, sender, t.Amount, model.DirectionCredit, t,
		"Prefund from interest for "+t.TransferNo,
		RecordOptions{Category: model.CategoryPrefund, Reference: prefundReference(t)}); err != nil {
		return false, dbErr("record prefund credit", err)
	}
	return true, nil
}

func prefundReference(t *model.TransferRequest) string {
	return "PREFUND-" + t.TransferNo
}

func (p *Processor) succeeded(ctx context.Context, out *execution, log *zap.Logger) {
	t := out.transfer
	p.metrics.TransfersProcessed.WithLabelValues(string(model.TransferStatusSuccess), "").Inc()
	log.Info("transfer succeeded",
		zap.String("transfer_no", t.TransferNo),
		zap.String("amount", t.Amount.StringFixed(2)),
		zap.Bool("external", out.external),
		zap.Int("records", len(out.records)))

	p.notifier.Notify(ctx, t.UserID, "Transfer successful",
		"You sent "+t.Amount.StringFixed(2)+" "+t.Currency+" to "+t.DestinationAccountNumber, notify.ChannelPush)
}

func containsAll(set, ids []int64) bool {
	for _, id := range ids {
		found := false
		for _, s := range set {
			if s == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func debitDescription(t *model.TransferRequest) string {
	if t.Description != "" {
		return t.Description
	}
	return "Transfer to " + t.DestinationAccountNumber
}

func creditDescription(t *model.TransferRequest) string {
	if t.Description != "" {
		return t.Description
	}
	return "Transfer received from " + t.SourceAccountNumber
}

func externalDescription(t *model.TransferRequest) string {
	dest := t.DestinationAccountNumber + " (" + t.DestinationBank + ")"
	if t.DestinationName != "" {
		dest = t.DestinationName + " " + dest
	}
	if t.Description != "" {
		return t.Description + " - " + dest
	}
	return "External transfer to " + dest
}
