package cascade

import (
	"context"

	"go.uber.org/zap"

	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/service"
)

const (
	sweepReferencePrefix = "SWEEP-"
	MetaSweptToInterest  = "swept_to_interest"
)

// AutoSweeper moves the full amount of qualifying wallet credits into the
// owner's INTEREST sub-account.
type AutoSweeper struct {
	subAccounts  *service.SubAccountService
	transactions *repository.TransactionRepository
	enabled      bool
	log          *zap.Logger
}

func NewAutoSweeper(subAccounts *service.SubAccountService, transactions *repository.TransactionRepository, enabled bool, log *zap.Logger) *AutoSweeper {
	return &AutoSweeper{
		subAccounts:  subAccounts,
		transactions: transactions,
		enabled:      enabled,
		log:          log.Named("autosweep"),
	}
}

func (a *AutoSweeper) Name() string { return "auto_sweep" }

func (a *AutoSweeper) qualifies(ev SpendEvent) (*model.TransactionRecord, bool) {
	rec, ok := ev.(*model.TransactionRecord)
	if !ok || rec.Direction != model.DirectionCredit || rec.Status != model.TransactionStatusSuccess {
		return nil, false
	}
	return rec, rec.Category == model.CategoryTransfer || rec.Category == model.CategoryDisbursement
}

func (a *AutoSweeper) Apply(ctx context.Context, ev SpendEvent) (Outcome, error) {
	if !a.enabled {
		return OutcomeSkipped, nil
	}
	rec, ok := a.qualifies(ev)
	if !ok {
		return OutcomeSkipped, nil
	}

	pref, err := a.subAccounts.Preference(ctx, rec.UserID)
	if err != nil {
		return OutcomeFailed, err
	}
	if pref == nil || !pref.AutoSweepEnabled {
		return OutcomeSkipped, nil
	}

	_, err = a.subAccounts.Deposit(ctx, service.Movement{
		UserID:      rec.UserID,
		Kind:        model.SubAccountInterest,
		Amount:      rec.Amount,
		Reference:   sweepReferencePrefix + rec.TransactionNo,
		Category:    model.CategoryAutoSweep,
		Description: "Auto-sweep of " + rec.TransactionNo,
	})
	outcome, err := outcomeOf(err, a.log, ev)
	if outcome != OutcomeApplied {
		return outcome, err
	}

	if err := a.transactions.AppendMetadata(ctx, nil, rec.ID, model.Metadata{MetaSweptToInterest: "true"}); err != nil {
		a.log.Warn("annotate swept record", zap.String("transaction_no", rec.TransactionNo), zap.Error(err))
	}
	return OutcomeApplied, nil
}
