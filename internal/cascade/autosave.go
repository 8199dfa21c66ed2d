package cascade

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/internal/service"
)

const saveReferencePrefix = "SAVE-"

var hundred = decimal.NewFromInt(100)

// AutoSaver moves a percentage of every qualifying spend into the owner's
// SAVINGS sub-account.
type AutoSaver struct {
	subAccounts    *service.SubAccountService
	enabled        bool
	defaultPercent decimal.Decimal
	log            *zap.Logger
}

func NewAutoSaver(subAccounts *service.SubAccountService, enabled bool, defaultPercent decimal.Decimal, log *zap.Logger) *AutoSaver {
	return &AutoSaver{
		subAccounts:    subAccounts,
		enabled:        enabled,
		defaultPercent: defaultPercent,
		log:            log.Named("autosave"),
	}
}

func (a *AutoSaver) Name() string { return "auto_save" }

// qualifies accepts outgoing transfers and interest withdrawals. Movements the
// cascades produce themselves never qualify.
func (a *AutoSaver) qualifies(ev SpendEvent) bool {
	if ev.SpendDirection() != model.DirectionDebit {
		return false
	}
	switch e := ev.(type) {
	case *model.TransactionRecord:
		return e.Status == model.TransactionStatusSuccess &&
			(e.Category == model.CategoryTransfer || e.Category == model.CategoryExternalTransfer)
	case *model.SubAccountTransaction:
		return e.Kind == model.SubAccountInterest && e.Category == model.CategoryWithdrawal
	}
	return false
}

func (a *AutoSaver) Apply(ctx context.Context, ev SpendEvent) (Outcome, error) {
	if !a.enabled || !a.qualifies(ev) {
		return OutcomeSkipped, nil
	}

	pref, err := a.subAccounts.Preference(ctx, ev.SpendOwner())
	if err != nil {
		return OutcomeFailed, err
	}
	if pref == nil || !pref.AutoSaveEnabled {
		return OutcomeSkipped, nil
	}
	percent := pref.AutoSavePercent
	if !percent.IsPositive() {
		percent = a.defaultPercent
	}

	amount := SaveAmount(ev.SpendAmount(), percent)
	if !amount.IsPositive() {
		return OutcomeSkipped, nil
	}

	_, err = a.subAccounts.Deposit(ctx, service.Movement{
		UserID:      ev.SpendOwner(),
		Kind:        model.SubAccountSavings,
		Amount:      amount,
		Reference:   saveReferencePrefix + ev.SpendReference(),
		Category:    model.CategoryAutoSave,
		Description: "Auto-save " + percent.String() + "% of " + ev.SpendReference(),
	})
	return outcomeOf(err, a.log, ev)
}

// SaveAmount is round(amount * percent / 100, 2).
func SaveAmount(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred).Round(2)
}

func outcomeOf(err error, log *zap.Logger, ev SpendEvent) (Outcome, error) {
	if err == nil {
		return OutcomeApplied, nil
	}
	if errors.Is(err, service.ErrAlreadyApplied) || errors.Is(err, repository.ErrDuplicateTransaction) {
		return OutcomeDuplicate, nil
	}
	var f *model.Failure
	if errors.As(err, &f) && f.Code == model.ErrCodeInsufficientFunds {
		log.Info("insufficient balance, skip",
			zap.String("origin", ev.SpendReference()),
			zap.String("shortfall", f.Details["shortfall"]))
		return OutcomeSkipped, nil
	}
	return OutcomeFailed, err
}
