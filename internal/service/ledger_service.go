package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/infrastructure/lock"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// Mutation is a standalone single-wallet balance change.
type Mutation struct {
	AccountNumber string
	Amount        decimal.Decimal
	Reference     string
	Category      model.Category
	Description   string
	Metadata      model.Metadata
}

type Limits struct {
	AccountNumber string          `json:"account_number"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	Held          decimal.Decimal `json:"held"`
	Available     decimal.Decimal `json:"available"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	UsedToday     decimal.Decimal `json:"used_today"`
	// RemainingToday is nil when the wallet has no daily limit.
	RemainingToday *decimal.Decimal `json:"remaining_today,omitempty"`
}

// LedgerService is the balance service: every wallet balance change in the
// engine goes through ApplyDebit or ApplyCredit on a row the caller has
// locked, or through the self-locking Debit and Credit.
type LedgerService struct {
	db           *gorm.DB
	wallets      *repository.WalletRepository
	transactions *repository.TransactionRepository
	recorder     *Recorder
	locker       lock.Locker
	log          *zap.Logger
}

func NewLedgerService(db *gorm.DB, wallets *repository.WalletRepository, transactions *repository.TransactionRepository, recorder *Recorder, locker lock.Locker, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:           db,
		wallets:      wallets,
		transactions: transactions,
		recorder:     recorder,
		locker:       locker,
		log:          log.Named("ledger"),
	}
}

func insufficientFunds(w *model.Wallet, amount decimal.Decimal) *model.Failure {
	available := w.Available()
	return model.NewFailure(model.ErrCodeInsufficientFunds, "Insufficient balance", model.Metadata{
		"wallet_id":         formatID(w.ID),
		"available_balance": available.StringFixed(2),
		"required_amount":   amount.StringFixed(2),
		"shortfall":         amount.Sub(available).StringFixed(2),
	})
}

func accountBlocked(w *model.Wallet) *model.Failure {
	return model.NewFailure(model.ErrCodeAccountBlocked, "Wallet is not active", model.Metadata{
		"wallet_id": formatID(w.ID),
	})
}

// ApplyDebit lowers the balance of a wallet row locked by the caller's tx.
func (s *LedgerService) ApplyDebit(ctx context.Context, tx *gorm.DB, w *model.Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewFailure(model.ErrCodeValidationError, "Amount must be positive", nil)
	}
	if !w.IsActive {
		return accountBlocked(w)
	}
	if w.Available().LessThan(amount) {
		return insufficientFunds(w, amount)
	}
	return s.wallets.SetBalance(ctx, tx, w, w.Balance.Sub(amount))
}

// ApplyCredit raises the balance of a wallet row locked by the caller's tx.
func (s *LedgerService) ApplyCredit(ctx context.Context, tx *gorm.DB, w *model.Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewFailure(model.ErrCodeValidationError, "Amount must be positive", nil)
	}
	if !w.IsActive {
		return accountBlocked(w)
	}
	return s.wallets.SetBalance(ctx, tx, w, w.Balance.Add(amount))
}

func (s *LedgerService) Debit(ctx context.Context, m Mutation) (*model.TransactionRecord, error) {
	return s.mutate(ctx, m, model.DirectionDebit)
}

func (s *LedgerService) Credit(ctx context.Context, m Mutation) (*model.TransactionRecord, error) {
	return s.mutate(ctx, m, model.DirectionCredit)
}

// mutate applies m at most once per (reference, wallet, direction). A repeat
// returns the record written the first time.
func (s *LedgerService) mutate(ctx context.Context, m Mutation, direction model.Direction) (*model.TransactionRecord, error) {
	if m.Reference == "" {
		return nil, model.NewFailure(model.ErrCodeValidationError, "Reference is required", nil)
	}

	wallet, err := s.wallets.GetByAccountNumber(ctx, nil, m.AccountNumber)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, model.NewFailure(model.ErrCodeWalletNotFound, "Wallet not found", model.Metadata{
				"account_number": m.AccountNumber,
			})
		}
		return nil, err
	}

	release, err := s.locker.LockWallets(ctx, m.Reference, wallet.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release wallet lock", zap.String("reference", m.Reference), zap.Error(err))
		}
	}()

	var record *model.TransactionRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactions.FindByReference(ctx, tx, m.Reference, wallet.ID, direction)
		if err != nil {
			return err
		}
		if existing != nil {
			record = existing
			return nil
		}

		locked, err := s.wallets.LockByIDs(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		w := locked[wallet.ID]

		if direction == model.DirectionDebit {
			err = s.ApplyDebit(ctx, tx, w, m.Amount)
		} else {
			err = s.ApplyCredit(ctx, tx, w, m.Amount)
		}
		if err != nil {
			return err
		}

		record, err = s.recorder.Record(ctx, tx, w, m.Amount, direction, nil, m.Description, RecordOptions{
			Category:  m.Category,
			Reference: m.Reference,
			Metadata:  m.Metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("balance mutated",
		zap.String("direction", string(direction)),
		zap.String("reference", m.Reference),
		zap.Int64("wallet_id", wallet.ID),
		zap.String("amount", m.Amount.StringFixed(2)))
	return record, nil
}

// Hold reserves amount of the available balance.
func (s *LedgerService) Hold(ctx context.Context, accountNumber string, amount decimal.Decimal) error {
	return s.adjustHold(ctx, accountNumber, amount, true)
}

// Release frees a previous hold. Releasing more than is held clears the hold.
func (s *LedgerService) Release(ctx context.Context, accountNumber string, amount decimal.Decimal) error {
	return s.adjustHold(ctx, accountNumber, amount, false)
}

func (s *LedgerService) adjustHold(ctx context.Context, accountNumber string, amount decimal.Decimal, hold bool) error {
	if !amount.IsPositive() {
		return model.NewFailure(model.ErrCodeValidationError, "Amount must be positive", nil)
	}

	wallet, err := s.wallets.GetByAccountNumber(ctx, nil, accountNumber)
	if err != nil {
		return err
	}

	release, err := s.locker.LockWallets(ctx, "hold-"+accountNumber, wallet.ID)
	if err != nil {
		return err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.wallets.LockByIDs(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		w := locked[wallet.ID]

		if !hold {
			held := w.HeldAmount.Sub(amount)
			if held.IsNegative() {
				held = decimal.Zero
			}
			return s.wallets.SetHeld(ctx, tx, w, held)
		}

		if !w.IsActive {
			return accountBlocked(w)
		}
		if w.Available().LessThan(amount) {
			return insufficientFunds(w, amount)
		}
		return s.wallets.SetHeld(ctx, tx, w, w.HeldAmount.Add(amount))
	})
}

func (s *LedgerService) GetLimits(ctx context.Context, accountNumber string) (*Limits, error) {
	w, err := s.wallets.GetByAccountNumber(ctx, nil, accountNumber)
	if err != nil {
		return nil, err
	}
	used, err := s.transactions.SumDebitsSince(ctx, nil, w.ID, startOfDay(time.Now()))
	if err != nil {
		return nil, err
	}

	limits := &Limits{
		AccountNumber: w.AccountNumber,
		Currency:      w.Currency,
		Balance:       w.Balance,
		Held:          w.HeldAmount,
		Available:     w.Available(),
		DailyLimit:    w.DailyLimit,
		UsedToday:     used,
	}
	if w.DailyLimit.IsPositive() {
		remaining := decimal.Max(w.DailyLimit.Sub(used), decimal.Zero)
		limits.RemainingToday = &remaining
	}
	return limits, nil
}

// ValidateTransaction checks currency and the daily limit of the wallet
// behind accountNumber. It returns a *model.Failure on rejection.
func (s *LedgerService) ValidateTransaction(ctx context.Context, tx *gorm.DB, accountNumber string, amount decimal.Decimal, txType model.Category, channel, currency string) error {
	if !amount.IsPositive() {
		return model.NewFailure(model.ErrCodeValidationError, "Amount must be positive", nil)
	}

	w, err := s.wallets.GetByAccountNumber(ctx, tx, accountNumber)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return model.NewFailure(model.ErrCodeWalletNotFound, "Wallet not found", model.Metadata{
				"account_number": accountNumber,
			})
		}
		return err
	}

	if currency != "" && currency != w.Currency {
		return model.NewFailure(model.ErrCodeValidationError,
			fmt.Sprintf("Currency %s does not match wallet currency %s", currency, w.Currency),
			model.Metadata{"channel": channel, "type": string(txType)})
	}

	if !w.DailyLimit.IsPositive() {
		return nil
	}
	used, err := s.transactions.SumDebitsSince(ctx, tx, w.ID, startOfDay(time.Now()))
	if err != nil {
		return err
	}
	if used.Add(amount).GreaterThan(w.DailyLimit) {
		return model.NewFailure(model.ErrCodeLimitExceeded, "Daily transfer limit exceeded", model.Metadata{
			"daily_limit":     w.DailyLimit.StringFixed(2),
			"used_today":      used.StringFixed(2),
			"required_amount": amount.StringFixed(2),
			"channel":         channel,
		})
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Statement pages the records of the wallet behind accountNumber, newest
// first.
func (s *LedgerService) Statement(ctx context.Context, accountNumber string, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	w, err := s.wallets.GetByAccountNumber(ctx, nil, accountNumber)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactions.ListByWalletID(ctx, w.ID, page, pageSize)
}
