package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/infrastructure/lock"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// ErrAlreadyApplied reports a movement whose reference was recorded before.
var ErrAlreadyApplied = errors.New("movement already applied")

type Movement struct {
	UserID      int64
	Kind        model.SubAccountKind
	Amount      decimal.Decimal
	Reference   string
	Category    model.Category
	Description string
}

type MovementResult struct {
	WalletRecord     *model.TransactionRecord
	SubAccountRecord *model.SubAccountTransaction
}

// SubAccountService moves money between a wallet and its owner's
// sub-accounts. Each movement writes a wallet record and a sub-account
// record under one reference.
type SubAccountService struct {
	db           *gorm.DB
	wallets      *repository.WalletRepository
	subAccounts  *repository.SubAccountRepository
	transactions *repository.TransactionRepository
	ledger       *LedgerService
	recorder     *Recorder
	locker       lock.Locker
	log          *zap.Logger
}

func NewSubAccountService(db *gorm.DB, wallets *repository.WalletRepository, subAccounts *repository.SubAccountRepository, transactions *repository.TransactionRepository, ledger *LedgerService, recorder *Recorder, locker lock.Locker, log *zap.Logger) *SubAccountService {
	return &SubAccountService{
		db:           db,
		wallets:      wallets,
		subAccounts:  subAccounts,
		transactions: transactions,
		ledger:       ledger,
		recorder:     recorder,
		locker:       locker,
		log:          log.Named("subaccount"),
	}
}

// Deposit moves m.Amount from the wallet into the sub-account.
func (s *SubAccountService) Deposit(ctx context.Context, m Movement) (*MovementResult, error) {
	return s.move(ctx, m, true)
}

// Withdraw moves m.Amount from the sub-account back into the wallet.
func (s *SubAccountService) Withdraw(ctx context.Context, m Movement) (*MovementResult, error) {
	return s.move(ctx, m, false)
}

func (s *SubAccountService) move(ctx context.Context, m Movement, deposit bool) (*MovementResult, error) {
	if !m.Amount.IsPositive() {
		return nil, model.NewFailure(model.ErrCodeValidationError, "Amount must be positive", nil)
	}
	if !m.Kind.Valid() || m.Reference == "" {
		return nil, model.NewFailure(model.ErrCodeValidationError, "Sub-account kind and reference are required", nil)
	}

	wallet, err := s.wallets.GetByUserID(ctx, nil, m.UserID)
	if err != nil {
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

	walletDirection, subDirection := model.DirectionCredit, model.DirectionDebit
	if deposit {
		walletDirection, subDirection = model.DirectionDebit, model.DirectionCredit
	}

	result := &MovementResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactions.FindByReference(ctx, tx, m.Reference, wallet.ID, walletDirection)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyApplied
		}

		locked, err := s.wallets.LockByIDs(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		w := locked[wallet.ID]

		sub, err := s.subAccounts.GetOrCreateForUpdate(ctx, tx, m.UserID, w.ID, m.Kind)
		if err != nil {
			return err
		}

		if deposit {
			if err := s.ledger.ApplyDebit(ctx, tx, w, m.Amount); err != nil {
				return err
			}
			if err := s.subAccounts.SetBalance(ctx, tx, sub, sub.Balance.Add(m.Amount)); err != nil {
				return err
			}
		} else {
			if sub.Balance.LessThan(m.Amount) {
				return model.NewFailure(model.ErrCodeInsufficientFunds, "Insufficient sub-account balance", model.Metadata{
					"sub_account_id":    formatID(sub.ID),
					"available_balance": sub.Balance.StringFixed(2),
					"required_amount":   m.Amount.StringFixed(2),
					"shortfall":         m.Amount.Sub(sub.Balance).StringFixed(2),
				})
			}
			if err := s.subAccounts.SetBalance(ctx, tx, sub, sub.Balance.Sub(m.Amount)); err != nil {
				return err
			}
			if err := s.ledger.ApplyCredit(ctx, tx, w, m.Amount); err != nil {
				return err
			}
		}

		opts := RecordOptions{Category: m.Category, Reference: m.Reference}
		result.WalletRecord, err = s.recorder.Record(ctx, tx, w, m.Amount, walletDirection, nil, m.Description, opts)
		if err != nil {
			return err
		}
		result.SubAccountRecord, err = s.recorder.RecordSubAccount(ctx, tx, sub, m.Amount, subDirection, w.Currency, m.Description, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("sub-account movement",
		zap.Int64("user_id", m.UserID),
		zap.String("kind", string(m.Kind)),
		zap.String("category", string(m.Category)),
		zap.Bool("deposit", deposit),
		zap.String("amount", m.Amount.StringFixed(2)),
		zap.String("reference", m.Reference))
	return result, nil
}

// WithdrawInterest returns money from the INTEREST sub-account to the
// wallet. The sub-account debit is a spend event for auto-save.
func (s *SubAccountService) WithdrawInterest(ctx context.Context, userID int64, amount decimal.Decimal, reference string) (*MovementResult, error) {
	return s.Withdraw(ctx, Movement{
		UserID:      userID,
		Kind:        model.SubAccountInterest,
		Amount:      amount,
		Reference:   reference,
		Category:    model.CategoryWithdrawal,
		Description: "Interest withdrawal",
	})
}

func (s *SubAccountService) Get(ctx context.Context, userID int64, kind model.SubAccountKind) (*model.SubAccount, error) {
	return s.subAccounts.Get(ctx, nil, userID, kind)
}

// Transactions lists the ledger of one sub-account, oldest first.
func (s *SubAccountService) Transactions(ctx context.Context, userID int64, kind model.SubAccountKind) ([]*model.SubAccountTransaction, error) {
	account, err := s.subAccounts.Get(ctx, nil, userID, kind)
	if err != nil {
		return nil, err
	}
	return s.subAccounts.ListTransactions(ctx, nil, account.ID)
}

func (s *SubAccountService) Preference(ctx context.Context, userID int64) (*model.SavingsPreference, error) {
	return s.subAccounts.GetPreference(ctx, nil, userID)
}

func (s *SubAccountService) SavePreference(ctx context.Context, pref *model.SavingsPreference) error {
	if pref.AutoSavePercent.IsNegative() || pref.AutoSavePercent.GreaterThan(decimal.NewFromInt(100)) {
		return model.NewFailure(model.ErrCodeValidationError, "Auto-save percent must be within 0-100", nil)
	}
	return s.subAccounts.SavePreference(ctx, nil, pref)
}
