package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"xypay/internal/model"
)

var ErrSubAccountNotFound = errors.New("sub-account not found")

type SubAccountRepository struct {
	db *gorm.DB
}

func NewSubAccountRepository(db *gorm.DB) *SubAccountRepository {
	return &SubAccountRepository{db: db}
}

func (r *SubAccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *SubAccountRepository) Get(ctx context.Context, tx *gorm.DB, userID int64, kind model.SubAccountKind) (*model.SubAccount, error) {
	var account model.SubAccount
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, kind).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreateForUpdate returns the user's sub-account of kind, opening an
// empty one on first use, and locks the row for the rest of tx.
func (r *SubAccountRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, walletID int64, kind model.SubAccountKind) (*model.SubAccount, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.SubAccount{
			UserID:   userID,
			Kind:     kind,
			WalletID: walletID,
			Balance:  decimal.Zero,
		}).Error
	if err != nil {
		return nil, err
	}

	var account model.SubAccount
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND kind = ?", userID, kind).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *SubAccountRepository) SetBalance(ctx context.Context, tx *gorm.DB, account *model.SubAccount, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return ErrNegativeAmount
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.SubAccount{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"balance": balance,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	account.Balance = balance
	account.Version++
	return nil
}

func (r *SubAccountRepository) CreateTransaction(ctx context.Context, tx *gorm.DB, txn *model.SubAccountTransaction) error {
	err := r.conn(tx).WithContext(ctx).Create(txn).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *SubAccountRepository) ExistsTransaction(ctx context.Context, tx *gorm.DB, reference string, subAccountID int64, direction model.Direction) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.SubAccountTransaction{}).
		Where("reference = ? AND sub_account_id = ? AND direction = ?", reference, subAccountID, direction).
		Count(&count).Error
	return count > 0, err
}

func (r *SubAccountRepository) ListTransactions(ctx context.Context, tx *gorm.DB, subAccountID int64) ([]*model.SubAccountTransaction, error) {
	var txns []*model.SubAccountTransaction
	err := r.conn(tx).WithContext(ctx).
		Where("sub_account_id = ?", subAccountID).
		Order("id ASC").
		Find(&txns).Error
	return txns, err
}

// GetPreference returns nil, nil when the user never saved preferences.
func (r *SubAccountRepository) GetPreference(ctx context.Context, tx *gorm.DB, userID int64) (*model.SavingsPreference, error) {
	var pref model.SavingsPreference
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		First(&pref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pref, nil
}

func (r *SubAccountRepository) SavePreference(ctx context.Context, tx *gorm.DB, pref *model.SavingsPreference) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"auto_sweep_enabled", "auto_save_enabled", "auto_save_percent", "updated_at"}),
		}).
		Create(pref).Error
}

// GetTransactionByID returns nil, nil when absent.
func (r *SubAccountRepository) GetTransactionByID(ctx context.Context, tx *gorm.DB, id int64) (*model.SubAccountTransaction, error) {
	var txn model.SubAccountTransaction
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}
