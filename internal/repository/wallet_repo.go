package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"xypay/internal/model"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrOptimisticLock = errors.New("optimistic lock conflict, retry")
	ErrNegativeAmount = errors.New("balance would become negative")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *WalletRepository) Create(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error {
	return r.conn(tx).WithContext(ctx).Create(wallet).Error
}

func (r *WalletRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Wallet, error) {
	return r.first(ctx, r.conn(tx).Where("id = ?", id))
}

func (r *WalletRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	return r.first(ctx, r.conn(tx).Where("user_id = ?", userID))
}

// GetByAccountNumber matches the primary or the alternate account number.
func (r *WalletRepository) GetByAccountNumber(ctx context.Context, tx *gorm.DB, accountNumber string) (*model.Wallet, error) {
	if accountNumber == "" {
		return nil, ErrWalletNotFound
	}
	return r.first(ctx, r.conn(tx).
		Where("account_number = ? OR alternate_account_number = ?", accountNumber, accountNumber))
}

func (r *WalletRepository) first(ctx context.Context, q *gorm.DB) (*model.Wallet, error) {
	var wallet model.Wallet
	err := q.WithContext(ctx).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// LockByIDs selects the rows FOR UPDATE in ascending id order and returns
// them keyed by id.
func (r *WalletRepository) LockByIDs(ctx context.Context, tx *gorm.DB, ids ...int64) (map[int64]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&wallets).Error
	if err != nil {
		return nil, err
	}

	out := make(map[int64]*model.Wallet, len(wallets))
	for _, w := range wallets {
		out[w.ID] = w
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, ErrWalletNotFound
		}
	}
	return out, nil
}

// SetBalance writes an absolute balance guarded by the version column and
// refreshes wallet in place on success.
func (r *WalletRepository) SetBalance(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return ErrNegativeAmount
	}
	if err := r.casUpdate(ctx, tx, wallet, map[string]interface{}{"balance": balance}); err != nil {
		return err
	}
	wallet.Balance = balance
	return nil
}

func (r *WalletRepository) SetHeld(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, held decimal.Decimal) error {
	if held.IsNegative() {
		return ErrNegativeAmount
	}
	if err := r.casUpdate(ctx, tx, wallet, map[string]interface{}{"held_amount": held}); err != nil {
		return err
	}
	wallet.HeldAmount = held
	return nil
}

func (r *WalletRepository) casUpdate(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	wallet.Version++
	return nil
}

func (r *WalletRepository) SetActive(ctx context.Context, tx *gorm.DB, walletID int64, active bool) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ?", walletID).
		Update("is_active", active).Error
}
