package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"xypay/internal/model"
)

var ErrDuplicateTransaction = errors.New("transaction already recorded for reference")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, record *model.TransactionRecord) error {
	err := r.conn(tx).WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.TransactionRecord, error) {
	return r.first(ctx, r.conn(tx).Where("id = ?", id))
}

// GetByTransactionNo returns nil, nil when absent.
func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.TransactionRecord, error) {
	return r.first(ctx, r.conn(tx).Where("transaction_no = ?", transactionNo))
}

// FindByReference returns nil, nil when no record of that wallet and
// direction carries the reference.
func (r *TransactionRepository) FindByReference(ctx context.Context, tx *gorm.DB, reference string, walletID int64, direction model.Direction) (*model.TransactionRecord, error) {
	return r.first(ctx, r.conn(tx).
		Where("reference = ? AND wallet_id = ? AND direction = ?", reference, walletID, direction))
}

func (r *TransactionRepository) ListByReference(ctx context.Context, tx *gorm.DB, reference string) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.conn(tx).WithContext(ctx).
		Where("reference = ?", reference).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *TransactionRepository) ListByTransferID(ctx context.Context, tx *gorm.DB, transferID int64) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.conn(tx).WithContext(ctx).
		Where("transfer_id = ?", transferID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *TransactionRepository) first(ctx context.Context, q *gorm.DB) (*model.TransactionRecord, error) {
	var record model.TransactionRecord
	err := q.WithContext(ctx).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// AppendMetadata merges keys into a record's metadata. It is the only
// mutation a recorded transaction allows.
func (r *TransactionRepository) AppendMetadata(ctx context.Context, tx *gorm.DB, id int64, extra model.Metadata) error {
	record, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return gorm.ErrRecordNotFound
	}

	return r.conn(tx).WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("id = ?", id).
		Update("metadata", record.Metadata.Merge(extra)).Error
}

// SumDebitsSince totals a wallet's debits from since onwards, for daily
// limit checks.
func (r *TransactionRepository) SumDebitsSince(ctx context.Context, tx *gorm.DB, walletID int64, since time.Time) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("wallet_id = ? AND direction = ? AND created_at >= ?", walletID, model.DirectionDebit, since).
		Where("category IN ?", []model.Category{model.CategoryTransfer, model.CategoryExternalTransfer}).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}

func (r *TransactionRepository) ListByWalletID(ctx context.Context, walletID int64, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	var records []*model.TransactionRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.TransactionRecord{}).Where("wallet_id = ?", walletID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}
