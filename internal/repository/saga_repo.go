package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"xypay/internal/model"
)

var (
	ErrSagaNotFound  = errors.New("saga not found")
	ErrStepConflict  = errors.New("saga step already advanced")
	ErrLoanNotFound  = errors.New("loan account not found")
	ErrDuplicateSaga = errors.New("saga already exists")
)

type SagaRepository struct {
	db *gorm.DB
}

func NewSagaRepository(db *gorm.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

func (r *SagaRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *SagaRepository) Create(ctx context.Context, tx *gorm.DB, log *model.SagaStepLog) error {
	err := r.conn(tx).WithContext(ctx).Create(log).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSaga
	}
	return err
}

func (r *SagaRepository) GetBySagaID(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaStepLog, error) {
	var log model.SagaStepLog
	err := r.conn(tx).WithContext(ctx).Where("saga_id = ?", sagaID).First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return &log, nil
}

func (r *SagaRepository) GetBySagaIDForUpdate(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaStepLog, error) {
	return r.GetBySagaID(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), sagaID)
}

// AdvanceStep moves the log from step from to step to. It fails with
// ErrStepConflict when another delivery already advanced it.
func (r *SagaRepository) AdvanceStep(ctx context.Context, tx *gorm.DB, sagaID string, from, to model.SagaStep, status model.SagaStatus, payload string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.SagaStepLog{}).
		Where("saga_id = ? AND current_step = ? AND status = ?", sagaID, from, model.SagaStatusInProgress).
		Updates(map[string]interface{}{
			"current_step": to,
			"status":       status,
			"payload":      payload,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStepConflict
	}
	return nil
}

func (r *SagaRepository) MarkFailed(ctx context.Context, tx *gorm.DB, sagaID string, at model.SagaStep, lastErr, payload string) error {
	if len(lastErr) > maxLastErrorLen {
		lastErr = lastErr[:maxLastErrorLen]
	}
	result := r.conn(tx).WithContext(ctx).
		Model(&model.SagaStepLog{}).
		Where("saga_id = ? AND current_step = ? AND status = ?", sagaID, at, model.SagaStatusInProgress).
		Updates(map[string]interface{}{
			"status":     model.SagaStatusFailed,
			"last_error": lastErr,
			"payload":    payload,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStepConflict
	}
	return nil
}

func (r *SagaRepository) CreateLoan(ctx context.Context, tx *gorm.DB, loan *model.LoanAccount) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "saga_id"}}, DoNothing: true}).
		Create(loan).Error
}

func (r *SagaRepository) GetLoanBySagaID(ctx context.Context, tx *gorm.DB, sagaID string) (*model.LoanAccount, error) {
	var loan model.LoanAccount
	err := r.conn(tx).WithContext(ctx).Where("saga_id = ?", sagaID).First(&loan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

func (r *SagaRepository) UpdateLoanStatus(ctx context.Context, tx *gorm.DB, loanID int64, status string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.LoanAccount{}).
		Where("id = ?", loanID).
		Update("status", status).Error
}
