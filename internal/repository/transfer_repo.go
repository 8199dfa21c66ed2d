package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"xypay/internal/model"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrStatusTransition = errors.New("transfer status transition not allowed")
	ErrDuplicateRequest = errors.New("duplicate idempotency key")
)

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *TransferRepository) Create(ctx context.Context, tx *gorm.DB, transfer *model.TransferRequest) error {
	err := r.conn(tx).WithContext(ctx).Create(transfer).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateRequest
	}
	return err
}

func (r *TransferRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.TransferRequest, error) {
	var t model.TransferRequest
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransferRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.TransferRequest, error) {
	var t model.TransferRequest
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByIdempotencyKey returns nil, nil when the key is unused.
func (r *TransferRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.TransferRequest, error) {
	var t model.TransferRequest
	err := r.conn(tx).WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// UpdateMetadata replaces the metadata map while the transfer is still in
// the expected status.
func (r *TransferRepository) UpdateMetadata(ctx context.Context, tx *gorm.DB, id int64, status model.TransferStatus, md model.Metadata) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.TransferRequest{}).
		Where("id = ? AND status = ?", id, status).
		Update("metadata", md)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusTransition
	}
	return nil
}

// UpdateStatus moves a transfer from one status to another with a
// compare-and-swap on the current status.
func (r *TransferRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.TransferStatus, extra map[string]interface{}) error {
	if !model.CanTransition(from, to) {
		return ErrStatusTransition
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.TransferRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusTransition
	}
	return nil
}

func (r *TransferRepository) MarkSucceeded(ctx context.Context, tx *gorm.DB, t *model.TransferRequest, from model.TransferStatus, md model.Metadata) error {
	now := time.Now()
	err := r.UpdateStatus(ctx, tx, t.ID, from, model.TransferStatusSuccess, map[string]interface{}{
		"completed_at":   &now,
		"metadata":       md,
		"failure_reason": nil,
		"error_code":     nil,
	})
	if err != nil {
		return err
	}
	t.Status = model.TransferStatusSuccess
	t.CompletedAt = &now
	t.Metadata = md
	t.FailureReason = nil
	t.ErrorCode = nil
	return nil
}

// MarkFailed terminalizes with reason, code and technical details. When
// countRetry is set the attempt is counted against the retry budget.
func (r *TransferRepository) MarkFailed(ctx context.Context, tx *gorm.DB, t *model.TransferRequest, from model.TransferStatus, reason string, code model.ErrorCode, details model.Metadata, countRetry bool) error {
	now := time.Now()
	extra := map[string]interface{}{
		"failure_reason":    reason,
		"error_code":        code,
		"technical_details": details,
		"completed_at":      &now,
	}
	if countRetry {
		extra["retry_count"] = gorm.Expr("retry_count + 1")
	}

	if err := r.UpdateStatus(ctx, tx, t.ID, from, model.TransferStatusFailed, extra); err != nil {
		return err
	}
	t.Status = model.TransferStatusFailed
	t.FailureReason = &reason
	t.ErrorCode = &code
	t.TechnicalDetails = details
	t.CompletedAt = &now
	if countRetry {
		t.RetryCount++
	}
	return nil
}

// GetRetryable selects FAILED transfers last touched before the cut-off,
// without the max-retries marker and with one of the given error codes.
// An empty code list selects nothing.
func (r *TransferRepository) GetRetryable(ctx context.Context, before time.Time, codes []model.ErrorCode, limit int) ([]*model.TransferRequest, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	var transfers []*model.TransferRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND max_retries_reached = ?", model.TransferStatusFailed, before, false).
		Where("error_code IN ?", codes).
		Order("updated_at ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

// GetStalePending selects PENDING transfers created before the cut-off.
func (r *TransferRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.TransferRequest, error) {
	var transfers []*model.TransferRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.TransferStatusPending, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

func (r *TransferRepository) MarkMaxRetriesReached(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.TransferRequest{}).
		Where("id = ? AND status = ?", id, model.TransferStatusFailed).
		Update("max_retries_reached", true).Error
}

// Touch bumps updated_at so a re-driven transfer leaves the scan window.
func (r *TransferRepository) Touch(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.TransferRequest{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// LastSuccessfulForUser returns the user's most recent SUCCESS transfer other
// than excludeID, or nil.
func (r *TransferRepository) LastSuccessfulForUser(ctx context.Context, userID, excludeID int64) (*model.TransferRequest, error) {
	var t model.TransferRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND id <> ?", userID, model.TransferStatusSuccess, excludeID).
		Order("completed_at DESC").
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransferRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.TransferRequest, int64, error) {
	var transfers []*model.TransferRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.TransferRequest{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transfers).Error
	return transfers, total, err
}
