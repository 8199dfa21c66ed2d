package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/event"
	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/pkg/idgen"
)

var (
	ErrInvalidRequest    = errors.New("invalid transfer request")
	ErrUnknownGuard      = errors.New("unknown guard status key")
	ErrTransferNotActive = errors.New("transfer is no longer pending")
)

type TransferRequestInput struct {
	IdempotencyKey           string            `json:"idempotency_key"`
	UserID                   int64             `json:"user_id" binding:"required"`
	SourceAccountNumber      string            `json:"source_account_number"`
	DestinationAccountNumber string            `json:"destination_account_number" binding:"required"`
	DestinationBank          string            `json:"destination_bank"`
	DestinationName          string            `json:"destination_name"`
	Amount                   decimal.Decimal   `json:"amount"`
	Currency                 string            `json:"currency"`
	Channel                  string            `json:"channel"`
	Description              string            `json:"description"`
	Metadata                 map[string]string `json:"metadata"`
}

// TransferService is the intake side: it creates transfers and lets
// verification flows and operators act on pending ones. Processing itself
// is always asynchronous.
type TransferService struct {
	db              *gorm.DB
	transfers       *repository.TransferRepository
	emitter         event.Emitter
	topics          event.Topics
	defaultCurrency string
	log             *zap.Logger
}

func NewTransferService(db *gorm.DB, transfers *repository.TransferRepository, emitter event.Emitter, topics event.Topics, defaultCurrency string, log *zap.Logger) *TransferService {
	return &TransferService{
		db:              db,
		transfers:       transfers,
		emitter:         emitter,
		topics:          topics,
		defaultCurrency: defaultCurrency,
		log:             log.Named("transfer"),
	}
}

// Submit creates a PENDING transfer and enqueues transfer.created in the same
// transaction. A repeated idempotency key returns the original transfer and
// false.
func (s *TransferService) Submit(ctx context.Context, in *TransferRequestInput) (*model.TransferRequest, bool, error) {
	if err := validateInput(in); err != nil {
		return nil, false, err
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = idgen.NewIdempotencyKey()
	}

	existing, err := s.transfers.GetByIdempotencyKey(ctx, nil, in.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = s.defaultCurrency
	}
	channel := strings.ToUpper(in.Channel)
	if channel == "" {
		channel = model.ChannelAPI
	}

	t := &model.TransferRequest{
		ID:                       idgen.NextID(),
		TransferNo:               idgen.GenerateTransferNo(),
		UserID:                   in.UserID,
		SourceAccountNumber:      in.SourceAccountNumber,
		DestinationAccountNumber: strings.TrimSpace(in.DestinationAccountNumber),
		DestinationBank:          in.DestinationBank,
		DestinationName:          in.DestinationName,
		Amount:                   in.Amount.Round(2),
		Currency:                 currency,
		Channel:                  channel,
		Description:              in.Description,
		IdempotencyKey:           in.IdempotencyKey,
		Status:                   model.TransferStatusPending,
		Metadata:                 model.Metadata(in.Metadata).Clone(),
		TechnicalDetails:         model.Metadata{},
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transfers.Create(ctx, tx, t); err != nil {
			return err
		}
		return s.emitCommand(ctx, tx, s.topics.TransferCreated, t.ID, false)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			// lost a race with an identical submission
			existing, lookupErr := s.transfers.GetByIdempotencyKey(ctx, nil, in.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create transfer: %w", err)
	}

	s.log.Info("transfer submitted",
		zap.Int64("transfer_id", t.ID),
		zap.String("transfer_no", t.TransferNo),
		zap.Int64("user_id", t.UserID),
		zap.String("amount", t.Amount.StringFixed(2)))
	return t, true, nil
}

func validateInput(in *TransferRequestInput) error {
	switch {
	case in == nil:
		return ErrInvalidRequest
	case in.UserID <= 0:
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case strings.TrimSpace(in.DestinationAccountNumber) == "":
		return fmt.Errorf("%w: destination_account_number is required", ErrInvalidRequest)
	case !in.Amount.Round(2).IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func (s *TransferService) Get(ctx context.Context, id int64) (*model.TransferRequest, error) {
	return s.transfers.GetByID(ctx, nil, id)
}

// List pages a user's transfers, newest first.
func (s *TransferService) List(ctx context.Context, userID int64, page, pageSize int) ([]*model.TransferRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.transfers.ListByUserID(ctx, userID, page, pageSize)
}

// ConfirmGuard records the out-of-band outcome of a guard verification and
// re-emits the transfer so the processor evaluates it again.
func (s *TransferService) ConfirmGuard(ctx context.Context, id int64, statusKey string, passed bool) (*model.TransferRequest, error) {
	switch statusKey {
	case model.NightGuardStatusKey, model.LargeTxShieldStatusKey, model.LocationGuardStatusKey:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuard, statusKey)
	}

	status := model.GuardStatusFailed
	if passed {
		status = model.GuardStatusPassed
	}

	var t *model.TransferRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		t, err = s.transfers.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != model.TransferStatusPending {
			return ErrTransferNotActive
		}

		md := t.Metadata.Clone()
		md[statusKey] = status
		if err := s.transfers.UpdateMetadata(ctx, tx, id, model.TransferStatusPending, md); err != nil {
			return err
		}
		t.Metadata = md
		return s.emitCommand(ctx, tx, s.topics.TransferCreated, id, false)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("guard verification recorded",
		zap.Int64("transfer_id", id),
		zap.String("status_key", statusKey),
		zap.String("status", status))
	return t, nil
}

// Cancel moves a PENDING transfer to CANCELLED.
func (s *TransferService) Cancel(ctx context.Context, id int64, reason string) (*model.TransferRequest, error) {
	var t *model.TransferRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		t, err = s.transfers.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != model.TransferStatusPending {
			return ErrTransferNotActive
		}

		now := time.Now()
		extra := map[string]interface{}{"completed_at": &now}
		if reason != "" {
			extra["failure_reason"] = reason
		}
		if err := s.transfers.UpdateStatus(ctx, tx, id, model.TransferStatusPending, model.TransferStatusCancelled, extra); err != nil {
			return err
		}
		t.Status = model.TransferStatusCancelled
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transfer cancelled", zap.Int64("transfer_id", id))
	return t, nil
}

// Resubmit enqueues a processing command outside any state change. The
// retry scanner uses it for both entry points.
func (s *TransferService) Resubmit(ctx context.Context, id int64, retry bool) error {
	topic := s.topics.TransferCreated
	if retry {
		topic = s.topics.TransferRetry
	}
	return s.emitCommand(ctx, nil, topic, id, retry)
}

func (s *TransferService) emitCommand(ctx context.Context, tx *gorm.DB, topic string, id int64, retry bool) error {
	return s.emitter.Emit(ctx, tx, topic, transferKey(id), model.TransferCommand{
		TransferID: id,
		Retry:      retry,
		IssuedAt:   time.Now().UTC(),
	})
}
