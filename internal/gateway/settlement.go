package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"xypay/internal/infrastructure/mq"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// Settlement metadata written on the external debit record.
const (
	MetaSettlementStatus     = "settlement_status"
	MetaGatewayTransactionID = "gateway_transaction_id"
	MetaSettlementError      = "settlement_error"
	MetaSettlementErrorCode  = "settlement_error_code"

	SettlementSettled  = "SETTLED"
	SettlementDeclined = "DECLINED"
	SettlementFailed   = "FAILED"
)

// Settler consumes settlement instructions. The transfer is already SUCCESS
// by then; the outcome is recorded on the debit record for reconciliation.
type Settler struct {
	gateway      PaymentGateway
	transactions *repository.TransactionRepository
	log          *zap.Logger
}

func NewSettler(gateway PaymentGateway, transactions *repository.TransactionRepository, log *zap.Logger) *Settler {
	return &Settler{gateway: gateway, transactions: transactions, log: log.Named("settlement")}
}

func (s *Settler) Handler() mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var instr model.SettlementInstruction
		if err := json.Unmarshal(msg.Value, &instr); err != nil {
			s.log.Warn("drop malformed settlement instruction", zap.Error(err))
			return nil
		}
		return s.Settle(ctx, &instr)
	}
}

func (s *Settler) Settle(ctx context.Context, instr *model.SettlementInstruction) error {
	record, err := s.transactions.GetByTransactionNo(ctx, nil, instr.TransactionNo)
	if err != nil {
		return err
	}
	if record == nil {
		s.log.Warn("settlement record not found", zap.String("transaction_no", instr.TransactionNo))
		return nil
	}
	if record.Metadata[MetaSettlementStatus] == SettlementSettled {
		return nil
	}

	result, err := s.gateway.Transfer(ctx, TransferInstruction{
		SourceAccount:      instr.SourceAccount,
		DestinationBank:    instr.DestinationBank,
		DestinationAccount: instr.DestinationAcct,
		DestinationName:    instr.DestinationName,
		Amount:             instr.Amount,
		Currency:           instr.Currency,
		Reference:          instr.Reference,
	})

	md := model.Metadata{}
	switch {
	case err != nil:
		code := model.ErrCodeExternalServiceError
		if errors.Is(err, ErrUnavailable) {
			code = model.ErrCodeBankServiceUnavailable
		} else if errors.Is(err, context.DeadlineExceeded) {
			code = model.ErrCodeTimeoutError
		}
		md[MetaSettlementStatus] = SettlementFailed
		md[MetaSettlementErrorCode] = string(code)
		md[MetaSettlementError] = err.Error()
	case result.Success:
		md[MetaSettlementStatus] = SettlementSettled
		md[MetaGatewayTransactionID] = result.GatewayTransactionID
	default:
		md[MetaSettlementStatus] = SettlementDeclined
		md[MetaSettlementError] = result.ErrorMessage
	}

	if err := s.transactions.AppendMetadata(ctx, nil, record.ID, md); err != nil {
		return err
	}
	s.log.Info("settlement processed",
		zap.Int64("transfer_id", instr.TransferID),
		zap.String("transaction_no", instr.TransactionNo),
		zap.String("status", md[MetaSettlementStatus]))
	return nil
}
