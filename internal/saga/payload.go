package saga

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"xypay/internal/model"
)

// Payload is carried from step to step and persisted with the log.
type Payload struct {
	SourceAccount      string          `json:"sourceAccount,omitempty"`
	DestinationAccount string          `json:"destinationAccount,omitempty"`
	AccountNumber      string          `json:"accountNumber,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency,omitempty"`
	Description        string          `json:"description,omitempty"`
	LoanNo             string          `json:"loanNo,omitempty"`

	ReconciliationRequired bool           `json:"reconciliation_required,omitempty"`
	FailedStep             model.SagaStep `json:"failedStep,omitempty"`
}

func decodePayload(raw string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode saga payload: %w", err)
	}
	return &p, nil
}

func (p *Payload) encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func (p *Payload) validate(sagaType model.SagaType) error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	switch sagaType {
	case model.SagaAccountTransfer:
		if p.SourceAccount == "" || p.DestinationAccount == "" {
			return fmt.Errorf("%w: sourceAccount and destinationAccount are required", ErrInvalidPayload)
		}
		if p.SourceAccount == p.DestinationAccount {
			return fmt.Errorf("%w: source and destination must differ", ErrInvalidPayload)
		}
	case model.SagaLoanDisbursement:
		if p.AccountNumber == "" {
			return fmt.Errorf("%w: accountNumber is required", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return nil
}
