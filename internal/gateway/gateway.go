package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means the gateway was not called because its breaker is
// open or saturated.
var ErrUnavailable = errors.New("payment gateway unavailable")

type TransferInstruction struct {
	SourceAccount      string
	DestinationBank    string
	DestinationAccount string
	DestinationName    string
	Amount             decimal.Decimal
	Currency           string
	Reference          string
}

type Result struct {
	Success              bool
	GatewayTransactionID string
	ErrorMessage         string
}

// PaymentGateway settles externally bound transfers. A declined transfer is
// a Result with Success false; an error means the call itself failed.
type PaymentGateway interface {
	Transfer(ctx context.Context, in TransferInstruction) (*Result, error)
}

// Simulated approves every instruction. It stands in for the bank rail in
// local runs.
type Simulated struct{}

func (Simulated) Transfer(ctx context.Context, in TransferInstruction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return &Result{ErrorMessage: "invalid amount"}, nil
	}
	return &Result{Success: true, GatewayTransactionID: "SIM-" + in.Reference}, nil
}
