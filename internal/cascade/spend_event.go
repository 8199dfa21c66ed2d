package cascade

import (
	"context"

	"github.com/shopspring/decimal"

	"xypay/internal/model"
)

// SpendEvent is the shape both wallet records and sub-account transactions
// present to the cascade pipelines.
type SpendEvent interface {
	SpendAmount() decimal.Decimal
	SpendDirection() model.Direction
	SpendOwner() int64
	SpendReference() string
	SpendCurrency() string
}

var (
	_ SpendEvent = (*model.TransactionRecord)(nil)
	_ SpendEvent = (*model.SubAccountTransaction)(nil)
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Effect reacts to one durable spend event.
type Effect interface {
	Name() string
	Apply(ctx context.Context, ev SpendEvent) (Outcome, error)
}
