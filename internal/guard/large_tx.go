package guard

import (
	"context"

	"github.com/shopspring/decimal"

	"xypay/internal/model"
)

// LargeTransactionShield requires verification at or above the threshold.
type LargeTransactionShield struct {
	threshold decimal.Decimal
}

func NewLargeTransactionShield(threshold decimal.Decimal) *LargeTransactionShield {
	return &LargeTransactionShield{threshold: threshold}
}

func (g *LargeTransactionShield) Name() string      { return "large_tx_shield" }
func (g *LargeTransactionShield) StatusKey() string { return model.LargeTxShieldStatusKey }

func (g *LargeTransactionShield) Evaluate(_ context.Context, t *model.TransferRequest) (Decision, error) {
	if t.Amount.LessThan(g.threshold) {
		return Decision{}, nil
	}
	return Decision{Required: true, Passed: passed(t, g.StatusKey())}, nil
}
