package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"xypay/internal/config"
)

// BreakerGateway trips after consecutive call failures and then fails fast
// with ErrUnavailable until the open timeout elapses.
type BreakerGateway struct {
	next    PaymentGateway
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
}

func NewBreakerGateway(next PaymentGateway, cfg config.GatewayConfig, log *zap.Logger) *BreakerGateway {
	log = log.Named("gateway")
	consecutive := cfg.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}

	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutive
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
		log:     log,
	}
}

func (g *BreakerGateway) Transfer(ctx context.Context, in TransferInstruction) (*Result, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.next.Transfer(callCtx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.(*Result), nil
}

func (g *BreakerGateway) State() gobreaker.State {
	return g.breaker.State()
}
