package guard

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"xypay/internal/config"
)

// FromConfig assembles the enabled guards in evaluation order.
func FromConfig(cfg config.GuardConfig, history LocationHistory) (*Chain, error) {
	var guards []Guard

	if cfg.NightGuardEnabled {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("load guard time zone %q: %w", cfg.TimeZone, err)
		}
		guards = append(guards, NewNightGuard(cfg.NightStartHour, cfg.NightEndHour, loc))
	}
	if cfg.LargeTxShieldEnabled {
		guards = append(guards, NewLargeTransactionShield(decimal.NewFromFloat(cfg.LargeTxThreshold)))
	}
	if cfg.LocationGuardEnabled && history != nil {
		guards = append(guards, NewLocationGuard(history))
	}
	return NewChain(guards...), nil
}
