package guard

import (
	"context"
	"time"

	"xypay/internal/model"
)

// NightGuard requires verification for transfers created inside the night
// window [start, end) in loc. The window may wrap midnight.
type NightGuard struct {
	start, end int
	loc        *time.Location
}

func NewNightGuard(startHour, endHour int, loc *time.Location) *NightGuard {
	if loc == nil {
		loc = time.UTC
	}
	return &NightGuard{start: startHour, end: endHour, loc: loc}
}

func (g *NightGuard) Name() string      { return "night_guard" }
func (g *NightGuard) StatusKey() string { return model.NightGuardStatusKey }

func (g *NightGuard) Evaluate(_ context.Context, t *model.TransferRequest) (Decision, error) {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if !g.inWindow(created.In(g.loc).Hour()) {
		return Decision{}, nil
	}
	return Decision{Required: true, Passed: passed(t, g.StatusKey())}, nil
}

func (g *NightGuard) inWindow(hour int) bool {
	switch {
	case g.start == g.end:
		return false
	case g.start < g.end:
		return hour >= g.start && hour < g.end
	default:
		return hour >= g.start || hour < g.end
	}
}
