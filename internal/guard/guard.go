package guard

import (
	"context"
	"fmt"

	"xypay/internal/model"
)

// Decision is one guard's view of a transfer.
type Decision struct {
	Required bool
	Passed   bool
}

// Guard is a security precondition on a transfer. Verification itself
// happens out of band; a guard only says whether it applies and reads the
// recorded outcome from the transfer's metadata.
type Guard interface {
	Name() string
	StatusKey() string
	Evaluate(ctx context.Context, t *model.TransferRequest) (Decision, error)
}

type Result struct {
	Guard     string
	StatusKey string
	Decision
}

// Verdict is the combined outcome of a Chain.
type Verdict struct {
	Results []Result
	// Metadata is the transfer metadata with PENDING written for every
	// required guard that had no recorded status.
	Metadata model.Metadata
	// Changed reports whether Metadata differs from the transfer's.
	Changed bool
}

// Complete reports whether every required guard has passed.
func (v *Verdict) Complete() bool {
	for _, r := range v.Results {
		if r.Required && !r.Passed {
			return false
		}
	}
	return true
}

// Holding lists the guards that keep the transfer pending.
func (v *Verdict) Holding() []string {
	var out []string
	for _, r := range v.Results {
		if r.Required && !r.Passed {
			out = append(out, r.Guard)
		}
	}
	return out
}

type Chain struct {
	guards []Guard
}

func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

func (c *Chain) Guards() []Guard {
	return c.guards
}

// Evaluate runs every guard. A status already recorded in the metadata is
// never overwritten.
func (c *Chain) Evaluate(ctx context.Context, t *model.TransferRequest) (*Verdict, error) {
	v := &Verdict{Metadata: t.Metadata.Clone()}

	for _, g := range c.guards {
		d, err := g.Evaluate(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("guard %s: %w", g.Name(), err)
		}
		v.Results = append(v.Results, Result{Guard: g.Name(), StatusKey: g.StatusKey(), Decision: d})

		if d.Required && v.Metadata[g.StatusKey()] == "" {
			v.Metadata[g.StatusKey()] = model.GuardStatusPending
			v.Changed = true
		}
	}
	return v, nil
}

func passed(t *model.TransferRequest, key string) bool {
	return t.GuardStatus(key) == model.GuardStatusPassed
}
