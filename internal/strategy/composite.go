package strategy

import (
	"fmt"
	"strings"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Composite merges member strategies by weighted score. Buy and sell votes
// offset each other; the composite acts only when the net score clears the
// threshold, and a sell is only emitted while a position is open.
type Composite struct {
	name    string
	members []weighted
	// ActThreshold is the minimum |net score| before acting.
	ActThreshold float64
}

type weighted struct {
	strategy core.IStrategy
	weight   float64
}

func NewComposite(name string, actThreshold float64) *Composite {
	if actThreshold <= 0 {
		actThreshold = 0.1
	}
	return &Composite{name: name, ActThreshold: actThreshold}
}

// Add registers a member. Weights are relative, not required to sum to 1.
func (c *Composite) Add(s core.IStrategy, weight float64) *Composite {
	if weight > 0 {
		c.members = append(c.members, weighted{strategy: s, weight: weight})
	}
	return c
}

func (c *Composite) Name() string { return c.name }

func (c *Composite) Generate(sctx *core.StrategyContext) core.Decision {
	if len(c.members) == 0 {
		return core.Decision{Action: core.ActionHold, Meta: map[string]string{"reason": "no_members"}}
	}

	var net, totalWeight float64
	var votes []string
	for _, m := range c.members {
		d := m.strategy.Generate(sctx)
		totalWeight += m.weight
		switch d.Action {
		case core.ActionBuy:
			net += m.weight * abs(d.Score)
		case core.ActionSell:
			net -= m.weight * abs(d.Score)
		}
		votes = append(votes, fmt.Sprintf("%s=%s", m.strategy.Name(), d.Action))
	}
	if totalWeight > 0 {
		net /= totalWeight
	}

	meta := map[string]string{"votes": strings.Join(votes, ",")}
	holding := sctx.Position != nil && sctx.Position.IsOpen()
	switch {
	case net >= c.ActThreshold && !holding:
		return core.Decision{Action: core.ActionBuy, Score: net, Meta: meta}
	case net <= -c.ActThreshold && holding:
		return core.Decision{Action: core.ActionSell, Score: net, Meta: meta}
	default:
		return core.Decision{Action: core.ActionHold, Score: net, Meta: meta}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// FromConfig builds the strategy named in configuration.
func FromConfig(name string, fast, slow int, threshold decimal.Decimal) (core.IStrategy, error) {
	switch name {
	case "", "sma_momentum":
		return NewSMAMomentum(fast, slow, threshold), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
