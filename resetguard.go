package actionctl

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// resetStormGuard caps how often a single action may trigger a controller
// reset before the Controller gives up retrying and escalates straight to
// "error" (SPEC_FULL.md §4.12). Without it, an action whose body fails every
// invocation would otherwise re-arm _resetWithDelay's exponential backoff
// from scratch forever, continuously spamming resets instead of settling
// into a capped backoff or surfacing the problem.
//
// Grounded on github.com/joeycumines/go-catrate's sliding-window category
// limiter: each action's dotted identifier is its own category, so one
// runaway action cannot exhaust the budget of any other.
type resetStormGuard struct {
	limiter *catrate.Limiter
}

// defaultResetStormRates mirrors the defaults documented in SPEC_FULL.md
// §4.12: no more than 5 resets per 10 seconds, and no more than 20 resets
// per 2 minutes, per triggering action.
func defaultResetStormRates() map[time.Duration]int {
	return map[time.Duration]int{
		10 * time.Second: 5,
		2 * time.Minute:  20,
	}
}

func newResetStormGuard(rates map[time.Duration]int) *resetStormGuard {
	if rates == nil {
		rates = defaultResetStormRates()
	}
	return &resetStormGuard{limiter: catrate.NewLimiter(rates)}
}

// allow reports whether action (its dotted identifier, or "controller" for a
// trailing reset re-run not attributable to a single action) may trigger
// another reset right now.
func (g *resetStormGuard) allow(action string) bool {
	if g == nil || g.limiter == nil {
		return true
	}
	_, ok := g.limiter.Allow(action)
	return ok
}
