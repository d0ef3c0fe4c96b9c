package pendleyield

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Default metering for the Pendle API: 100 computing units per rolling minute.
const (
	DefaultGovernorBudget = 100
	DefaultGovernorWindow = time.Minute
)

// Declared CU costs of the metered Pendle API calls.
const (
	costPoolVoterApr   = 5
	costMarketFees     = 20
	costAllMarkets     = 10
	costHistoricalData = 20
)

type usageEntry struct {
	at   time.Time
	cost int
}

// RequestGovernor throttles metered calls against a rolling cost budget:
// before a call of cost C is issued, usage older than the window is pruned
// and, if the remaining usage plus C would exceed the budget, the governor
// sleeps exactly long enough for old usage to age out of the window. It is
// meant for a single sequential caller; it never under-waits and never waits
// longer than the minimum needed.
type RequestGovernor struct {
	window  time.Duration
	budget  int
	entries []usageEntry
	logger  *logrus.Entry

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRequestGovernor creates a governor with the given rolling window and
// per-window budget. Non-positive arguments fall back to the defaults.
func NewRequestGovernor(window time.Duration, budget int) *RequestGovernor {
	if window <= 0 {
		window = DefaultGovernorWindow
	}
	if budget <= 0 {
		budget = DefaultGovernorBudget
	}
	return &RequestGovernor{
		window: window,
		budget: budget,
		logger: logrus.WithField("component", "governor"),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Acquire blocks until cost units fit in the rolling window, then records
// the usage. A cost larger than the whole budget is admitted alone once the
// window is empty.
func (g *RequestGovernor) Acquire(cost int) {
	if cost <= 0 {
		return
	}
	now := g.now()
	g.prune(now)

	if wait := g.waitFor(cost, now); wait > 0 {
		g.logger.WithFields(logrus.Fields{
			"cost":    cost,
			"wait_ms": wait.Milliseconds(),
		}).Debug("request budget exhausted, pacing")
		g.sleep(wait)
		now = g.now()
		g.prune(now)
	}

	g.entries = append(g.entries, usageEntry{at: now, cost: cost})
}

// Used returns the cost recorded inside the current window.
func (g *RequestGovernor) Used() int {
	g.prune(g.now())
	total := 0
	for _, e := range g.entries {
		total += e.cost
	}
	return total
}

// prune drops usage entries that have aged out of the window.
func (g *RequestGovernor) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	kept := g.entries[:0]
	for _, e := range g.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	g.entries = kept
}

// waitFor computes the minimum wait after which enough of the oldest usage
// has expired for cost units to fit. Entries are stored in arrival order, so
// scanning a prefix is scanning the expiry order.
func (g *RequestGovernor) waitFor(cost int, now time.Time) time.Duration {
	if len(g.entries) == 0 {
		return 0
	}
	used := 0
	for _, e := range g.entries {
		used += e.cost
	}
	if used+cost <= g.budget {
		return 0
	}

	freed := 0
	for _, e := range g.entries {
		freed += e.cost
		if used-freed+cost <= g.budget {
			return e.at.Add(g.window).Sub(now)
		}
	}
	// Even an empty window cannot fit the cost under the budget; admit it
	// once everything recorded has expired.
	last := g.entries[len(g.entries)-1]
	return last.at.Add(g.window).Sub(now)
}
