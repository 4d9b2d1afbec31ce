package results

import (
	"math"
	"sort"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// Compare contrasts the outcomes of two executions, typically the first run
// and a retry of the same adversary.
func Compare(before, after *Aggregation) *Comparison {
	c := &Comparison{
		Before:      before.Stats,
		After:       after.Stats,
		Improvement: math.Round((after.Stats.SuccessRate-before.Stats.SuccessRate)*100) / 100,
	}
	for id, prev := range before.Outcomes {
		next := after.Outcome(id)
		switch {
		case prev == schemas.OutcomeFailed && next == schemas.OutcomeSuccess:
			c.Fixed = append(c.Fixed, id)
		case prev == schemas.OutcomeSuccess && next == schemas.OutcomeFailed:
			c.Regressed = append(c.Regressed, id)
		}
	}
	sort.Strings(c.Fixed)
	sort.Strings(c.Regressed)
	return c
}
