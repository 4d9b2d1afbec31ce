// File: internal/results/pipeline.go
package results

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// Aggregate folds raw links into per-ability outcomes. An ability succeeds if
// any of its links succeeded on any agent, and fails only when at least one
// link finished and none succeeded. The result does not depend on link order,
// and links repeated with the same id are counted once. Links without an
// ability id count toward the link totals only.
func Aggregate(links []schemas.Link) *Aggregation {
	byAbility := make(map[string][]schemas.Link)
	seen := make(map[string]struct{}, len(links))
	var order []string

	agg := &Aggregation{Outcomes: make(map[string]schemas.AbilityOutcome)}

	for _, l := range links {
		if l.LinkID != "" {
			if _, dup := seen[l.LinkID]; dup {
				continue
			}
			seen[l.LinkID] = struct{}{}
		}

		agg.Stats.TotalLinks++
		hasStdout := strings.TrimSpace(l.Stdout) != ""
		hasStderr := strings.TrimSpace(l.Stderr) != ""
		if hasStdout {
			agg.Stats.WithStdout++
		}
		if hasStderr {
			agg.Stats.WithStderr++
		}
		if hasStdout || hasStderr {
			agg.Stats.WithAnyOutput++
		}

		// Links without an ability belong to no ability's outcome.
		if strings.TrimSpace(l.AbilityID) == "" {
			continue
		}
		if _, ok := byAbility[l.AbilityID]; !ok {
			order = append(order, l.AbilityID)
		}
		byAbility[l.AbilityID] = append(byAbility[l.AbilityID], l)
	}

	sort.Strings(order)
	agg.Stats.TotalAbilities = len(order)

	for _, id := range order {
		runs := byAbility[id]
		outcome := outcomeOf(runs)
		agg.Outcomes[id] = outcome

		switch outcome {
		case schemas.OutcomeSuccess:
			agg.Stats.Success++
		case schemas.OutcomeFailed:
			agg.Stats.Failed++
			agg.FailedAbilities = append(agg.FailedAbilities, failedFrom(id, representative(runs)))
		}
	}

	agg.Stats.Completed = agg.Stats.Success + agg.Stats.Failed
	agg.Stats.SuccessRate = SuccessRate(agg.Stats.Success, agg.Stats.Completed)
	return agg
}

// SuccessRate returns success/completed as a percentage rounded to two
// decimals, or 0 when nothing completed.
func SuccessRate(success, completed int) float64 {
	if completed == 0 {
		return 0
	}
	return math.Round(float64(success)/float64(completed)*100*100) / 100
}

func outcomeOf(runs []schemas.Link) schemas.AbilityOutcome {
	finished := false
	for _, l := range runs {
		if l.Succeeded() {
			return schemas.OutcomeSuccess
		}
		if l.Finished() {
			finished = true
		}
	}
	if finished {
		return schemas.OutcomeFailed
	}
	return schemas.OutcomeIncomplete
}

// representative picks the most recently finished link of a failed ability,
// breaking ties by link id so the choice is stable under reordering.
func representative(runs []schemas.Link) schemas.Link {
	var best schemas.Link
	found := false
	for _, l := range runs {
		if !l.Finished() {
			continue
		}
		if !found || finishedAfter(l, best) {
			best = l
			found = true
		}
	}
	return best
}

func finishedAfter(a, b schemas.Link) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a.FinishTime)
	tb, errB := time.Parse(time.RFC3339Nano, b.FinishTime)
	if errA == nil && errB == nil && !ta.Equal(tb) {
		return ta.After(tb)
	}
	if errA != nil || errB != nil {
		if a.FinishTime != b.FinishTime {
			return a.FinishTime > b.FinishTime
		}
	}
	return a.LinkID > b.LinkID
}

func failedFrom(abilityID string, l schemas.Link) schemas.FailedAbility {
	return schemas.FailedAbility{
		AbilityID:     abilityID,
		AbilityName:   l.AbilityName,
		Command:       l.Command,
		ExitCode:      l.ExitCode,
		Stdout:        l.Stdout,
		Stderr:        l.Stderr,
		Tactic:        l.Tactic,
		TechniqueID:   l.TechniqueID,
		TechniqueName: l.TechniqueName,
	}
}
