package results

import "github.com/xkilldash9x/emulate-cli/api/schemas"

// Aggregation is the per-ability view of one operation's links.
type Aggregation struct {
	Stats schemas.ExecutionStats
	// Outcomes holds the verdict of every ability that produced a link.
	Outcomes map[string]schemas.AbilityOutcome
	// FailedAbilities is sorted by ability id.
	FailedAbilities []schemas.FailedAbility
}

// Outcome returns the verdict for an ability, incomplete when it has no links.
func (a *Aggregation) Outcome(abilityID string) schemas.AbilityOutcome {
	if o, ok := a.Outcomes[abilityID]; ok {
		return o
	}
	return schemas.OutcomeIncomplete
}

// Comparison contrasts two executions of the same adversary.
type Comparison struct {
	Before      schemas.ExecutionStats
	After       schemas.ExecutionStats
	Improvement float64
	// Fixed lists abilities that failed before and succeeded after.
	Fixed []string
	// Regressed lists abilities that succeeded before and failed after.
	Regressed []string
}
