// internal/autofix/interfaces.go
package autofix

import (
	"context"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
)

// FixerInterface defines the contract for a component that proposes a
// replacement command for a failed ability.
type FixerInterface interface {
	// Fix returns the replacement command. ok is false when no usable command
	// could be produced; that is never an error for the caller.
	Fix(ctx context.Context, req FixRequest) (command string, ok bool)
}

// CorrectorInterface defines the contract for one correction pass over the
// failed abilities of an execution.
type CorrectorInterface interface {
	// Run repairs the abilities in set by id and returns the round's audit report.
	Run(ctx context.Context, set *abilities.Set, in RoundInput) (*schemas.RoundReport, error)
}

// AbilityPersister stores the ability set after it has been mutated.
type AbilityPersister interface {
	SaveAbilities(ctx context.Context, set *abilities.Set) error
}
