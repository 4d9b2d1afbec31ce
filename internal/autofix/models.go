// internal/autofix/models.go
package autofix

import "github.com/xkilldash9x/emulate-cli/api/schemas"

// Reasons recorded on CorrectionRecords that did not produce a replacement.
const (
	ReasonUnrecoverable     = "unrecoverable category"
	ReasonMissingDefinition = "ability definition not found"
	ReasonRepairFailed      = "repair attempt failed"
	ReasonRepeatedCommand   = "repair repeated a previously failed command"
)

// FixRequest carries everything the fixer knows about one failed ability.
type FixRequest struct {
	Failed      schemas.FailedAbility
	Definition  schemas.Ability
	Environment string
	Category    schemas.FailureCategory
	// History lists earlier failed attempts for the ability, oldest first.
	History []schemas.HistoryEntry
}

// RoundInput is the input of one correction pass.
type RoundInput struct {
	SessionID     string
	RoundNumber   int
	OperationName string
	// Links are the raw results of the execution being corrected.
	Links       []schemas.Link
	Environment string
	// History is read, never written, by the corrector.
	History schemas.CorrectionHistory
}
