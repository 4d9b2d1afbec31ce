package orchestrator

import (
	"context"
	"time"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// OperationClient is the part of the Caldera client the controller drives.
type OperationClient interface {
	UploadAbilities(ctx context.Context, list []schemas.Ability) ([]string, error)
	KillAllAgents(ctx context.Context) (int, error)
	CreateOperation(ctx context.Context, name, adversaryID, group string) (string, error)
	StartOperation(ctx context.Context, id string) error
	AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (bool, error)
	BuildReport(ctx context.Context, id string) (*schemas.OperationReport, error)
}

// PreRoundHook runs before every re-execution.
type PreRoundHook interface {
	RunPreRound(ctx context.Context, round int) error
}
