package schemas

import "context"

// -- Report Store Interface --

// ReportStore persists the audit trail of a correction session. Implementations
// must make a saved report visible to a subsequent load even after a crash.
type ReportStore interface {
	// SaveRoundReport writes the report of a single correction round.
	SaveRoundReport(ctx context.Context, sessionID string, report *RoundReport) error
	// SaveCumulativeReport writes the whole session record, replacing any prior version.
	SaveCumulativeReport(ctx context.Context, report *CumulativeReport) error
	// LoadCumulativeReport reads the session record back.
	LoadCumulativeReport(ctx context.Context, sessionID string) (*CumulativeReport, error)
	// SaveOperationReport writes the collected results of one operation. label
	// distinguishes reports of the same session, such as "retry_2"; empty
	// means the initial execution.
	SaveOperationReport(ctx context.Context, label string, report *OperationReport) error
	// LoadOperationReport reads back the most recent operation report saved
	// under label.
	LoadOperationReport(ctx context.Context, label string) (*OperationReport, error)
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed or capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls sampling and output size of a single generation.
type GenerationOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerationRequest encapsulates a complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
