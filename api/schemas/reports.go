package schemas

import "time"

// CorrectionRecord is the audit entry for one failed ability in one round.
type CorrectionRecord struct {
	AbilityID       string          `json:"ability_id"`
	AbilityName     string          `json:"ability_name"`
	FailureType     FailureCategory `json:"failure_type"`
	OriginalCommand string          `json:"original_command"`
	FixedCommand    string          `json:"fixed_command"`
	Success         bool            `json:"success"`
	Reason          string          `json:"reason,omitempty"`
}

// CorrectionSummary counts the records of one round. Skipped covers every
// record that did not produce a replacement command.
type CorrectionSummary struct {
	TotalFailed int `json:"total_failed"`
	Corrected   int `json:"corrected"`
	Skipped     int `json:"skipped"`
}

// HistoryEntry is one observed failure of an ability.
type HistoryEntry struct {
	Attempt     int             `json:"attempt"`
	Command     string          `json:"command"`
	CommandHash string          `json:"command_hash,omitempty"`
	FailureType FailureCategory `json:"failure_type"`
	Error       string          `json:"error"`
}

// CorrectionHistory maps an ability id to its failure observations, oldest first.
type CorrectionHistory map[string][]HistoryEntry

// Record appends an observation for the ability.
func (h CorrectionHistory) Record(abilityID string, entry HistoryEntry) {
	h[abilityID] = append(h[abilityID], entry)
}

// Latest returns up to limit of the most recent entries for the ability.
// A limit <= 0 returns all of them.
func (h CorrectionHistory) Latest(abilityID string, limit int) []HistoryEntry {
	entries := h[abilityID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// RoundReport is the record of one correction round. ExecutionResult is nil
// until the corrected abilities have been executed.
type RoundReport struct {
	RoundID         string             `json:"round_id"`
	RoundNumber     int                `json:"retry_number"`
	Timestamp       time.Time          `json:"timestamp"`
	OperationName   string             `json:"operation_name,omitempty"`
	InputStats      ExecutionStats     `json:"input_stats"`
	Corrections     []CorrectionRecord `json:"corrections"`
	Summary         CorrectionSummary  `json:"summary"`
	OperationID     string             `json:"operation_id,omitempty"`
	ExecutionResult *ExecutionStats    `json:"execution_result,omitempty"`
}

// CumulativeReport is the full record of a correction session.
type CumulativeReport struct {
	SessionID         string            `json:"session_id"`
	OperationName     string            `json:"operation_name"`
	AdversaryID       string            `json:"adversary_id,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	InitialExecution  ExecutionStats    `json:"initial_execution"`
	RetryAttempts     []RoundReport     `json:"retry_attempts"`
	CorrectionHistory CorrectionHistory `json:"correction_history"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	FinalResult       *ExecutionStats   `json:"final_result,omitempty"`
}

// LatestStats returns the statistics of the most recent execution in the session.
func (r *CumulativeReport) LatestStats() ExecutionStats {
	for i := len(r.RetryAttempts) - 1; i >= 0; i-- {
		if r.RetryAttempts[i].ExecutionResult != nil {
			return *r.RetryAttempts[i].ExecutionResult
		}
	}
	return r.InitialExecution
}

// OperationMetadata describes a remote operation in an operation report.
type OperationMetadata struct {
	OperationID string         `json:"operation_id"`
	Name        string         `json:"name"`
	State       OperationState `json:"state"`
	Adversary   string         `json:"adversary"`
	AdversaryID string         `json:"adversary_id"`
	Group       string         `json:"group"`
	Planner     string         `json:"planner"`
	StartTime   string         `json:"start_time,omitempty"`
	FinishTime  string         `json:"finish_time,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}

// AgentSummary is a unique agent that ran at least one link.
type AgentSummary struct {
	Paw      string `json:"paw"`
	Host     string `json:"host,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// OperationReport is the collected result of one operation.
type OperationReport struct {
	Metadata        OperationMetadata `json:"operation_metadata"`
	Agents          []AgentSummary    `json:"agents"`
	Results         []Link            `json:"results"`
	Statistics      ExecutionStats    `json:"statistics"`
	FailedAbilities []FailedAbility   `json:"failed_abilities"`
}
