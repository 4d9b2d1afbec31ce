package schemas

import "strings"

// FailureCategory is the coarse class a failed ability is sorted into. It
// decides whether a repair is attempted and which strategy the fixer uses.
type FailureCategory string

const (
	CategorySyntaxError       FailureCategory = "syntax_error"
	CategoryMissingEnv        FailureCategory = "missing_env"
	CategoryCalderaConstraint FailureCategory = "caldera_constraint"
	CategoryDependencyError   FailureCategory = "dependency_error"
	CategoryUnrecoverable     FailureCategory = "unrecoverable"
)

// String returns the category's wire value.
func (c FailureCategory) String() string { return string(c) }

// Recoverable reports whether a repair may be attempted for the category.
func (c FailureCategory) Recoverable() bool { return c != CategoryUnrecoverable }

// OperationState is the lifecycle state of a remote operation.
type OperationState string

const (
	StateCreated  OperationState = "created"
	StateRunning  OperationState = "running"
	StatePaused   OperationState = "paused"
	StateFinished OperationState = "finished"
	StateCleanup  OperationState = "cleanup"
)

// Terminal reports whether no further links will be produced.
func (s OperationState) Terminal() bool {
	return s == StateFinished || s == StateCleanup
}

// AbilityOutcome is the per-ability verdict derived from all of its links.
type AbilityOutcome string

const (
	OutcomeSuccess    AbilityOutcome = "success"
	OutcomeFailed     AbilityOutcome = "failed"
	OutcomeIncomplete AbilityOutcome = "incomplete"
)

// TerminationReason records why a correction session stopped.
type TerminationReason string

const (
	TerminationAllSuccess            TerminationReason = "all_success"
	TerminationNoRecoverableFailures TerminationReason = "no_recoverable_failures"
	TerminationMaxRetriesReached     TerminationReason = "max_retries_reached"
	TerminationExecutionUnavailable  TerminationReason = "execution_unavailable"
	TerminationExecutionFailed       TerminationReason = "execution_failed"
)

// Executor is one platform-specific way of running an ability. Caldera ability
// documents carry a list; only the first is executed and repaired.
type Executor struct {
	Name     string   `json:"name" yaml:"name"`
	Platform string   `json:"platform" yaml:"platform"`
	Command  string   `json:"command" yaml:"command"`
	Payloads []string `json:"payloads,omitempty" yaml:"payloads,omitempty"`
	Uploads  []string `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	Cleanup  []string `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	Timeout  int      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Ability is a single executable step as described by a Caldera ability record.
type Ability struct {
	AbilityID     string     `json:"ability_id" yaml:"ability_id"`
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tactic        string     `json:"tactic" yaml:"tactic"`
	TechniqueID   string     `json:"technique_id" yaml:"technique_id"`
	TechniqueName string     `json:"technique_name" yaml:"technique_name"`
	Singleton     bool       `json:"singleton" yaml:"singleton"`
	Repeatable    bool       `json:"repeatable,omitempty" yaml:"repeatable,omitempty"`
	Privilege     string     `json:"privilege,omitempty" yaml:"privilege,omitempty"`
	Buckets       []string   `json:"buckets,omitempty" yaml:"buckets,omitempty"`
	Executors     []Executor `json:"executors" yaml:"executors"`
}

// Command returns the command of the primary executor, or "" if there is none.
func (a Ability) Command() string {
	if len(a.Executors) == 0 {
		return ""
	}
	return a.Executors[0].Command
}

// Adversary is an ordered profile of abilities.
type Adversary struct {
	AdversaryID    string   `json:"adversary_id" yaml:"adversary_id"`
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	AtomicOrdering []string `json:"atomic_ordering" yaml:"atomic_ordering"`
	Objective      string   `json:"objective,omitempty" yaml:"objective,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Link is one execution of one ability on one agent.
type Link struct {
	LinkID        string `json:"link_id"`
	AbilityID     string `json:"ability_id"`
	AbilityName   string `json:"ability_name"`
	Tactic        string `json:"tactic,omitempty"`
	TechniqueID   string `json:"technique_id,omitempty"`
	TechniqueName string `json:"technique_name,omitempty"`
	Paw           string `json:"paw"`
	Command       string `json:"command"`
	Executor      string `json:"executor,omitempty"`
	PID           int    `json:"pid,omitempty"`
	Status        int    `json:"status"`
	ExitCode      string `json:"exit_code,omitempty"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	StartTime     string `json:"start_time,omitempty"`
	FinishTime    string `json:"finish_time,omitempty"`
}

// Finished reports whether the platform recorded a finish time for the link.
func (l Link) Finished() bool { return strings.TrimSpace(l.FinishTime) != "" }

// Succeeded reports whether the link exited with status 0.
func (l Link) Succeeded() bool { return l.Status == 0 }

// ExecutionStats summarizes the outcome of one operation, counted per ability.
type ExecutionStats struct {
	TotalAbilities int     `json:"total_abilities"`
	Completed      int     `json:"completed"`
	Success        int     `json:"success"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
	TotalLinks     int     `json:"total_links"`
	WithStdout     int     `json:"with_stdout"`
	WithStderr     int     `json:"with_stderr"`
	WithAnyOutput  int     `json:"with_any_output"`
}

// FailedAbility is an ability with at least one completed link and no
// successful one, described by its most recent failing link.
type FailedAbility struct {
	AbilityID     string          `json:"ability_id"`
	AbilityName   string          `json:"ability_name"`
	Command       string          `json:"command"`
	ExitCode      string          `json:"exit_code,omitempty"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	Tactic        string          `json:"tactic,omitempty"`
	TechniqueID   string          `json:"technique_id,omitempty"`
	TechniqueName string          `json:"technique_name,omitempty"`
	Category      FailureCategory `json:"failure_type,omitempty"`
}

// ErrorText returns stderr when present, otherwise stdout.
func (f FailedAbility) ErrorText() string {
	if strings.TrimSpace(f.Stderr) != "" {
		return f.Stderr
	}
	return f.Stdout
}
