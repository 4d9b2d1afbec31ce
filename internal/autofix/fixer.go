// internal/autofix/fixer.go
package autofix

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/llmutil"
)

// FixerConfig tunes the generation request and prompt size.
type FixerConfig struct {
	Temperature float64
	MaxTokens   int
	// MaxOutputChars caps stdout and stderr quoted in the prompt.
	MaxOutputChars int
}

// DefaultFixerConfig returns the settings used when none are configured.
func DefaultFixerConfig() FixerConfig {
	return FixerConfig{Temperature: 0.3, MaxTokens: 2000, MaxOutputChars: 1000}
}

// Fixer uses an LLM to rewrite the command of a failed ability.
type Fixer struct {
	logger    *zap.Logger
	llmClient schemas.LLMClient
	cfg       FixerConfig
}

// NewFixer initializes a new command repair service.
func NewFixer(logger *zap.Logger, llmClient schemas.LLMClient, cfg FixerConfig) *Fixer {
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = DefaultFixerConfig().MaxOutputChars
	}
	return &Fixer{
		logger:    logger.Named("autofix-fixer"),
		llmClient: llmClient,
		cfg:       cfg,
	}
}

// Fix asks the LLM for a replacement command. Any failure yields ok=false.
func (f *Fixer) Fix(ctx context.Context, req FixRequest) (string, bool) {
	log := f.logger.With(zap.String("ability_id", req.Failed.AbilityID), zap.String("category", req.Category.String()))

	genReq := schemas.GenerationRequest{
		SystemPrompt: f.getSystemPrompt(),
		UserPrompt:   f.constructPrompt(req),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature: f.cfg.Temperature,
			MaxTokens:   f.cfg.MaxTokens,
		},
	}

	response, err := f.llmClient.Generate(ctx, genReq)
	if err != nil {
		log.Warn("LLM generation failed.", zap.Error(err))
		return "", false
	}

	command := NormalizeCommand(llmutil.ExtractCodeBlock(response))
	if command == "" {
		log.Warn("LLM response contained no usable command.", zap.String("raw_response", llmutil.Truncate(response, 500)))
		return "", false
	}

	log.Debug("Replacement command generated.", zap.String("command", command))
	return command, true
}

func (f *Fixer) getSystemPrompt() string {
	return `You are an expert in MITRE Caldera abilities and Windows PowerShell. You repair adversary-emulation commands that failed during execution. Reply with the corrected command only.`
}

// strategyFor returns the repair guidance for a category.
func strategyFor(category schemas.FailureCategory) string {
	switch category {
	case schemas.CategorySyntaxError:
		return `[Fix Strategy: SYNTAX_ERROR]
- Check PowerShell 5.1 syntax
- Verify variable declarations
- Escape special characters
- Fix quoting`
	case schemas.CategoryMissingEnv:
		return `[Fix Strategy: MISSING_ENV]
- Replace placeholders with real values from the environment description
- Correct IPs, URLs and credentials to match the environment description
- Check that referenced paths exist`
	case schemas.CategoryCalderaConstraint:
		return `[Fix Strategy: CALDERA_CONSTRAINT]
- Remove dependencies on variables set by earlier abilities
- Make the command fully self-contained
- Hard-code or recompute values`
	case schemas.CategoryDependencyError:
		return `[Fix Strategy: DEPENDENCY_ERROR]
- Check whether elevation is required
- Add error handling for permission failures
- Prefer an approach that does not need elevated privileges`
	case schemas.CategoryUnrecoverable:
		return `[Fix Strategy: UNRECOVERABLE]
- Use only built-in Windows/PowerShell cmdlets
- Remove dependencies on external tools
- Replace with native alternatives`
	default:
		return ""
	}
}

const promptRule = "═══════════════════════════════════════════════════════════════════"

// constructPrompt builds the repair prompt for one failed ability.
func (f *Fixer) constructPrompt(req FixRequest) string {
	original := req.Definition.Command()
	if original == "" {
		original = req.Failed.Command
	}

	var b strings.Builder
	section := func(title string) {
		fmt.Fprintf(&b, "\n%s\n%s\n%s\n", promptRule, title, promptRule)
	}

	b.WriteString("Analyze the failed Caldera ability below and repair its command.\n")

	section("[Failed Ability]")
	fmt.Fprintf(&b, "- ID: %s\n", req.Failed.AbilityID)
	fmt.Fprintf(&b, "- Name: %s\n", orDefault(req.Failed.AbilityName, req.Definition.Name))
	fmt.Fprintf(&b, "- Tactic: %s\n", orDefault(req.Failed.Tactic, req.Definition.Tactic))
	fmt.Fprintf(&b, "- Technique: %s (%s)\n",
		orDefault(req.Failed.TechniqueID, req.Definition.TechniqueID),
		orDefault(req.Failed.TechniqueName, req.Definition.TechniqueName))
	b.WriteString("\n[Original Command]\n```powershell\n")
	b.WriteString(original)
	b.WriteString("\n```\n")

	section("[Execution Result - FAILED]")
	fmt.Fprintf(&b, "- Exit Code: %s\n", orDefault(req.Failed.ExitCode, "(unknown)"))
	fmt.Fprintf(&b, "\n[stderr]:\n```\n%s\n```\n", orDefault(llmutil.Truncate(req.Failed.Stderr, f.cfg.MaxOutputChars), "(none)"))
	fmt.Fprintf(&b, "\n[stdout]:\n```\n%s\n```\n", orDefault(llmutil.Truncate(req.Failed.Stdout, f.cfg.MaxOutputChars), "(none)"))

	section(fmt.Sprintf("[Failure Category]: %s", req.Category))
	b.WriteString(strategyFor(req.Category))
	b.WriteString("\n")

	if len(req.History) > 0 {
		section("[Previously Failed Attempts - do not repeat these]")
		for _, h := range req.History {
			fmt.Fprintf(&b, "- Attempt %d (%s): %s\n  Error: %s\n",
				h.Attempt, h.FailureType, h.Command, orDefault(llmutil.Truncate(h.Error, 200), "(none)"))
		}
	}

	section("[Environment]")
	b.WriteString(orDefault(strings.TrimSpace(req.Environment), "(not provided)"))
	b.WriteString("\n")

	section("[Rules]")
	b.WriteString(`1. Each ability runs in its own PowerShell process; no variables are shared between abilities
2. Use the real values from the environment description
3. Stay compatible with PowerShell 5.1
4. Output only the corrected command, no explanation

Generate the corrected PowerShell command:
`)
	return b.String()
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

var (
	semicolonBeforeBrace = regexp.MustCompile(`;\s*}`)
	repeatedSemicolons   = regexp.MustCompile(`;+`)
)

// NormalizeCommand folds a multi-line script into the single line Caldera
// executes. Blank and comment lines are dropped and statements are
// separated by semicolons.
func NormalizeCommand(command string) string {
	var parts []string
	for _, line := range strings.Split(command, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		if !strings.HasSuffix(stripped, ";") && !strings.HasSuffix(stripped, "{") && !strings.HasSuffix(stripped, "}") {
			stripped += ";"
		}
		parts = append(parts, stripped)
	}

	result := strings.Join(parts, " ")
	result = semicolonBeforeBrace.ReplaceAllString(result, " }")
	result = repeatedSemicolons.ReplaceAllString(result, ";")
	return strings.TrimSpace(strings.TrimRight(result, ";"))
}
