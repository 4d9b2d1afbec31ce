// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/abilities"
	"github.com/xkilldash9x/emulate-cli/internal/autofix/coroner"
	"github.com/xkilldash9x/emulate-cli/internal/caldera"
	"github.com/xkilldash9x/emulate-cli/internal/config"
	"github.com/xkilldash9x/emulate-cli/internal/hooks"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
	"github.com/xkilldash9x/emulate-cli/internal/orchestrator"
	"github.com/xkilldash9x/emulate-cli/internal/reporting"
	"github.com/xkilldash9x/emulate-cli/internal/store"
)

const (
	firstStep     = 1
	lastStep      = 5
	engineStep    = 5
	versionLayout = "20060102_150405"
)

type runOptions struct {
	step            string
	versionID       string
	envPath         string
	abilitiesPath   string
	adversariesPath string
	operationName   string
	skipUpload      bool
	skipExecution   bool
	maxRetries      int
	format          string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pipeline steps; step 5 executes the adversary and corrects failing abilities",
		Long: `Runs one or more pipeline steps. Steps 1-4 are delegated to the configured
generator command. Step 5 uploads the generated abilities, executes the
adversary on Caldera and then repairs failing abilities round by round.

Steps are given as a single number ("5"), an inclusive range ("1~3") or "all".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			steps, err := parseSteps(opts.step)
			if err != nil {
				return err
			}
			if opts.versionID == "" {
				opts.versionID = time.Now().Format(versionLayout)
			}
			cfg.SetRunConfig(config.RunConfig{
				Steps:           steps,
				VersionID:       opts.versionID,
				EnvPath:         opts.envPath,
				AbilitiesPath:   opts.abilitiesPath,
				AdversariesPath: opts.adversariesPath,
				OperationName:   opts.operationName,
				SkipUpload:      opts.skipUpload,
				SkipExecution:   opts.skipExecution,
			})
			if cmd.Flags().Changed("max-retries") {
				cfg.SetRetryMaxRetries(opts.maxRetries)
			}
			if opts.skipExecution {
				cfg.SetRetryAutoExecute(false)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runPipeline(ctx, observability.GetLogger(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.format)
		},
	}

	cmd.Flags().StringVar(&opts.step, "step", "", `steps to run: "N", "A~B" or "all"`)
	cmd.Flags().StringVar(&opts.versionID, "version-id", "", "dataset version (default: current time as YYYYMMDD_HHMMSS)")
	cmd.Flags().StringVar(&opts.envPath, "env", "", "file describing the target environment")
	cmd.Flags().StringVar(&opts.abilitiesPath, "abilities", "", "abilities document (default: <data_dir>/<version>/caldera/abilities.yml)")
	cmd.Flags().StringVar(&opts.adversariesPath, "adversaries", "", "adversaries document (default: next to the abilities document)")
	cmd.Flags().StringVar(&opts.operationName, "operation-name", "", "base operation name (default: Auto-Operation-<version>)")
	cmd.Flags().BoolVar(&opts.skipUpload, "skip-upload", false, "do not upload abilities and adversaries")
	cmd.Flags().BoolVar(&opts.skipExecution, "skip-execution", false, "reuse the saved initial operation report and never execute")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "maximum correction rounds (overrides retry.max_retries)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format (text, json)")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}

// parseSteps expands a step selector into the ordered list of steps to run.
func parseSteps(selector string) ([]int, error) {
	selector = strings.TrimSpace(selector)
	if strings.EqualFold(selector, "all") {
		return stepRange(firstStep, lastStep), nil
	}

	if lo, hi, ok := strings.Cut(selector, "~"); ok {
		start, err := parseStep(lo)
		if err != nil {
			return nil, err
		}
		end, err := parseStep(hi)
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("invalid step range %q: start %d is after end %d", selector, start, end)
		}
		return stepRange(start, end), nil
	}

	step, err := parseStep(selector)
	if err != nil {
		return nil, err
	}
	return []int{step}, nil
}

func parseStep(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid step %q: must be a number between %d and %d", s, firstStep, lastStep)
	}
	if n < firstStep || n > lastStep {
		return 0, fmt.Errorf("invalid step %d: must be between %d and %d", n, firstStep, lastStep)
	}
	return n, nil
}

func stepRange(start, end int) []int {
	steps := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		steps = append(steps, i)
	}
	return steps
}

// runPipeline runs the selected steps in order and stops at the first failure.
func runPipeline(ctx context.Context, logger *zap.Logger, cfg config.Interface, out, errOut io.Writer, format string) error {
	for _, step := range cfg.Run().Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if step == engineStep {
			err = runEngine(ctx, logger, cfg, out, format)
		} else {
			err = runGeneratorStep(ctx, logger, cfg, step, errOut)
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
	}
	return nil
}

// runGeneratorStep delegates a data preparation step to the external generator.
func runGeneratorStep(ctx context.Context, logger *zap.Logger, cfg config.Interface, step int, output io.Writer) error {
	command := cfg.Pipeline().GeneratorCommand
	if len(command) == 0 {
		return fmt.Errorf("pipeline.generator_command is not configured")
	}
	rc := cfg.Run()

	args := append([]string{}, command[1:]...)
	args = append(args, "--step", strconv.Itoa(step), "--version-id", rc.VersionID)
	if rc.EnvPath != "" {
		args = append(args, "--env", rc.EnvPath)
	}

	logger.Info("Running generator step.", zap.Int("step", step), zap.String("version_id", rc.VersionID))
	c := exec.CommandContext(ctx, command[0], args...)
	c.Stdout = output
	c.Stderr = output
	if err := c.Run(); err != nil {
		return fmt.Errorf("generator failed: %w", err)
	}
	return nil
}

// enginePaths are the files step 5 reads and writes.
type enginePaths struct {
	abilities   string
	adversaries string
	output      string
}

func resolveEnginePaths(cfg config.Interface) enginePaths {
	rc := cfg.Run()
	p := enginePaths{abilities: rc.AbilitiesPath, adversaries: rc.AdversariesPath}
	if p.abilities == "" {
		p.abilities = filepath.Join(cfg.Pipeline().DataDir, rc.VersionID, "caldera", "abilities.yml")
	}
	p.output = filepath.Dir(p.abilities)
	if p.adversaries == "" {
		p.adversaries = filepath.Join(p.output, "adversaries.yml")
	}
	return p
}

// runEngine uploads the abilities, executes the adversary once and hands the
// result to the retry controller.
func runEngine(ctx context.Context, logger *zap.Logger, cfg config.Interface, out io.Writer, format string) error {
	rc := cfg.Run()
	paths := resolveEnginePaths(cfg)

	if err := requireFile(paths.abilities, "abilities document"); err != nil {
		return err
	}
	if err := requireFile(paths.adversaries, "adversaries document"); err != nil {
		return err
	}
	env, err := readEnvironment(rc.EnvPath)
	if err != nil {
		return err
	}
	set, err := abilities.LoadAbilities(paths.abilities)
	if err != nil {
		return err
	}
	adversaries, err := abilities.LoadAdversaries(paths.adversaries)
	if err != nil {
		return err
	}
	if len(adversaries) == 0 {
		return fmt.Errorf("%w: %s defines no adversary", orchestrator.ErrMissingPrecondition, paths.adversaries)
	}
	adversaryID := adversaries[0].AdversaryID

	operationName := rc.OperationName
	if operationName == "" {
		operationName = "Auto-Operation-" + rc.VersionID
	}

	client, err := caldera.NewClient(cfg.Caldera(), logger)
	if err != nil {
		return err
	}
	hookRunner := hooks.NewRunner(cfg.Hooks(), logger)

	reports, closeStore, err := store.Open(ctx, cfg, paths.output, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if rc.SkipUpload {
		logger.Info("Skipping upload.", zap.String("adversary_id", adversaryID))
	} else if err := upload(ctx, logger, client, set.List(), adversaries, paths.output); err != nil {
		return err
	}

	var initial *schemas.OperationReport
	if rc.SkipExecution {
		initial, err = loadInitialReport(ctx, reports)
		if err != nil {
			return err
		}
		logger.Info("Reusing saved operation report.", zap.String("operation", initial.Metadata.Name))
	} else {
		initial, err = executeInitial(ctx, logger, cfg, client, hookRunner, operationName, adversaryID)
		if err != nil {
			return err
		}
		if err := reports.SaveOperationReport(ctx, "", initial); err != nil {
			return err
		}
	}

	corrector, closeLLM, err := newCorrector(logger, cfg, paths.abilities, reports)
	if err != nil {
		return err
	}
	defer closeLLM()

	orch, err := orchestrator.New(logger, client, corrector, coroner.NewClassifier(), reports, hookRunner, orchestrator.SettingsFrom(cfg))
	if err != nil {
		return err
	}

	report, runErr := orch.Run(ctx, orchestrator.Session{
		OperationName: operationName,
		AdversaryID:   adversaryID,
		Abilities:     set,
		Initial:       initial,
		Environment:   env,
	})
	if report != nil {
		if err := withReporter(format, out, func(r reporting.Reporter) error { return r.WriteSession(report) }); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// upload pushes abilities and adversaries and records what was uploaded.
func upload(ctx context.Context, logger *zap.Logger, client *caldera.Client, list []schemas.Ability, adversaries []schemas.Adversary, dir string) error {
	abilityIDs, err := client.UploadAbilities(ctx, list)
	if err != nil {
		return err
	}
	adversaryIDs, err := client.UploadAdversaries(ctx, adversaries)
	if err != nil {
		return err
	}
	logger.Info("Uploaded emulation plan.", zap.Int("abilities", len(abilityIDs)), zap.Int("adversaries", len(adversaryIDs)))

	return abilities.WriteUploadRecord(dir, abilities.UploadRecord{
		UploadedAt:  time.Now().UTC(),
		Abilities:   abilityIDs,
		Adversaries: adversaryIDs,
	})
}

// executeInitial runs the adversary once and collects the report the
// correction session starts from.
func executeInitial(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	client orchestrator.OperationClient,
	hookRunner orchestrator.PreRoundHook,
	name, adversaryID string,
) (*schemas.OperationReport, error) {
	if cfg.Retry().KillAgents {
		if n, err := client.KillAllAgents(ctx); err != nil {
			logger.Warn("Failed to remove agents.", zap.Error(err))
		} else {
			logger.Info("Removed agents.", zap.Int("count", n))
		}
	}
	if err := hookRunner.RunPreRound(ctx, 0); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Pre-round hooks failed.", zap.Error(err))
	}

	id, err := client.CreateOperation(ctx, name, adversaryID, cfg.Caldera().Group)
	if err != nil {
		return nil, err
	}
	if err := client.StartOperation(ctx, id); err != nil {
		return nil, err
	}
	timeout := cfg.Caldera().OperationTimeout
	done, err := client.AwaitCompletion(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("operation %s did not finish within %s", name, timeout)
	}
	return client.BuildReport(ctx, id)
}
