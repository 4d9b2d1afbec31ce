// Package hooks runs operator-supplied shell commands before each execution
// of an operation, typically to restore the target hosts to a clean snapshot.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/internal/config"
)

const defaultTimeout = 5 * time.Minute

// Runner executes the configured pre-round commands.
type Runner struct {
	commands []string
	timeout  time.Duration
	shell    string
	logger   *zap.Logger
}

// NewRunner creates a runner for the hooks in cfg.
func NewRunner(cfg config.HooksConfig, logger *zap.Logger) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Runner{
		commands: cfg.PreRound,
		timeout:  timeout,
		shell:    "sh",
		logger:   logger.Named("hooks"),
	}
}

// RunPreRound runs every hook in order. A failing hook is logged and the
// rest still run; the returned error joins every failure. Callers treat it
// as a warning.
func (r *Runner) RunPreRound(ctx context.Context, round int) error {
	if len(r.commands) == 0 {
		return nil
	}

	var errs []error
	for i, command := range r.commands {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		stdout, stderr, err := r.run(ctx, command)
		fields := []zap.Field{
			zap.Int("round", round),
			zap.Int("index", i),
			zap.String("command", command),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			r.logger.Warn("Pre-round hook failed.", append(fields,
				zap.Error(err),
				zap.String("stderr", stderr),
			)...)
			errs = append(errs, fmt.Errorf("hook [%d] %q: %w", i, command, err))
			continue
		}
		r.logger.Info("Pre-round hook completed.", append(fields, zap.String("stdout", stdout))...)
	}
	return errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, command string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	// Own process group so a timeout kills everything the hook spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", r.timeout, ctx.Err())
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
