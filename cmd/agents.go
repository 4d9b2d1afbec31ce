package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/caldera"
	"github.com/xkilldash9x/emulate-cli/internal/observability"
)

type agentManager interface {
	ListAgents(ctx context.Context) ([]schemas.AgentSummary, error)
	KillAllAgents(ctx context.Context) (int, error)
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect or remove the agents registered with Caldera",
	}

	withClient := func(run func(ctx context.Context, logger *zap.Logger, client agentManager, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			client, err := caldera.NewClient(cfg.Caldera(), logger)
			if err != nil {
				return err
			}
			return run(ctx, logger, client, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE:  withClient(runAgentsList),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "kill",
		Short: "Delete every registered agent",
		Args:  cobra.NoArgs,
		RunE:  withClient(runAgentsKill),
	})
	return cmd
}

func runAgentsList(ctx context.Context, _ *zap.Logger, client agentManager, out io.Writer) error {
	agents, err := client.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "No agents registered.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAW\tHOST\tPLATFORM")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Paw, a.Host, a.Platform)
	}
	return tw.Flush()
}

func runAgentsKill(ctx context.Context, logger *zap.Logger, client agentManager, out io.Writer) error {
	n, err := client.KillAllAgents(ctx)
	if err != nil {
		return err
	}
	logger.Info("Agents removed.", zap.Int("count", n))
	_, err = fmt.Fprintf(out, "Removed %d agent(s).\n", n)
	return err
}
