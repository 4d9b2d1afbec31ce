package caldera

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// ListAgents returns the agents registered with the server.
func (c *Client) ListAgents(ctx context.Context) ([]schemas.AgentSummary, error) {
	var wires []agentWire
	if err := c.get(ctx, "list agents", "/api/v2/agents", &wires); err != nil {
		return nil, err
	}
	agents := make([]schemas.AgentSummary, 0, len(wires))
	for _, w := range wires {
		agents = append(agents, schemas.AgentSummary{Paw: w.Paw, Host: w.Host, Platform: w.Platform})
	}
	return agents, nil
}

// KillAgent deletes one agent.
func (c *Client) KillAgent(ctx context.Context, paw string) error {
	return c.do(ctx, "delete agent", http.MethodDelete, "/api/v2/agents/"+url.PathEscape(paw), nil, nil)
}

// KillAllAgents deletes every registered agent and returns how many were
// deleted. Individual failures are logged, not returned.
func (c *Client) KillAllAgents(ctx context.Context) (int, error) {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	if len(agents) == 0 {
		c.logger.Info("No agents to delete.")
		return 0, nil
	}

	killed := 0
	for _, a := range agents {
		if err := c.KillAgent(ctx, a.Paw); err != nil {
			if ctx.Err() != nil {
				return killed, ctx.Err()
			}
			c.logger.Warn("Failed to delete agent.", zap.String("paw", a.Paw), zap.Error(err))
			continue
		}
		killed++
	}
	c.logger.Info("Agents deleted.", zap.Int("deleted", killed), zap.Int("total", len(agents)))
	return killed, nil
}
