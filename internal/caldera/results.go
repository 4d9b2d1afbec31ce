package caldera

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

// FetchResults returns one Link per chain entry. Output comes from the link
// result endpoint when it can be decoded and from the chain entry otherwise.
func (c *Client) FetchResults(ctx context.Context, id string) ([]schemas.Link, error) {
	w, err := c.operationWire(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.collectLinks(ctx, id, w.Chain)
}

func (c *Client) collectLinks(ctx context.Context, operationID string, chain []chainEntry) ([]schemas.Link, error) {
	links := make([]schemas.Link, 0, len(chain))
	detailed := 0
	for _, entry := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link := linkFromChain(entry)
		if out, ok := c.linkResult(ctx, operationID, entry.ID); ok {
			link.Stdout, link.Stderr, link.ExitCode = out.Stdout, out.Stderr, out.ExitCode
			detailed++
		}
		link.Stdout = dropStatusMarker(link.Stdout)
		links = append(links, link)
	}
	c.logger.Info("Collected operation results.",
		zap.String("operation_id", operationID),
		zap.Int("links", len(links)),
		zap.Int("detailed", detailed),
	)
	return links, nil
}

func linkFromChain(e chainEntry) schemas.Link {
	status := -1
	if e.Status != nil {
		status = int(*e.Status)
	}
	command := e.PlaintextCommand
	if command == "" {
		command = e.Command
	}
	return schemas.Link{
		LinkID:        e.ID,
		AbilityID:     e.Ability.AbilityID,
		AbilityName:   e.Ability.Name,
		Tactic:        e.Ability.Tactic,
		TechniqueID:   e.Ability.TechniqueID,
		TechniqueName: e.Ability.TechniqueName,
		Paw:           e.Paw,
		Command:       command,
		Executor:      e.Executor.Name,
		PID:           int(e.PID),
		Status:        status,
		ExitCode:      e.Output.ExitCode,
		Stdout:        e.Output.Stdout,
		Stderr:        e.Output.Stderr,
		StartTime:     e.Collect,
		FinishTime:    e.Finish,
	}
}

// Caldera reports "True" or "False", or a JSON boolean, in place of output
// that was not stored.
func dropStatusMarker(stdout string) string {
	if strings.EqualFold(stdout, "true") || strings.EqualFold(stdout, "false") {
		return ""
	}
	return stdout
}

// linkResult reads the detailed output of one link. ok is false when the
// endpoint fails or returns nothing usable.
func (c *Client) linkResult(ctx context.Context, operationID, linkID string) (outputField, bool) {
	path := operationPath(operationID) + "/links/" + url.PathEscape(linkID) + "/result"
	var w linkResultWire
	if err := c.do(ctx, "get link result", http.MethodGet, path, nil, &w); err != nil {
		c.logger.Debug("Link result unavailable, using chain summary.", zap.String("link_id", linkID), zap.Error(err))
		return outputField{}, false
	}

	if w.Result != nil && *w.Result != "" {
		if out, ok := decodeResult(*w.Result); ok {
			return out, true
		}
		c.logger.Debug("Link result is not base64 JSON.", zap.String("link_id", linkID))
	}
	if w.Stdout != nil || w.Stderr != nil {
		out := outputField{ExitCode: string(w.Exit)}
		if w.Stdout != nil {
			out.Stdout = string(*w.Stdout)
		}
		if w.Stderr != nil {
			out.Stderr = string(*w.Stderr)
		}
		return out, true
	}
	return outputField{}, false
}

func decodeResult(encoded string) (outputField, bool) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return outputField{}, false
	}
	var d decodedResult
	if err := json.Unmarshal(raw, &d); err != nil {
		return outputField{}, false
	}
	return outputField{Stdout: string(d.Stdout), Stderr: string(d.Stderr), ExitCode: string(d.ExitCode)}, true
}

// BuildReport collects an operation and its results into a report document.
func (c *Client) BuildReport(ctx context.Context, id string) (*schemas.OperationReport, error) {
	w, err := c.operationWire(ctx, id)
	if err != nil {
		return nil, err
	}
	links, err := c.collectLinks(ctx, id, w.Chain)
	if err != nil {
		return nil, err
	}
	op := operationFromWire(*w)
	agg := results.Aggregate(links)

	report := &schemas.OperationReport{
		Metadata: schemas.OperationMetadata{
			OperationID: op.ID,
			Name:        op.Name,
			State:       op.State,
			Adversary:   op.AdversaryName,
			AdversaryID: op.AdversaryID,
			Group:       op.Group,
			Planner:     op.Planner,
			StartTime:   op.Start,
			FinishTime:  op.Finish,
			CollectedAt: time.Now().UTC(),
		},
		Agents:          agentsFromChain(w.Chain),
		Results:         links,
		Statistics:      agg.Stats,
		FailedAbilities: agg.FailedAbilities,
	}
	if report.FailedAbilities == nil {
		report.FailedAbilities = []schemas.FailedAbility{}
	}
	return report, nil
}

// agentsFromChain lists each agent once, in order of first appearance.
func agentsFromChain(chain []chainEntry) []schemas.AgentSummary {
	seen := make(map[string]struct{})
	agents := []schemas.AgentSummary{}
	for _, e := range chain {
		if e.Paw == "" {
			continue
		}
		if _, ok := seen[e.Paw]; ok {
			continue
		}
		seen[e.Paw] = struct{}{}
		platform := e.Executor.Platform
		if platform == "" {
			platform = e.Executor.Name
		}
		agents = append(agents, schemas.AgentSummary{Paw: e.Paw, Host: e.Host, Platform: platform})
	}
	return agents
}
