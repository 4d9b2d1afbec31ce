package caldera

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// Operation is the summary of a remote operation.
type Operation struct {
	ID            string
	Name          string
	State         schemas.OperationState
	AdversaryID   string
	AdversaryName string
	Group         string
	Planner       string
	Start         string
	Finish        string
	ChainLength   int
}

func operationFromWire(w operationWire) *Operation {
	planner := w.Planner.Name
	if planner == "" {
		planner = w.Planner.ID
	}
	return &Operation{
		ID:            w.ID,
		Name:          w.Name,
		State:         schemas.OperationState(w.State),
		AdversaryID:   w.Adversary.AdversaryID,
		AdversaryName: w.Adversary.Name,
		Group:         w.Group,
		Planner:       planner,
		Start:         w.Start,
		Finish:        w.Finish,
		ChainLength:   len(w.Chain),
	}
}

func operationPath(id string) string {
	return "/api/v2/operations/" + url.PathEscape(id)
}

// CreateOperation creates an operation running adversaryID against the agent
// group (empty for all agents) and returns its id. It is not retried.
func (c *Client) CreateOperation(ctx context.Context, name, adversaryID, group string) (string, error) {
	req := createOperationRequest{
		Name:      name,
		Adversary: adversaryRef{AdversaryID: adversaryID},
		Planner:   map[string]string{"id": c.cfg.Planner},
		Source:    map[string]string{"id": c.cfg.Source},
		Group:     group,
		Jitter:    c.cfg.Jitter,
	}
	var created operationWire
	if err := c.do(ctx, "create operation", http.MethodPost, "/api/v2/operations", req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("caldera create operation: %w: no id in response", ErrMalformedResponse)
	}
	c.logger.Info("Operation created.", zap.String("operation_id", created.ID), zap.String("name", name), zap.String("adversary_id", adversaryID))
	return created.ID, nil
}

// StartOperation sets the operation running. An operation that is already
// running or has ended is left alone.
func (c *Client) StartOperation(ctx context.Context, id string) error {
	op, err := c.Operation(ctx, id)
	if err != nil {
		return err
	}
	if op.State == schemas.StateRunning || op.State.Terminal() {
		c.logger.Debug("Operation already started.", zap.String("operation_id", id), zap.String("state", string(op.State)))
		return nil
	}
	body := map[string]string{"state": string(schemas.StateRunning)}
	if err := c.do(ctx, "start operation", http.MethodPatch, operationPath(id), body, nil); err != nil {
		return err
	}
	c.logger.Info("Operation started.", zap.String("operation_id", id))
	return nil
}

// Operation fetches the current summary of an operation.
func (c *Client) Operation(ctx context.Context, id string) (*Operation, error) {
	w, err := c.operationWire(ctx, id)
	if err != nil {
		return nil, err
	}
	return operationFromWire(*w), nil
}

func (c *Client) operationWire(ctx context.Context, id string) (*operationWire, error) {
	var w operationWire
	if err := c.get(ctx, "get operation", operationPath(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// AwaitCompletion polls until the operation is finished or in cleanup. It
// returns false when timeout (zero waits indefinitely) elapses first. Poll
// errors are logged and polling continues, except for a missing operation or
// a rejected API key.
func (c *Client) AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	log := c.logger.With(zap.String("operation_id", id))

	for {
		op, err := c.Operation(ctx, id)
		switch {
		case err == nil && op.State.Terminal():
			log.Info("Operation complete.", zap.String("state", string(op.State)), zap.Int("links", op.ChainLength))
			return true, nil
		case err == nil:
			log.Debug("Operation in progress.", zap.String("state", string(op.State)), zap.Int("links", op.ChainLength))
		case ctx.Err() != nil:
			return false, ctx.Err()
		case errors.Is(err, ErrNotFound), unauthorized(err):
			return false, err
		default:
			log.Warn("Failed to poll operation state, will retry.", zap.Error(err))
		}

		wait := c.cfg.PollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				log.Warn("Timed out waiting for operation.", zap.Duration("timeout", timeout))
				return false, nil
			}
			if remaining < wait {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// ListOperations returns every operation known to the server.
func (c *Client) ListOperations(ctx context.Context) ([]Operation, error) {
	var wires []operationWire
	if err := c.get(ctx, "list operations", "/api/v2/operations", &wires); err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(wires))
	for _, w := range wires {
		ops = append(ops, *operationFromWire(w))
	}
	return ops, nil
}

// FindOperationByName prefers an exact name match and otherwise accepts a
// single case-insensitive partial match.
func (c *Client) FindOperationByName(ctx context.Context, name string) (*Operation, error) {
	ops, err := c.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		if ops[i].Name == name {
			return &ops[i], nil
		}
	}

	needle := strings.ToLower(name)
	var matches []Operation
	for _, op := range ops {
		if strings.Contains(strings.ToLower(op.Name), needle) {
			matches = append(matches, op)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: operation %q", ErrNotFound, name)
	case 1:
		c.logger.Info("Using the only partial name match.", zap.String("query", name), zap.String("name", matches[0].Name))
		return &matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return nil, fmt.Errorf("%w: %q matches %s", ErrAmbiguousName, name, strings.Join(names, ", "))
	}
}

// LatestRetryOperation finds the highest numbered "{base}-Retry-{n}"
// operation, falling back to one named exactly "{base}-Retry".
func (c *Client) LatestRetryOperation(ctx context.Context, base string) (*Operation, error) {
	ops, err := c.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	prefix := base + "-Retry"
	type candidate struct {
		op Operation
		n  int
	}
	var found []candidate
	for _, op := range ops {
		if op.Name == prefix {
			found = append(found, candidate{op: op, n: 0})
			continue
		}
		if suffix, ok := strings.CutPrefix(op.Name, prefix+"-"); ok {
			if n, err := strconv.Atoi(suffix); err == nil {
				found = append(found, candidate{op: op, n: n})
			}
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no retry operation for %q", ErrNotFound, base)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n > found[j].n })
	return &found[0].op, nil
}
