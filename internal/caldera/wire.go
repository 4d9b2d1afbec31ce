package caldera

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Caldera is loose about JSON types across versions: exit codes and pids
// arrive as numbers or strings, executors as objects or bare names, and link
// output as an object, a string or a boolean marker.

// flexString accepts a JSON string, number or boolean.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// flexInt accepts a JSON number or a numeric string; anything else is zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(int(n))
	return nil
}

// executorField is either {"name": ..., "platform": ...} or a bare name.
type executorField struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

func (e *executorField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		type plain executorField
		var p plain
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*e = executorField(p)
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*e = executorField{Name: string(s)}
	return nil
}

// outputField is the summary output Caldera keeps on a chain entry.
type outputField struct {
	Stdout   string
	Stderr   string
	ExitCode string
}

func (o *outputField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			Stdout   flexString `json:"stdout"`
			Stderr   flexString `json:"stderr"`
			ExitCode flexString `json:"exit_code"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*o = outputField{Stdout: string(obj.Stdout), Stderr: string(obj.Stderr), ExitCode: string(obj.ExitCode)}
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*o = outputField{Stdout: string(s)}
	return nil
}

type abilityRef struct {
	AbilityID     string `json:"ability_id"`
	Name          string `json:"name"`
	Tactic        string `json:"tactic"`
	TechniqueID   string `json:"technique_id"`
	TechniqueName string `json:"technique_name"`
}

// chainEntry is one link as it appears in an operation's chain.
type chainEntry struct {
	ID               string        `json:"id"`
	Paw              string        `json:"paw"`
	Host             string        `json:"host"`
	Command          string        `json:"command"`
	PlaintextCommand string        `json:"plaintext_command"`
	Status           *flexInt      `json:"status"`
	PID              flexInt       `json:"pid"`
	Collect          string        `json:"collect"`
	Finish           string        `json:"finish"`
	Ability          abilityRef    `json:"ability"`
	Executor         executorField `json:"executor"`
	Output           outputField   `json:"output"`
}

type adversaryRef struct {
	AdversaryID string `json:"adversary_id"`
	Name        string `json:"name,omitempty"`
}

type plannerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// operationWire is the operation document of GET /api/v2/operations/{id}.
type operationWire struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     string       `json:"state"`
	Group     string       `json:"group"`
	Start     string       `json:"start"`
	Finish    string       `json:"finish"`
	Adversary adversaryRef `json:"adversary"`
	Planner   plannerRef   `json:"planner"`
	Chain     []chainEntry `json:"chain"`
}

// linkResultWire is the body of GET .../links/{id}/result. Result holds
// base64 encoded JSON.
type linkResultWire struct {
	Result *string     `json:"result"`
	Stdout *flexString `json:"stdout"`
	Stderr *flexString `json:"stderr"`
	Exit   flexString  `json:"exit_code"`
}

type decodedResult struct {
	Stdout   flexString `json:"stdout"`
	Stderr   flexString `json:"stderr"`
	ExitCode flexString `json:"exit_code"`
}

type agentWire struct {
	Paw      string `json:"paw"`
	Host     string `json:"host"`
	Platform string `json:"platform"`
	Group    string `json:"group"`
}

type createOperationRequest struct {
	Name      string            `json:"name"`
	Adversary adversaryRef      `json:"adversary"`
	Planner   map[string]string `json:"planner"`
	Source    map[string]string `json:"source"`
	Group     string            `json:"group"`
	Jitter    string            `json:"jitter"`
}
