// Package abilities holds the mutable ability definitions of a session and
// their on-disk YAML documents.
package abilities

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// ErrUnknownAbility is returned when an id is not part of the set.
var ErrUnknownAbility = errors.New("ability not found")

// Set is an ordered collection of abilities addressable by id. Commands are
// only ever changed through SetCommand.
type Set struct {
	items []schemas.Ability
	index map[string]int
}

// NewSet builds a Set, preserving document order. Ability ids must be unique
// and non-empty.
func NewSet(list []schemas.Ability) (*Set, error) {
	s := &Set{
		items: make([]schemas.Ability, 0, len(list)),
		index: make(map[string]int, len(list)),
	}
	for i, a := range list {
		if a.AbilityID == "" {
			return nil, fmt.Errorf("ability at position %d has no ability_id", i)
		}
		if _, dup := s.index[a.AbilityID]; dup {
			return nil, fmt.Errorf("duplicate ability_id %q", a.AbilityID)
		}
		s.index[a.AbilityID] = len(s.items)
		s.items = append(s.items, cloneAbility(a))
	}
	return s, nil
}

// Len returns the number of abilities.
func (s *Set) Len() int { return len(s.items) }

// Get returns a copy of the ability with the given id.
func (s *Set) Get(id string) (schemas.Ability, bool) {
	i, ok := s.index[id]
	if !ok {
		return schemas.Ability{}, false
	}
	return cloneAbility(s.items[i]), true
}

// SetCommand replaces the command of the ability's primary executor.
func (s *Set) SetCommand(id, command string) error {
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAbility, id)
	}
	a := &s.items[i]
	if len(a.Executors) == 0 {
		a.Executors = []schemas.Executor{{Name: "psh", Platform: "windows"}}
	}
	a.Executors[0].Command = command
	return nil
}

// List returns a copy of all abilities in document order.
func (s *Set) List() []schemas.Ability {
	out := make([]schemas.Ability, len(s.items))
	for i, a := range s.items {
		out[i] = cloneAbility(a)
	}
	return out
}

// IDs returns the ability ids in document order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.items))
	for i, a := range s.items {
		out[i] = a.AbilityID
	}
	return out
}

func cloneAbility(a schemas.Ability) schemas.Ability {
	out := a
	out.Buckets = append([]string(nil), a.Buckets...)
	if a.Executors != nil {
		out.Executors = make([]schemas.Executor, len(a.Executors))
		for i, e := range a.Executors {
			e.Payloads = append([]string(nil), e.Payloads...)
			e.Uploads = append([]string(nil), e.Uploads...)
			e.Cleanup = append([]string(nil), e.Cleanup...)
			out.Executors[i] = e
		}
	}
	return out
}
