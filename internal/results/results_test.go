package results

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// -- Test Helpers and Fixtures --

func link(id, ability, paw string, status int, finish, stderr string) schemas.Link {
	return schemas.Link{
		LinkID:      id,
		AbilityID:   ability,
		AbilityName: "name-" + ability,
		Paw:         paw,
		Command:     "cmd-" + ability,
		Status:      status,
		Stderr:      stderr,
		FinishTime:  finish,
	}
}

const t0 = "2025-12-03T10:00:00Z"
const t1 = "2025-12-03T10:00:05Z"

// -- Test Cases --

func TestAggregate_ORAcrossAgents(t *testing.T) {
	links := []schemas.Link{
		link("l1", "a1", "agent-user", 1, t0, "Access is denied."),
		link("l2", "a1", "agent-admin", 0, t1, ""),
		link("l3", "a2", "agent-user", 1, t0, "Access is denied."),
		link("l4", "a2", "agent-admin", 1, t1, "Access is denied."),
	}

	agg := Aggregate(links)

	assert.Equal(t, schemas.OutcomeSuccess, agg.Outcome("a1"))
	assert.Equal(t, schemas.OutcomeFailed, agg.Outcome("a2"))
	assert.Equal(t, 2, agg.Stats.TotalAbilities)
	assert.Equal(t, 2, agg.Stats.Completed)
	assert.Equal(t, 1, agg.Stats.Success)
	assert.Equal(t, 1, agg.Stats.Failed)
	assert.Equal(t, 50.0, agg.Stats.SuccessRate)
	assert.Equal(t, 4, agg.Stats.TotalLinks)
	assert.Equal(t, 3, agg.Stats.WithStderr)
	require.Len(t, agg.FailedAbilities, 1)
	assert.Equal(t, "a2", agg.FailedAbilities[0].AbilityID)
}

func TestAggregate_IncompleteAbilities(t *testing.T) {
	links := []schemas.Link{
		{LinkID: "l1", AbilityID: "a1", Status: -3},
		link("l2", "a2", "p", 1, t0, "boom"),
	}

	agg := Aggregate(links)

	assert.Equal(t, schemas.OutcomeIncomplete, agg.Outcome("a1"))
	assert.Equal(t, schemas.OutcomeIncomplete, agg.Outcome("unknown"))
	assert.Equal(t, 2, agg.Stats.TotalAbilities)
	assert.Equal(t, 1, agg.Stats.Completed)
	assert.Equal(t, 0, agg.Stats.Success)
	assert.Equal(t, 0.0, agg.Stats.SuccessRate)
}

func TestAggregate_Empty(t *testing.T) {
	agg := Aggregate(nil)
	assert.Equal(t, schemas.ExecutionStats{}, agg.Stats)
	assert.Empty(t, agg.FailedAbilities)
}

func TestAggregate_LinksWithoutAbilityID(t *testing.T) {
	links := []schemas.Link{
		link("l1", "a1", "p", 0, t0, ""),
		link("l2", "", "p", 1, t0, "boom"),
		link("l3", "  ", "p", 1, t1, "boom"),
	}

	agg := Aggregate(links)

	assert.Equal(t, 1, agg.Stats.TotalAbilities)
	assert.Equal(t, 1, agg.Stats.Success)
	assert.Equal(t, 0, agg.Stats.Failed)
	assert.Equal(t, 100.0, agg.Stats.SuccessRate)
	assert.Equal(t, 3, agg.Stats.TotalLinks)
	assert.Empty(t, agg.FailedAbilities)
	_, ok := agg.Outcomes[""]
	assert.False(t, ok)
}

func TestAggregate_TenAbilitiesMixedOutcomes(t *testing.T) {
	var links []schemas.Link
	for i := 0; i < 9; i++ {
		id := string(rune('a' + i))
		links = append(links, link("ok-"+id, id, "p1", 0, t0, ""))
	}
	links = append(links,
		link("bad-1", "z", "p1", 1, t0, "Access is denied"),
		link("bad-2", "z", "p2", 1, t1, "Access is denied"),
	)

	agg := Aggregate(links)

	assert.Equal(t, 9, agg.Stats.Success)
	assert.Equal(t, 1, agg.Stats.Failed)
	assert.Equal(t, 90.0, agg.Stats.SuccessRate)
	require.Len(t, agg.FailedAbilities, 1)
	// The most recently finished failing link represents the ability.
	assert.Equal(t, "z", agg.FailedAbilities[0].AbilityID)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	links := []schemas.Link{
		link("l1", "a1", "p1", 1, t0, "first failure"),
		link("l2", "a1", "p2", 1, t1, "second failure"),
		link("l3", "a2", "p1", 0, t0, ""),
		link("l4", "a3", "p1", 1, t0, "x"),
		link("l5", "a3", "p2", 1, t0, "y"),
		link("l6", "a4", "p1", -3, "", ""),
	}
	want := Aggregate(links)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]schemas.Link(nil), links...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("aggregation depends on link order (-want +got):\n%s", diff)
		}
	}

	require.Len(t, want.FailedAbilities, 2)
	assert.Equal(t, "second failure", want.FailedAbilities[0].Stderr)
	// Equal finish times fall back to the larger link id.
	assert.Equal(t, "y", want.FailedAbilities[1].Stderr)
}

func TestAggregate_Idempotent(t *testing.T) {
	links := []schemas.Link{
		link("l1", "a1", "p1", 0, t0, ""),
		link("l2", "a2", "p1", 1, t0, "denied"),
	}
	once := Aggregate(links)
	twice := Aggregate(append(append([]schemas.Link(nil), links...), links...))
	assert.Empty(t, cmp.Diff(once, twice))
	assert.Empty(t, cmp.Diff(once, Aggregate(links)))
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 66.67, SuccessRate(2, 3))
	assert.Equal(t, 100.0, SuccessRate(4, 4))
}

func TestCompare(t *testing.T) {
	before := Aggregate([]schemas.Link{
		link("l1", "a1", "p", 1, t0, "denied"),
		link("l2", "a2", "p", 0, t0, ""),
		link("l3", "a3", "p", 1, t0, "x"),
	})
	after := Aggregate([]schemas.Link{
		link("m1", "a1", "p", 0, t1, ""),
		link("m2", "a2", "p", 1, t1, "oops"),
		link("m3", "a3", "p", 0, t1, ""),
	})

	c := Compare(before, after)

	assert.Equal(t, []string{"a1", "a3"}, c.Fixed)
	assert.Equal(t, []string{"a2"}, c.Regressed)
	assert.Equal(t, 33.34, c.Improvement)
}
