package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph(map[string][]string{
		"1.1": {"1.2"},
		"1.2": {"1.1"},
	})
	assert.Error(t, err)
}

func TestIsReadyRequiresAllDependencies(t *testing.T) {
	g, err := NewGraph(map[string][]string{
		"2.1": {"1.1", "1.2"},
	})
	require.NoError(t, err)

	assert.False(t, g.IsReady("2.1", map[string]bool{"1.1": true}))
	assert.True(t, g.IsReady("2.1", map[string]bool{"1.1": true, "1.2": true}))
}

func TestBlockedOnListsUnsatisfiedDependencies(t *testing.T) {
	g, err := NewGraph(map[string][]string{
		"2.1": {"1.1", "1.2"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"1.2"}, g.BlockedOn("2.1", map[string]bool{"1.1": true}))
}

func TestNewlyUnblockedFindsDependentsWithAllDepsSatisfied(t *testing.T) {
	g, err := NewGraph(map[string][]string{
		"2.1": {"1.1"},
		"2.2": {"1.1", "1.2"},
	})
	require.NoError(t, err)

	completed := map[string]bool{"1.1": true}
	ready := g.NewlyUnblocked("1.1", completed)
	assert.ElementsMatch(t, []string{"2.1"}, ready)
}

func TestAllReadyExcludesAlreadyCompleted(t *testing.T) {
	g, err := NewGraph(map[string][]string{
		"2.1": {"1.1"},
		"3.1": {},
	})
	require.NoError(t, err)

	ready := g.AllReady(map[string]bool{"1.1": true, "2.1": true})
	assert.ElementsMatch(t, []string{"3.1"}, ready)
}
