package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphRejectsCycleAndStaysUnchanged(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	require.NoError(t, g.Add("a", "b"))
	require.NoError(t, g.Add("b", "c"))
	require.NoError(t, g.Add("a", "c"))

	before := g.Snapshot()
	assert.True(t, g.WouldCreateCycle("c", "a"))
	assert.ErrorIs(t, g.Add("c", "a"), ErrCycle)
	assert.Equal(t, before, g.Snapshot())

	assert.ErrorIs(t, g.Add("a", "a"), ErrSelfDependency)
	assert.True(t, g.WouldCreateCycle("a", "a"))
	assert.ErrorIs(t, g.Add("", "a"), ErrInvalidEdge)
	assert.Equal(t, before, g.Snapshot())
}

func TestWouldCreateCycle(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	// diamond: a -> b, a -> c, b -> d, c -> d
	require.NoError(t, g.Add("a", "b"))
	require.NoError(t, g.Add("a", "c"))
	require.NoError(t, g.Add("b", "d"))
	require.NoError(t, g.Add("c", "d"))

	cases := []struct {
		from, to string
		cycle    bool
	}{
		{"d", "a", true},
		{"d", "b", true},
		{"c", "a", true},
		{"b", "c", false},
		{"d", "e", false},
		{"e", "a", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.cycle, g.WouldCreateCycle(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestGraphRemoveAndDependencies(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	require.NoError(t, g.Add("a", "c"))
	require.NoError(t, g.Add("a", "b"))
	require.NoError(t, g.Add("a", "b"))
	assert.Equal(t, []string{"b", "c"}, g.Dependencies("a"))

	assert.True(t, g.Remove("a", "b"))
	assert.False(t, g.Remove("a", "b"))
	assert.True(t, g.Remove("a", "c"))
	assert.Empty(t, g.Dependencies("a"))
	assert.Empty(t, g.Snapshot())

	// Removing the edge makes the reverse edge legal.
	require.NoError(t, g.Add("x", "y"))
	require.ErrorIs(t, g.Add("y", "x"), ErrCycle)
	g.Remove("x", "y")
	require.NoError(t, g.Add("y", "x"))
}

func TestGraphRemoveTask(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	require.NoError(t, g.Add("a", "b"))
	require.NoError(t, g.Add("a", "c"))
	require.NoError(t, g.Add("d", "a"))

	assert.Equal(t, 2, g.RemoveTask("a"))
	assert.Zero(t, g.RemoveTask("a"))
	assert.Equal(t, map[string][]string{"d": {"a"}}, g.Snapshot())
}
