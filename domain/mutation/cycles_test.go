package mutation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycles_Acyclic(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	})

	assert.Nil(t, DetectCycles(g))
}

func TestDetectCycles_ReturnsRealCycle(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})

	path := DetectCycles(g)
	require.NotEmpty(t, path)

	// re-walking assumption edges from the first id returns to itself
	for i := 0; i < len(path); i++ {
		next := path[(i+1)%len(path)]
		assert.True(t, g.Nodes[path[i]].HasAssumption(next),
			"expected %s to assume %s", path[i], next)
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"a": {"a"},
	})

	path := DetectCycles(g)
	assert.Equal(t, []string{"a"}, path)
}

func TestDetectCycles_VisitsEveryComponent(t *testing.T) {
	// the cycle lives in a component disconnected from the sorted-first root
	g := testGraph(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"x": {"y"},
		"y": {"x"},
	})

	path := DetectCycles(g)
	require.Len(t, path, 2)
	assert.ElementsMatch(t, []string{"x", "y"}, path)
}

func TestDetectCycles_DeepChainDoesNotOverflow(t *testing.T) {
	g := testGraph(t, nil)
	const depth = 200000
	for i := 0; i < depth; i++ {
		id := nodeID(i)
		var assumptions []string
		if i+1 < depth {
			assumptions = []string{nodeID(i + 1)}
		}
		g.Nodes[id] = newTestNode(id, assumptions)
	}

	assert.Nil(t, DetectCycles(g))
}
