package mutation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qualia-backend/domain/core/entities"
)

func nodeID(i int) string {
	return fmt.Sprintf("n%06d", i)
}

func newTestNode(id string, assumptions []string) *entities.Node {
	return entities.NewNode(id, "conclusion "+id, assumptions, time.Now())
}

func TestFlatten_IncludesEveryNodeOnce(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": nil,
	})

	order := Flatten(g)
	require.Len(t, order, 4)

	seen := make(map[string]int)
	for _, n := range order {
		seen[n.ID]++
	}
	for id := range g.Nodes {
		assert.Equal(t, 1, seen[id], "node %s", id)
	}
}

func TestFlatten_ExpandsAssumptionsNext(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"root": {"dep"},
		"dep":  nil,
	})

	order := Flatten(g)
	require.Len(t, order, 2)
	// root has no incoming edges so it leads; its assumption follows
	assert.Equal(t, "root", order[0].ID)
	assert.Equal(t, "dep", order[1].ID)
}

func TestFlatten_CycleDoesNotHang(t *testing.T) {
	// no node has zero incoming edges, so the frontier starts empty and
	// must be seeded with the oldest unvisited node
	g := testGraph(t, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})

	order := Flatten(g)
	assert.Len(t, order, 2)
}

func TestSerialize_RendersEdges(t *testing.T) {
	g := testGraph(t, map[string][]string{
		"base":    nil,
		"derived": {"base"},
	})

	out := Serialize(g)
	assert.Contains(t, out, "[derived] conclusion derived (assumes: base)")
	assert.Contains(t, out, "[base] conclusion base")
}

func TestSerialize_EmptyGraph(t *testing.T) {
	g := testGraph(t, nil)
	assert.Equal(t, "(empty graph)", Serialize(g))
}
