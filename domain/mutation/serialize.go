package mutation

import (
	"fmt"
	"sort"
	"strings"

	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
)

// Flatten orders the node set for presentation to the proposer: start
// from nodes with no incoming edges, oldest first, expanding each node's
// not-yet-visited assumption ids immediately after it. If the frontier
// drains while unvisited nodes remain (a cycle or a disconnected
// component), the oldest unvisited node reseeds it.
//
// This ordering is a presentation concern only. Nothing may rely on it
// for correctness.
func Flatten(g *aggregates.GraphVersion) []*entities.Node {
	incoming := g.IncomingCounts()

	var roots []string
	for id, count := range incoming {
		if count == 0 {
			roots = append(roots, id)
		}
	}
	sortOldestFirst(g, roots)

	visited := make(map[string]struct{}, len(g.Nodes))
	order := make([]*entities.Node, 0, len(g.Nodes))

	// frontier is used as a stack; seeds are pushed in reverse so the
	// oldest pops first.
	var frontier []string
	push := func(ids []string) {
		for i := len(ids) - 1; i >= 0; i-- {
			frontier = append(frontier, ids[i])
		}
	}
	push(roots)

	for len(order) < len(g.Nodes) {
		if len(frontier) == 0 {
			frontier = append(frontier, oldestUnvisited(g, visited))
		}

		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		node, ok := g.Nodes[id]
		if !ok {
			continue
		}
		visited[id] = struct{}{}
		order = append(order, node)

		var pending []string
		for _, a := range node.Assumptions {
			if _, seen := visited[a]; !seen {
				pending = append(pending, a)
			}
		}
		push(pending)
	}

	return order
}

// Serialize renders the graph as the text block sent to the proposer
func Serialize(g *aggregates.GraphVersion) string {
	nodes := Flatten(g)
	if len(nodes) == 0 {
		return "(empty graph)"
	}

	var b strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&b, "[%s] %s", n.ID, n.Conclusion)
		if len(n.Assumptions) > 0 {
			fmt.Fprintf(&b, " (assumes: %s)", strings.Join(n.Assumptions, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortOldestFirst(g *aggregates.GraphVersion, ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.Nodes[ids[i]], g.Nodes[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func oldestUnvisited(g *aggregates.GraphVersion, visited map[string]struct{}) string {
	var remaining []string
	for id := range g.Nodes {
		if _, ok := visited[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	sortOldestFirst(g, remaining)
	return remaining[0]
}
