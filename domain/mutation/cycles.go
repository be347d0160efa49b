package mutation

import (
	"qualia-backend/domain/core/aggregates"
)

// DetectCycles searches the assumption-edge relation for a cycle and
// returns the first one discovered as the path from the back-edge target
// to the node that closes it, or nil if the graph is acyclic. Every
// component is visited, not just one root. The traversal uses an explicit
// stack so pathological graphs cannot exhaust the call stack, and visits
// nodes in sorted-id order so the reported path is stable.
func DetectCycles(g *aggregates.GraphVersion) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.Nodes))

	type frame struct {
		id  string
		idx int
	}

	for _, root := range g.NodeIDs() {
		if color[root] != white {
			continue
		}

		stack := []frame{{id: root}}
		color[root] = gray
		path := []string{root}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			node := g.Nodes[top.id]

			advanced := false
			for top.idx < len(node.Assumptions) {
				next := node.Assumptions[top.idx]
				top.idx++

				if _, ok := g.Nodes[next]; !ok {
					continue
				}
				switch color[next] {
				case gray:
					// Back edge: the cycle runs from `next` along
					// the current path down to top.id.
					for i, id := range path {
						if id == next {
							return append([]string(nil), path[i:]...)
						}
					}
				case white:
					color[next] = gray
					stack = append(stack, frame{id: next})
					path = append(path, next)
					advanced = true
				}
				if advanced {
					break
				}
			}

			if !advanced {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return nil
}
