package mutation

import (
	"fmt"
	"time"

	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// Apply runs one operation batch against a graph version and returns the
// resulting successor candidate. It is a pure function: the input version
// is never mutated, and a batch either applies in full or not at all.
//
// Error contract:
//   - a structural-corruption error (pkg/errors) if the input graph
//     itself has unresolved references; fatal, never retried
//   - a *ValidationError listing every problem in the batch
//   - otherwise the new version, with every surviving node's edges
//     resolving inside it
func Apply(g *aggregates.GraphVersion, ops []entities.Operation) (*aggregates.GraphVersion, error) {
	// Corruption in the input is a prior-damage signal, distinct from
	// anything this batch did.
	if unresolved := g.UnresolvedReferences(); len(unresolved) > 0 {
		return nil, pkgerrors.NewStructuralCorruptionError(g.ID, unresolved)
	}

	next := g.CloneForEdit()
	deleted := make(map[string]struct{})
	var problems []string
	now := time.Now()

	for _, op := range ops {
		if op.IsDelete() {
			if _, ok := next.Nodes[op.NodeID]; ok {
				delete(next.Nodes, op.NodeID)
				deleted[op.NodeID] = struct{}{}
				continue
			}
			if _, already := deleted[op.NodeID]; already {
				// second delete of the same id in one batch is a no-op
				continue
			}
			problems = append(problems, fmt.Sprintf("delete of unknown node id %q", op.NodeID))
			continue
		}

		node, exists := next.Nodes[op.NodeID]
		if !exists {
			if !op.HasConclusion() {
				problems = append(problems, fmt.Sprintf("update of nonexistent node %q needs conclusion text to create it", op.NodeID))
				continue
			}
			node = entities.NewNode(op.NodeID, *op.Conclusion, nil, now)
			next.Nodes[op.NodeID] = node
		} else if op.HasConclusion() {
			node.Conclusion = *op.Conclusion
		}

		if len(op.AddAssumptions) > 0 || len(op.RemoveAssumptions) > 0 {
			set := node.AssumptionSet()
			for _, a := range op.AddAssumptions {
				set[a] = struct{}{}
			}
			for _, a := range op.RemoveAssumptions {
				delete(set, a)
			}
			merged := make([]string, 0, len(set))
			for a := range set {
				merged = append(merged, a)
			}
			node.SetAssumptions(merged)
		}
	}

	// Deletion auto-heals: survivors drop edges to ids deleted in this
	// batch, unless the id was re-created afterwards.
	for _, node := range next.Nodes {
		var kept []string
		changed := false
		for _, a := range node.Assumptions {
			_, wasDeleted := deleted[a]
			_, present := next.Nodes[a]
			if wasDeleted && !present {
				changed = true
				continue
			}
			kept = append(kept, a)
		}
		if changed {
			node.SetAssumptions(kept)
		}
	}

	// Final pass: every surviving edge must resolve to a surviving node.
	for _, id := range next.NodeIDs() {
		for _, a := range next.Nodes[id].Assumptions {
			if _, ok := next.Nodes[a]; !ok {
				problems = append(problems, fmt.Sprintf("node %q references unknown node %q", id, a))
			}
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: dedupe(problems), Operations: ops}
	}
	return next, nil
}
