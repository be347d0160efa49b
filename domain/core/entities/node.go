package entities

import (
	"sort"
	"time"
)

// Node is one unit of knowledge: a conclusion plus the assumption edges
// it depends on. Node ids are proposer-scoped strings unique within a
// graph version, not UUIDs.
type Node struct {
	ID          string    `json:"id" dynamodbav:"ID"`
	Conclusion  string    `json:"conclusion" dynamodbav:"Conclusion"`
	Assumptions []string  `json:"assumptions,omitempty" dynamodbav:"Assumptions,omitempty"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"CreatedAt"`
}

// NewNode creates a node with a normalized (deduplicated, sorted)
// assumption set
func NewNode(id, conclusion string, assumptions []string, createdAt time.Time) *Node {
	return &Node{
		ID:          id,
		Conclusion:  conclusion,
		Assumptions: NormalizeAssumptions(assumptions),
		CreatedAt:   createdAt,
	}
}

// HasAssumption reports whether the node depends on the given id
func (n *Node) HasAssumption(id string) bool {
	for _, a := range n.Assumptions {
		if a == id {
			return true
		}
	}
	return false
}

// AssumptionSet returns the assumptions as a set
func (n *Node) AssumptionSet() map[string]struct{} {
	set := make(map[string]struct{}, len(n.Assumptions))
	for _, a := range n.Assumptions {
		set[a] = struct{}{}
	}
	return set
}

// SetAssumptions replaces the edge set, normalizing it
func (n *Node) SetAssumptions(assumptions []string) {
	n.Assumptions = NormalizeAssumptions(assumptions)
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	out := *n
	out.Assumptions = append([]string(nil), n.Assumptions...)
	return &out
}

// NormalizeAssumptions collapses duplicates and sorts the ids so that
// edge sets compare and serialize deterministically
func NormalizeAssumptions(assumptions []string) []string {
	if len(assumptions) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(assumptions))
	out := make([]string, 0, len(assumptions))
	for _, a := range assumptions {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
