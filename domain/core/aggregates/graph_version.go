package aggregates

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"qualia-backend/domain/core/entities"
)

// GraphVersion is one immutable snapshot of an entity's knowledge graph.
// A new version is produced by cloning-and-editing the previous one; the
// previous version is retained for audit and never mutated once a newer
// version supersedes it.
//
// The entity record's current-version pointer is the single source of
// truth for which version is live. NextVersionID is a best-effort
// secondary index only, reconciled lazily when found inconsistent.
type GraphVersion struct {
	ID            string                    `json:"id" dynamodbav:"VersionID"`
	EntityID      string                    `json:"entity_id" dynamodbav:"EntityID"`
	Nodes         map[string]*entities.Node `json:"nodes" dynamodbav:"Nodes"`
	NextVersionID string                    `json:"next_version_id,omitempty" dynamodbav:"NextVersionID,omitempty"`
	CreatedAt     time.Time                 `json:"created_at" dynamodbav:"CreatedAt"`
}

// NewGraphVersion creates an empty first version for an entity
func NewGraphVersion(entityID string) *GraphVersion {
	return &GraphVersion{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Nodes:     make(map[string]*entities.Node),
		CreatedAt: time.Now(),
	}
}

// CloneForEdit deep-copies the version into a fresh successor candidate:
// new id, empty forward pointer, current timestamp. The receiver is left
// untouched.
func (v *GraphVersion) CloneForEdit() *GraphVersion {
	nodes := make(map[string]*entities.Node, len(v.Nodes))
	for id, n := range v.Nodes {
		nodes[id] = n.Clone()
	}
	return &GraphVersion{
		ID:        uuid.New().String(),
		EntityID:  v.EntityID,
		Nodes:     nodes,
		CreatedAt: time.Now(),
	}
}

// NodeCount returns the number of nodes in the snapshot
func (v *GraphVersion) NodeCount() int {
	return len(v.Nodes)
}

// Node returns the node with the given id, or nil
func (v *GraphVersion) Node(id string) *entities.Node {
	return v.Nodes[id]
}

// NodeIDs returns all node ids in sorted order
func (v *GraphVersion) NodeIDs() []string {
	ids := make([]string, 0, len(v.Nodes))
	for id := range v.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnresolvedReferences returns every assumption id that does not resolve
// to a node in this version, sorted and deduplicated. An empty result
// means the snapshot satisfies the no-dangling-edges invariant.
func (v *GraphVersion) UnresolvedReferences() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range v.NodeIDs() {
		for _, a := range v.Nodes[id].Assumptions {
			if _, ok := v.Nodes[a]; ok {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// IncomingCounts returns, for every node, the number of nodes that depend
// on it (assumption edges pointing at it)
func (v *GraphVersion) IncomingCounts() map[string]int {
	counts := make(map[string]int, len(v.Nodes))
	for id := range v.Nodes {
		counts[id] = 0
	}
	for _, n := range v.Nodes {
		for _, a := range n.Assumptions {
			if _, ok := v.Nodes[a]; ok {
				counts[a]++
			}
		}
	}
	return counts
}
