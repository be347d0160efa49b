package events

import "time"

// GraphIntegrated is raised after a successful integration commit
type GraphIntegrated struct {
	BaseEvent
	EntityID       string `json:"entity_id"`
	PriorVersionID string `json:"prior_version_id"`
	VersionID      string `json:"version_id"`
	MessageCount   int    `json:"message_count"`
	NodeCount      int    `json:"node_count"`
	Attempts       int    `json:"attempts"`
}

// NewGraphIntegrated creates a GraphIntegrated event
func NewGraphIntegrated(entityID, priorVersionID, versionID string, messageCount, nodeCount, attempts int) GraphIntegrated {
	return GraphIntegrated{
		BaseEvent: BaseEvent{
			AggregateID: entityID,
			EventType:   "graph.integrated",
			Timestamp:   time.Now(),
			Version:     1,
		},
		EntityID:       entityID,
		PriorVersionID: priorVersionID,
		VersionID:      versionID,
		MessageCount:   messageCount,
		NodeCount:      nodeCount,
		Attempts:       attempts,
	}
}

// GraphCompacted is raised after a compaction run settles under threshold
type GraphCompacted struct {
	BaseEvent
	EntityID       string `json:"entity_id"`
	FinalVersionID string `json:"final_version_id"`
	Rounds         int    `json:"rounds"`
	TokenEstimate  int    `json:"token_estimate"`
}

// NewGraphCompacted creates a GraphCompacted event
func NewGraphCompacted(entityID, finalVersionID string, rounds, tokenEstimate int) GraphCompacted {
	return GraphCompacted{
		BaseEvent: BaseEvent{
			AggregateID: entityID,
			EventType:   "graph.compacted",
			Timestamp:   time.Now(),
			Version:     1,
		},
		EntityID:       entityID,
		FinalVersionID: finalVersionID,
		Rounds:         rounds,
		TokenEstimate:  tokenEstimate,
	}
}

// IntegrationRejected is raised when a cycle ends fatally: structural
// corruption, an integrity-guard rejection, or an exhausted retry budget
type IntegrationRejected struct {
	BaseEvent
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// NewIntegrationRejected creates an IntegrationRejected event
func NewIntegrationRejected(entityID, reason, detail string) IntegrationRejected {
	return IntegrationRejected{
		BaseEvent: BaseEvent{
			AggregateID: entityID,
			EventType:   "graph.integration_rejected",
			Timestamp:   time.Now(),
			Version:     1,
		},
		EntityID: entityID,
		Reason:   reason,
		Detail:   detail,
	}
}
