package ports

import (
	"context"

	"qualia-backend/domain/core/entities"
	"qualia-backend/domain/events"
)

// ProposalRequest is one call to the generative-model collaborator
type ProposalRequest struct {
	EntityID        string
	SerializedGraph string
	Messages        []*entities.PendingMessage
	// PriorError carries the previous attempt's validation or cycle
	// error text; empty on the first attempt
	PriorError string
	// Compact asks the proposer to also reduce the graph's size
	Compact bool
}

// Proposal is the structured response: free-form reasoning plus the
// operation batch to apply
type Proposal struct {
	Reasoning  string
	Operations []entities.Operation
}

// Proposer is the port for the generative-model collaborator
type Proposer interface {
	// Propose requests an edit batch for the given graph and messages
	Propose(ctx context.Context, req ProposalRequest) (*Proposal, error)

	// CountTokens estimates the token cost of a serialized payload using
	// the collaborator's own tokenizer
	CountTokens(ctx context.Context, text string) (int, error)
}

// EventPublisher is the port for publishing domain events downstream
type EventPublisher interface {
	Publish(ctx context.Context, event events.DomainEvent) error
	PublishBatch(ctx context.Context, events []events.DomainEvent) error
}
