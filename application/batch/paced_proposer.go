package batch

import (
	"context"

	"qualia-backend/application/ports"
)

// PacedProposer wraps a Proposer so every model call passes through the
// shared rate limiter. Token counting is local and is not paced.
type PacedProposer struct {
	inner   ports.Proposer
	limiter *RateLimiter
}

func NewPacedProposer(inner ports.Proposer, limiter *RateLimiter) *PacedProposer {
	return &PacedProposer{inner: inner, limiter: limiter}
}

func (p *PacedProposer) Propose(ctx context.Context, req ports.ProposalRequest) (*ports.Proposal, error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return p.inner.Propose(ctx, req)
}

func (p *PacedProposer) CountTokens(ctx context.Context, text string) (int, error) {
	return p.inner.CountTokens(ctx, text)
}
