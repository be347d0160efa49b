package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qualia-backend/application/locking"
	"qualia-backend/application/ports"
	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
	domainevents "qualia-backend/domain/events"
	"qualia-backend/infrastructure/persistence/memory"
	"qualia-backend/infrastructure/presence"
	pkgerrors "qualia-backend/pkg/errors"
)

type scriptedProposer struct {
	mu       sync.Mutex
	requests []ports.ProposalRequest
	script   []func(req ports.ProposalRequest) (*ports.Proposal, error)
	tokenFn  func(text string) int
}

func (p *scriptedProposer) Propose(ctx context.Context, req ports.ProposalRequest) (*ports.Proposal, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests) - 1
	p.mu.Unlock()

	if call < len(p.script) {
		return p.script[call](req)
	}
	return p.script[len(p.script)-1](req)
}

func (p *scriptedProposer) CountTokens(ctx context.Context, text string) (int, error) {
	if p.tokenFn != nil {
		return p.tokenFn(text), nil
	}
	return len(text), nil
}

func (p *scriptedProposer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProposer) request(i int) ports.ProposalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domainevents.DomainEvent
}

func (c *capturingPublisher) Publish(ctx context.Context, event domainevents.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingPublisher) PublishBatch(ctx context.Context, batch []domainevents.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, batch...)
	return nil
}

func (c *capturingPublisher) byType(eventType string) []domainevents.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domainevents.DomainEvent
	for _, e := range c.events {
		if e.GetEventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

type serviceFixture struct {
	store     *memory.Store
	proposer  *scriptedProposer
	publisher *capturingPublisher
	service   *IntegrationService
}

func newFixture(t *testing.T, proposer *scriptedProposer, config IntegrationConfig) *serviceFixture {
	t.Helper()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	locks := locking.NewManager(store, pres, locking.NewIdentity(), zap.NewNop())
	publisher := &capturingPublisher{}
	service := NewIntegrationService(
		locks, store, store, store, store, store,
		proposer, publisher, zap.NewNop(), config)
	return &serviceFixture{store: store, proposer: proposer, publisher: publisher, service: service}
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func createOp(nodeID, conclusion string, assumptions ...string) entities.Operation {
	return entities.Operation{NodeID: nodeID, Conclusion: strPtr(conclusion), AddAssumptions: assumptions}
}

func deleteOp(nodeID string) entities.Operation {
	return entities.Operation{NodeID: nodeID, Conclusion: strPtr("")}
}

func appendDelivered(t *testing.T, store *memory.Store, entityID, body string, amount *int64) *entities.PendingMessage {
	t.Helper()
	msg := entities.NewPendingMessage(entityID, "sender", body, amount, time.Now().Add(-time.Second))
	require.NoError(t, store.Append(context.Background(), msg))
	return msg
}

// seedVersion installs a graph version as the entity's current version.
func seedVersion(t *testing.T, store *memory.Store, entityID string, nodes map[string][]string) *aggregates.GraphVersion {
	t.Helper()
	ctx := context.Background()

	version := aggregates.NewGraphVersion(entityID)
	for id, assumptions := range nodes {
		version.Nodes[id] = entities.NewNode(id, "conclusion "+id, assumptions, time.Now())
	}
	require.NoError(t, store.Save(ctx, version))

	_, err := store.GetOrCreate(ctx, entityID)
	require.NoError(t, err)
	ok, err := store.Update(ctx, entityID, func(rec *entities.EntityRecord) (bool, error) {
		rec.CurrentVersionID = version.ID
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	return version
}

func TestIntegrateMessages_SuccessFirstAttempt(t *testing.T) {
	ctx := context.Background()
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{
				Reasoning:  "creating first conclusions",
				Operations: []entities.Operation{createOp("n1", "alpha"), createOp("n2", "beta", "n1")},
			}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	appendDelivered(t, fx.store, "entity-1", "hello", int64Ptr(25))
	appendDelivered(t, fx.store, "entity-1", "world", int64Ptr(10))

	require.NoError(t, fx.service.IntegrateMessages(ctx, "entity-1"))

	rec, err := fx.store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CurrentVersionID)
	assert.Equal(t, int64(35), rec.Balance)
	assert.Empty(t, rec.LockOwner, "lock must be released")

	graph, err := fx.store.Load(ctx, "entity-1", rec.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, 2, graph.NodeCount())

	pending, err := fx.store.ListUnacknowledged(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "integrated messages must be acknowledged")

	audits, err := fx.store.ListByEntity(ctx, "entity-1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, rec.CurrentVersionID, audits[0].ResultVersionID)
	assert.Equal(t, "creating first conclusions", audits[0].Reasoning)

	require.Len(t, fx.publisher.byType("graph.integrated"), 1)
}

func TestIntegrateMessages_NoPendingMessagesShortCircuits(t *testing.T) {
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			t.Fatal("proposer must not be called without pending messages")
			return nil, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	require.NoError(t, fx.service.IntegrateMessages(context.Background(), "entity-1"))
	assert.Zero(t, proposer.callCount())
}

func TestIntegrateMessages_RetriesWithErrorAppended(t *testing.T) {
	ctx := context.Background()
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{deleteOp("ghost")}}, nil
		},
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{createOp("n1", "fixed")}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	appendDelivered(t, fx.store, "entity-1", "msg", nil)
	require.NoError(t, fx.service.IntegrateMessages(ctx, "entity-1"))

	require.Equal(t, 2, proposer.callCount())
	assert.Empty(t, proposer.request(0).PriorError)
	assert.Contains(t, proposer.request(1).PriorError, "ghost")

	audits, err := fx.store.ListByEntity(ctx, "entity-1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 2, "every attempt leaves an audit record")
}

func TestIntegrateMessages_CycleIsRejectedAndRetried(t *testing.T) {
	ctx := context.Background()
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{
				createOp("a", "first", "b"),
				createOp("b", "second", "a"),
			}}, nil
		},
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{
				createOp("a", "first"),
				createOp("b", "second", "a"),
			}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	appendDelivered(t, fx.store, "entity-1", "msg", nil)
	require.NoError(t, fx.service.IntegrateMessages(ctx, "entity-1"))

	require.Equal(t, 2, proposer.callCount())
	assert.Contains(t, proposer.request(1).PriorError, "cycle")
}

func TestIntegrateMessages_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{deleteOp("ghost")}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{MaxProposalRetries: 3})

	appendDelivered(t, fx.store, "entity-1", "msg", nil)
	err := fx.service.IntegrateMessages(ctx, "entity-1")
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeRetriesExhausted))
	assert.Equal(t, 3, proposer.callCount())

	rec, getErr := fx.store.Get(ctx, "entity-1")
	require.NoError(t, getErr)
	assert.Empty(t, rec.CurrentVersionID, "no version may be committed")
	assert.Empty(t, rec.LockOwner, "lock must be released on failure")

	pending, listErr := fx.store.ListUnacknowledged(ctx, "entity-1")
	require.NoError(t, listErr)
	assert.Len(t, pending, 1, "messages stay pending for a later cycle")

	require.Len(t, fx.publisher.byType("graph.integration_rejected"), 1)
}

func TestIntegrateMessages_IntegrityGuardBlocksMassDeletion(t *testing.T) {
	ctx := context.Background()

	nodes := make(map[string][]string)
	for i := 1; i <= 12; i++ {
		nodes[fmt.Sprintf("n%02d", i)] = nil
	}
	var deletions []entities.Operation
	for i := 1; i <= 8; i++ {
		deletions = append(deletions, deleteOp(fmt.Sprintf("n%02d", i)))
	}

	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: deletions}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	prior := seedVersion(t, fx.store, "entity-1", nodes)
	appendDelivered(t, fx.store, "entity-1", "msg", nil)

	err := fx.service.IntegrateMessages(ctx, "entity-1")
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeIntegrityGuard))
	assert.Equal(t, 1, proposer.callCount(), "guard violations are not retried")

	rec, getErr := fx.store.Get(ctx, "entity-1")
	require.NoError(t, getErr)
	assert.Equal(t, prior.ID, rec.CurrentVersionID, "graph must be left unchanged")

	require.Len(t, fx.publisher.byType("graph.integration_rejected"), 1)
}

func TestIntegrateMessages_SmallGraphMayShrink(t *testing.T) {
	ctx := context.Background()

	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{deleteOp("n1"), deleteOp("n2")}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	seedVersion(t, fx.store, "entity-1", map[string][]string{"n1": nil, "n2": nil, "n3": nil})
	appendDelivered(t, fx.store, "entity-1", "msg", nil)

	require.NoError(t, fx.service.IntegrateMessages(ctx, "entity-1"))

	rec, err := fx.store.Get(ctx, "entity-1")
	require.NoError(t, err)
	graph, err := fx.store.Load(ctx, "entity-1", rec.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.NodeCount())
}

func TestIntegrateMessages_CorruptGraphIsNotRetried(t *testing.T) {
	ctx := context.Background()

	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{createOp("n9", "text")}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	// a stored version referencing a node that does not exist
	seedVersion(t, fx.store, "entity-1", map[string][]string{"n1": {"missing"}})
	appendDelivered(t, fx.store, "entity-1", "msg", nil)

	err := fx.service.IntegrateMessages(ctx, "entity-1")
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeStructuralCorruption))
	assert.Equal(t, 1, proposer.callCount())
}

func TestIntegrateMessages_ForwardPointerIsStamped(t *testing.T) {
	ctx := context.Background()

	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) {
			return &ports.Proposal{Operations: []entities.Operation{createOp("n2", "next")}}, nil
		},
	}}
	fx := newFixture(t, proposer, IntegrationConfig{})

	prior := seedVersion(t, fx.store, "entity-1", map[string][]string{"n1": nil})
	appendDelivered(t, fx.store, "entity-1", "msg", nil)

	require.NoError(t, fx.service.IntegrateMessages(ctx, "entity-1"))

	rec, err := fx.store.Get(ctx, "entity-1")
	require.NoError(t, err)
	superseded, err := fx.store.Load(ctx, "entity-1", prior.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.CurrentVersionID, superseded.NextVersionID)
}

func TestCompactIfNeeded_UnderBudgetDoesNothing(t *testing.T) {
	ctx := context.Background()
	proposer := &scriptedProposer{
		script: []func(ports.ProposalRequest) (*ports.Proposal, error){
			func(req ports.ProposalRequest) (*ports.Proposal, error) {
				t.Fatal("proposer must not be called under budget")
				return nil, nil
			},
		},
		tokenFn: func(text string) int { return 10 },
	}
	fx := newFixture(t, proposer, IntegrationConfig{TokenBudget: 100})

	seedVersion(t, fx.store, "entity-1", map[string][]string{"n1": nil})
	require.NoError(t, fx.service.CompactIfNeeded(ctx, "entity-1"))
	assert.Zero(t, proposer.callCount())
}

func TestCompactIfNeeded_ShrinksOverBudgetGraph(t *testing.T) {
	ctx := context.Background()

	// over budget until the graph drops below three nodes
	proposer := &scriptedProposer{
		script: []func(ports.ProposalRequest) (*ports.Proposal, error){
			func(req ports.ProposalRequest) (*ports.Proposal, error) {
				require.True(t, req.Compact, "compaction proposals must set the flag")
				return &ports.Proposal{
					Reasoning:  "merging redundant conclusions",
					Operations: []entities.Operation{deleteOp("n1"), deleteOp("n2")},
				}, nil
			},
		},
		tokenFn: func(text string) int { return len(text) },
	}
	fx := newFixture(t, proposer, IntegrationConfig{TokenBudget: 60})

	seedVersion(t, fx.store, "entity-1", map[string][]string{"n1": nil, "n2": nil, "n3": nil, "n4": nil})

	require.NoError(t, fx.service.CompactIfNeeded(ctx, "entity-1"))
	require.GreaterOrEqual(t, proposer.callCount(), 1)

	rec, err := fx.store.Get(ctx, "entity-1")
	require.NoError(t, err)
	graph, err := fx.store.Load(ctx, "entity-1", rec.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, 2, graph.NodeCount())

	// every round's audit carries the final version id
	audits, err := fx.store.ListByEntity(ctx, "entity-1", 10)
	require.NoError(t, err)
	for _, a := range audits {
		assert.Equal(t, rec.CurrentVersionID, a.FinalVersionID)
	}

	require.Len(t, fx.publisher.byType("graph.compacted"), 1)
}

func TestCompactIfNeeded_NoCurrentVersionIsNoop(t *testing.T) {
	proposer := &scriptedProposer{script: []func(ports.ProposalRequest) (*ports.Proposal, error){
		func(req ports.ProposalRequest) (*ports.Proposal, error) { return &ports.Proposal{}, nil },
	}}
	fx := newFixture(t, proposer, IntegrationConfig{TokenBudget: 1})

	require.NoError(t, fx.service.CompactIfNeeded(context.Background(), "entity-1"))
	assert.Zero(t, proposer.callCount())
}
