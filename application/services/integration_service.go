package services

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"qualia-backend/application/locking"
	"qualia-backend/application/ports"
	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
	"qualia-backend/domain/events"
	"qualia-backend/domain/mutation"
	pkgerrors "qualia-backend/pkg/errors"
	"qualia-backend/pkg/observability"
)

// Rejection reasons published on IntegrationRejected events.
const (
	RejectReasonRetriesExhausted     = "retries_exhausted"
	RejectReasonIntegrityGuard       = "integrity_guard"
	RejectReasonStructuralCorruption = "structural_corruption"
)

// integrityGuardMinNodes is the graph size below which the shrink guard
// does not apply; small graphs legitimately lose most of their nodes.
const integrityGuardMinNodes = 10

const tokenCacheSize = 512

// IntegrationConfig tunes one service instance.
type IntegrationConfig struct {
	// MaxProposalRetries bounds how many times a rejected proposal is
	// re-requested with the error appended before the cycle gives up.
	MaxProposalRetries int

	// LockDuration is how long an integration cycle may hold the
	// entity's lock before it is considered expired.
	LockDuration time.Duration

	// TokenBudget is the serialized-graph size, in model tokens, above
	// which compaction kicks in.
	TokenBudget int

	// MaxCompactionRounds bounds how many shrink proposals one
	// compaction run may chain.
	MaxCompactionRounds int
}

// DefaultIntegrationConfig returns the production defaults.
func DefaultIntegrationConfig() IntegrationConfig {
	return IntegrationConfig{
		MaxProposalRetries:  5,
		LockDuration:        2 * time.Minute,
		TokenBudget:         8000,
		MaxCompactionRounds: 4,
	}
}

// IntegrationService orchestrates the full integration cycle for an
// entity: take the lock, ask the model collaborator for an edit batch,
// validate it, retry with the error on rejection, and commit the
// surviving version in a single transaction. It also shrinks graphs
// that have outgrown the model's context budget.
type IntegrationService struct {
	locks     *locking.Manager
	entities  ports.EntityRepository
	versions  ports.VersionRepository
	messages  ports.MessageRepository
	audits    ports.AuditRepository
	store     ports.IntegrationStore
	proposer  ports.Proposer
	publisher ports.EventPublisher
	logger    *zap.Logger
	config    IntegrationConfig
	metrics   *observability.Metrics

	// tokenCounts memoizes per-version token estimates; versions are
	// immutable so entries never go stale.
	tokenCounts *lru.Cache[string, int]
}

// SetMetrics attaches Prometheus collectors; without it the service
// runs unmetered.
func (s *IntegrationService) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func NewIntegrationService(
	locks *locking.Manager,
	entities ports.EntityRepository,
	versions ports.VersionRepository,
	messages ports.MessageRepository,
	audits ports.AuditRepository,
	store ports.IntegrationStore,
	proposer ports.Proposer,
	publisher ports.EventPublisher,
	logger *zap.Logger,
	config IntegrationConfig,
) *IntegrationService {
	if config.MaxProposalRetries <= 0 {
		config.MaxProposalRetries = DefaultIntegrationConfig().MaxProposalRetries
	}
	if config.LockDuration <= 0 {
		config.LockDuration = DefaultIntegrationConfig().LockDuration
	}
	if config.MaxCompactionRounds <= 0 {
		config.MaxCompactionRounds = DefaultIntegrationConfig().MaxCompactionRounds
	}
	cache, _ := lru.New[string, int](tokenCacheSize)
	return &IntegrationService{
		locks:       locks,
		entities:    entities,
		versions:    versions,
		messages:    messages,
		audits:      audits,
		store:       store,
		proposer:    proposer,
		publisher:   publisher,
		logger:      logger,
		config:      config,
		tokenCounts: cache,
	}
}

// IntegrateMessages folds the entity's pending messages into its graph.
// A contended lock is a normal outcome and returns nil: whoever holds
// the lock will pick the messages up, and the dispatcher's sweep covers
// the rest.
func (s *IntegrationService) IntegrateMessages(ctx context.Context, entityID string) error {
	pending, err := s.messages.ListUnacknowledged(ctx, entityID)
	if err != nil {
		return pkgerrors.Wrap(err, "listing pending messages")
	}
	if len(pending) == 0 {
		return nil
	}

	ran, err := s.locks.RunExclusive(ctx, entityID, s.config.LockDuration, nil, func(ctx context.Context) error {
		return s.integrateLocked(ctx, entityID)
	})
	if !ran && err == nil {
		s.logger.Debug("Entity locked elsewhere, skipping integration",
			zap.String("entity_id", entityID))
	}
	return err
}

func (s *IntegrationService) integrateLocked(ctx context.Context, entityID string) error {
	started := time.Now()

	// Re-read under the lock: another holder may have integrated these
	// messages between the short-circuit check and lock acquisition.
	pending, err := s.messages.ListUnacknowledged(ctx, entityID)
	if err != nil {
		return pkgerrors.Wrap(err, "listing pending messages")
	}
	if len(pending) == 0 {
		return nil
	}

	record, graph, err := s.loadCurrent(ctx, entityID)
	if err != nil {
		return err
	}

	outcome, err := s.proposeUntilValid(ctx, proposeParams{
		entityID: entityID,
		graph:    graph,
		messages: pending,
	})
	if err != nil {
		s.countCycle("rejected")
		return err
	}

	commit := ports.IntegrationCommit{
		EntityID:       entityID,
		OwnerID:        s.locks.OwnerID(),
		PriorVersionID: record.CurrentVersionID,
		NewVersion:     outcome.version,
		AckMessageIDs:  messageIDs(pending),
		BalanceDelta:   balanceDelta(pending),
		AuditID:        outcome.auditID,
	}
	if err := s.store.CommitIntegration(ctx, commit); err != nil {
		s.countCycle("commit_failed")
		return pkgerrors.Wrap(err, "committing integration")
	}

	if s.metrics != nil {
		s.metrics.IntegrationDuration.Observe(time.Since(started).Seconds())
		s.metrics.GraphNodes.Observe(float64(outcome.version.NodeCount()))
	}
	s.countCycle("committed")

	s.stampForwardPointer(ctx, entityID, record.CurrentVersionID, outcome.version.ID)
	s.publish(ctx, events.NewGraphIntegrated(
		entityID, record.CurrentVersionID, outcome.version.ID,
		len(pending), outcome.version.NodeCount(), outcome.attempts))

	s.logger.Info("Integrated messages",
		zap.String("entity_id", entityID),
		zap.String("version_id", outcome.version.ID),
		zap.Int("messages", len(pending)),
		zap.Int("attempts", outcome.attempts))
	return nil
}

// CompactIfNeeded estimates the current graph's token cost and runs a
// compaction cycle when it exceeds the budget.
func (s *IntegrationService) CompactIfNeeded(ctx context.Context, entityID string) error {
	record, err := s.entities.Get(ctx, entityID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if record.CurrentVersionID == "" {
		return nil
	}

	graph, err := s.versions.Load(ctx, entityID, record.CurrentVersionID)
	if err != nil {
		return pkgerrors.Wrap(err, "loading current version")
	}
	tokens, err := s.tokenEstimate(ctx, graph)
	if err != nil {
		return err
	}
	if tokens <= s.config.TokenBudget {
		return nil
	}
	return s.Compact(ctx, entityID)
}

// Compact chains shrink proposals until the graph fits the token budget
// or the round bound is hit, committing each round as its own version.
// Every intermediate audit record is stamped with the version the run
// finally settled on.
func (s *IntegrationService) Compact(ctx context.Context, entityID string) error {
	ran, err := s.locks.RunExclusive(ctx, entityID, s.config.LockDuration, nil, func(ctx context.Context) error {
		return s.compactLocked(ctx, entityID)
	})
	if !ran && err == nil {
		s.logger.Debug("Entity locked elsewhere, skipping compaction",
			zap.String("entity_id", entityID))
	}
	return err
}

func (s *IntegrationService) compactLocked(ctx context.Context, entityID string) error {
	record, graph, err := s.loadCurrent(ctx, entityID)
	if err != nil {
		return err
	}
	if record.CurrentVersionID == "" {
		return nil
	}

	tokens, err := s.tokenEstimate(ctx, graph)
	if err != nil {
		return err
	}

	var auditIDs []string
	rounds := 0
	priorVersionID := record.CurrentVersionID

	for tokens > s.config.TokenBudget && rounds < s.config.MaxCompactionRounds {
		outcome, err := s.proposeUntilValid(ctx, proposeParams{
			entityID: entityID,
			graph:    graph,
			compact:  true,
		})
		if err != nil {
			return err
		}

		commit := ports.IntegrationCommit{
			EntityID:       entityID,
			OwnerID:        s.locks.OwnerID(),
			PriorVersionID: priorVersionID,
			NewVersion:     outcome.version,
			AuditID:        outcome.auditID,
		}
		if err := s.store.CommitIntegration(ctx, commit); err != nil {
			return pkgerrors.Wrap(err, "committing compaction round")
		}
		s.stampForwardPointer(ctx, entityID, priorVersionID, outcome.version.ID)

		auditIDs = append(auditIDs, outcome.auditID)
		priorVersionID = outcome.version.ID
		graph = outcome.version
		rounds++
		if s.metrics != nil {
			s.metrics.CompactionRounds.Inc()
		}

		tokens, err = s.tokenEstimate(ctx, graph)
		if err != nil {
			return err
		}
	}

	if rounds == 0 {
		return nil
	}

	if err := s.audits.StampFinalVersion(ctx, auditIDs, priorVersionID); err != nil {
		s.logger.Warn("Failed to stamp final version on compaction audits",
			zap.String("entity_id", entityID), zap.Error(err))
	}
	s.publish(ctx, events.NewGraphCompacted(entityID, priorVersionID, rounds, tokens))

	s.logger.Info("Compacted graph",
		zap.String("entity_id", entityID),
		zap.String("final_version_id", priorVersionID),
		zap.Int("rounds", rounds),
		zap.Int("tokens", tokens))
	return nil
}

type proposeParams struct {
	entityID string
	graph    *aggregates.GraphVersion
	messages []*entities.PendingMessage
	compact  bool
}

type proposeOutcome struct {
	version  *aggregates.GraphVersion
	auditID  string
	attempts int
}

// proposeUntilValid runs the propose/validate loop: each rejected batch
// is retried with the rejection text appended so the model can correct
// itself, up to the configured bound. Structural corruption of the
// input graph is never retried, and integration runs refuse batches
// that erase more than half of a non-trivial graph.
func (s *IntegrationService) proposeUntilValid(ctx context.Context, p proposeParams) (*proposeOutcome, error) {
	serialized := mutation.Serialize(p.graph)
	priorError := ""
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxProposalRetries; attempt++ {
		if s.metrics != nil {
			s.metrics.ProposalAttempts.Inc()
		}
		proposal, err := s.proposer.Propose(ctx, ports.ProposalRequest{
			EntityID:        p.entityID,
			SerializedGraph: serialized,
			Messages:        p.messages,
			PriorError:      priorError,
			Compact:         p.compact,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "requesting proposal")
		}

		// The audit record lands before the batch is applied, so a
		// crash mid-apply still leaves a trace of what was attempted.
		audit := entities.NewAuditRecord(
			p.entityID, p.graph.ID, proposal.Reasoning,
			proposal.Operations, messageIDs(p.messages))
		if err := s.audits.Record(ctx, audit); err != nil {
			return nil, pkgerrors.Wrap(err, "recording audit")
		}

		next, applyErr := mutation.Apply(p.graph, proposal.Operations)
		if applyErr != nil {
			var validationErr *mutation.ValidationError
			if errors.As(applyErr, &validationErr) {
				s.countRejection("validation")
				s.recordFailure(ctx, audit.ID, validationErr.Error())
				priorError = validationErr.Error()
				lastErr = validationErr
				s.logger.Warn("Proposal rejected by validation",
					zap.String("entity_id", p.entityID),
					zap.Int("attempt", attempt),
					zap.Strings("problems", validationErr.Problems))
				continue
			}
			// Corruption of the stored graph: retrying cannot help.
			s.countRejection(RejectReasonStructuralCorruption)
			s.recordFailure(ctx, audit.ID, applyErr.Error())
			s.publish(ctx, events.NewIntegrationRejected(p.entityID, RejectReasonStructuralCorruption, applyErr.Error()))
			return nil, applyErr
		}

		if path := mutation.DetectCycles(next); path != nil {
			cycleErr := &mutation.CycleError{Path: path}
			s.countRejection("cycle")
			s.recordFailure(ctx, audit.ID, cycleErr.Error())
			priorError = cycleErr.Error()
			lastErr = cycleErr
			s.logger.Warn("Proposal rejected, introduces cycle",
				zap.String("entity_id", p.entityID),
				zap.Int("attempt", attempt),
				zap.Strings("cycle", path))
			continue
		}

		if !p.compact && p.graph.NodeCount() > integrityGuardMinNodes && next.NodeCount() < p.graph.NodeCount()/2 {
			guardErr := pkgerrors.NewIntegrityGuardError(p.entityID, p.graph.NodeCount(), next.NodeCount())
			s.countRejection(RejectReasonIntegrityGuard)
			s.recordFailure(ctx, audit.ID, guardErr.Error())
			s.publish(ctx, events.NewIntegrationRejected(p.entityID, RejectReasonIntegrityGuard, guardErr.Error()))
			return nil, guardErr
		}

		return &proposeOutcome{version: next, auditID: audit.ID, attempts: attempt}, nil
	}

	s.countRejection(RejectReasonRetriesExhausted)
	exhausted := pkgerrors.NewRetriesExhaustedError(p.entityID, s.config.MaxProposalRetries, lastErr)
	s.publish(ctx, events.NewIntegrationRejected(p.entityID, RejectReasonRetriesExhausted, exhausted.Error()))
	return nil, exhausted
}

func (s *IntegrationService) loadCurrent(ctx context.Context, entityID string) (*entities.EntityRecord, *aggregates.GraphVersion, error) {
	record, err := s.entities.GetOrCreate(ctx, entityID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "loading entity record")
	}
	if record.CurrentVersionID == "" {
		return record, aggregates.NewGraphVersion(entityID), nil
	}
	graph, err := s.versions.Load(ctx, entityID, record.CurrentVersionID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "loading current version")
	}
	return record, graph, nil
}

func (s *IntegrationService) tokenEstimate(ctx context.Context, graph *aggregates.GraphVersion) (int, error) {
	if tokens, ok := s.tokenCounts.Get(graph.ID); ok {
		return tokens, nil
	}
	tokens, err := s.proposer.CountTokens(ctx, mutation.Serialize(graph))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "counting tokens")
	}
	s.tokenCounts.Add(graph.ID, tokens)
	if s.metrics != nil {
		s.metrics.ProposerTokensCounted.Add(float64(tokens))
	}
	return tokens, nil
}

// stampForwardPointer is best-effort chain maintenance; the entity's
// current pointer is the only authoritative link.
func (s *IntegrationService) stampForwardPointer(ctx context.Context, entityID, priorVersionID, nextVersionID string) {
	if priorVersionID == "" {
		return
	}
	if err := s.versions.SetNextVersion(ctx, entityID, priorVersionID, nextVersionID); err != nil {
		s.logger.Warn("Failed to stamp forward pointer",
			zap.String("entity_id", entityID),
			zap.String("version_id", priorVersionID),
			zap.Error(err))
	}
}

func (s *IntegrationService) countCycle(outcome string) {
	if s.metrics != nil {
		s.metrics.IntegrationCycles.WithLabelValues(outcome).Inc()
	}
}

func (s *IntegrationService) countRejection(reason string) {
	if s.metrics != nil {
		s.metrics.ProposalRejections.WithLabelValues(reason).Inc()
	}
}

func (s *IntegrationService) recordFailure(ctx context.Context, auditID, errorText string) {
	if err := s.audits.RecordFailure(ctx, auditID, errorText); err != nil {
		s.logger.Warn("Failed to record audit failure", zap.String("audit_id", auditID), zap.Error(err))
	}
}

func (s *IntegrationService) publish(ctx context.Context, event events.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", event.GetEventType()), zap.Error(err))
	}
}

func messageIDs(messages []*entities.PendingMessage) []string {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func balanceDelta(messages []*entities.PendingMessage) int64 {
	var total int64
	for _, m := range messages {
		if m.Amount != nil {
			total += *m.Amount
		}
	}
	return total
}
