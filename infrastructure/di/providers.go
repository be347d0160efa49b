package di

import (
	"context"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"qualia-backend/application/batch"
	"qualia-backend/application/locking"
	"qualia-backend/application/ports"
	"qualia-backend/application/services"
	"qualia-backend/infrastructure/config"
	"qualia-backend/infrastructure/llm"
	"qualia-backend/infrastructure/messaging/eventbridge"
	"qualia-backend/infrastructure/persistence/dynamodb"
	"qualia-backend/infrastructure/presence"
	"qualia-backend/interfaces/http/rest"
	"qualia-backend/interfaces/http/rest/handlers"
	"qualia-backend/pkg/observability"
)

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideEntityRepository creates the entity record repository
func ProvideEntityRepository(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.EntityRepository {
	return dynamodb.NewEntityRepository(client, cfg.DynamoDBTable, logger)
}

// ProvideVersionRepository creates the graph version repository
func ProvideVersionRepository(client *awsdynamodb.Client, cfg *config.Config) *dynamodb.VersionRepository {
	return dynamodb.NewVersionRepository(client, cfg.DynamoDBTable)
}

// ProvideMessageRepository creates the pending message repository
func ProvideMessageRepository(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.MessageRepository {
	return dynamodb.NewMessageRepository(client, cfg.DynamoDBTable, logger)
}

// ProvideAuditRepository creates the audit record repository
func ProvideAuditRepository(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.AuditRepository {
	return dynamodb.NewAuditRepository(client, cfg.DynamoDBTable, logger)
}

// ProvideIntegrationStore creates the transactional commit store
func ProvideIntegrationStore(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.IntegrationStore {
	return dynamodb.NewIntegrationStore(client, cfg.DynamoDBTable, logger)
}

// ProvidePresenceStore creates the heartbeat-backed presence store
func ProvidePresenceStore(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *presence.DynamoStore {
	return presence.NewDynamoStore(client, cfg.DynamoDBTable, logger)
}

// ProvideEventPublisher creates the EventBridge publisher
func ProvideEventPublisher(client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideProposer creates the generative proposer, paced to the
// configured request rate. Every caller shares the same limiter so the
// rate bound holds process-wide.
func ProvideProposer(cfg *config.Config, logger *zap.Logger) (ports.Proposer, error) {
	inner, err := llm.NewOpenAIProposer(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
	if err != nil {
		return nil, err
	}
	limiter := batch.NewRateLimiter(cfg.RequestsPerMinute)
	return batch.NewPacedProposer(inner, limiter), nil
}

// ProvideLockManager creates the cross-process lock manager with a
// fresh process identity
func ProvideLockManager(entityRepo ports.EntityRepository, pres ports.PresenceStore, logger *zap.Logger) *locking.Manager {
	return locking.NewManager(entityRepo, pres, locking.NewIdentity(), logger)
}

// ProvideIntegrationService wires the integration pipeline
func ProvideIntegrationService(
	locks *locking.Manager,
	entityRepo ports.EntityRepository,
	versionRepo ports.VersionRepository,
	messageRepo ports.MessageRepository,
	auditRepo ports.AuditRepository,
	store ports.IntegrationStore,
	proposer ports.Proposer,
	publisher ports.EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *services.IntegrationService {
	return services.NewIntegrationService(
		locks,
		entityRepo,
		versionRepo,
		messageRepo,
		auditRepo,
		store,
		proposer,
		publisher,
		logger,
		services.IntegrationConfig{
			MaxProposalRetries:  cfg.MaxProposalRetries,
			LockDuration:        cfg.LockDuration,
			TokenBudget:         cfg.TokenBudget,
			MaxCompactionRounds: cfg.MaxCompactionRounds,
		},
	)
}

// ProvideDispatcher creates the per-entity delivery dispatcher
func ProvideDispatcher(messageRepo ports.MessageRepository, integrator batch.Integrator, logger *zap.Logger) *batch.Dispatcher {
	return batch.NewDispatcher(messageRepo, integrator, logger)
}

// ProvideMetrics registers the metric bundle on a fresh registry
func ProvideMetrics() (*observability.Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return observability.NewMetrics(registry), registry
}

// ProvideRouter wires the HTTP API surface
func ProvideRouter(
	entityRepo ports.EntityRepository,
	versionRepo ports.VersionRepository,
	messageRepo ports.MessageRepository,
	auditRepo ports.AuditRepository,
	dispatcher *batch.Dispatcher,
	service *services.IntegrationService,
	logger *zap.Logger,
) http.Handler {
	handler := handlers.NewEntityHandler(
		entityRepo,
		versionRepo,
		messageRepo,
		auditRepo,
		dispatcher,
		service,
		logger,
	)
	return rest.NewRouter(handler, logger)
}
