package di

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"qualia-backend/application/batch"
	"qualia-backend/application/locking"
	"qualia-backend/application/services"
	"qualia-backend/infrastructure/config"
	"qualia-backend/infrastructure/persistence/dynamodb"
)

// Container holds the fully wired application graph for the worker
// binary
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	Locks      *locking.Manager
	Service    *services.IntegrationService
	Dispatcher *batch.Dispatcher
	Router     http.Handler
}

// Build assembles the production container: DynamoDB persistence,
// EventBridge events and the OpenAI proposer.
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}

	awsCfg, err := ProvideAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dynamoClient := ProvideDynamoDBClient(awsCfg)
	eventBridgeClient := ProvideEventBridgeClient(awsCfg)

	// Production tables are provisioned out of band; local runs create
	// their own.
	if cfg.IsDevelopment() {
		if err := dynamodb.EnsureTable(ctx, dynamoClient, cfg.DynamoDBTable, logger); err != nil {
			return nil, err
		}
	}

	entityRepo := ProvideEntityRepository(dynamoClient, cfg, logger)
	versionRepo := ProvideVersionRepository(dynamoClient, cfg)
	messageRepo := ProvideMessageRepository(dynamoClient, cfg, logger)
	auditRepo := ProvideAuditRepository(dynamoClient, cfg, logger)
	store := ProvideIntegrationStore(dynamoClient, cfg, logger)
	presenceStore := ProvidePresenceStore(dynamoClient, cfg, logger)
	publisher := ProvideEventPublisher(eventBridgeClient, cfg, logger)

	proposer, err := ProvideProposer(cfg, logger)
	if err != nil {
		return nil, err
	}

	locks := ProvideLockManager(entityRepo, presenceStore, logger)
	service := ProvideIntegrationService(
		locks, entityRepo, versionRepo, messageRepo, auditRepo,
		store, proposer, publisher, cfg, logger,
	)
	dispatcher := ProvideDispatcher(messageRepo, service, logger)

	c := &Container{
		Config:     cfg,
		Logger:     logger,
		Locks:      locks,
		Service:    service,
		Dispatcher: dispatcher,
		Router: ProvideRouter(
			entityRepo, versionRepo, messageRepo, auditRepo,
			dispatcher, service, logger,
		),
	}

	if cfg.EnableMetrics {
		metrics, registry := ProvideMetrics()
		c.Registry = registry
		locks.SetMetrics(metrics)
		service.SetMetrics(metrics)
		dispatcher.SetMetrics(metrics)
	}

	return c, nil
}
