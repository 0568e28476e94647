// Package main is the entrypoint for the billing event worker Lambda.
//
// The worker consumes provider billing events from the billing SQS queue and
// applies them through the reconciliation engine. Delivery semantics follow
// the engine's error contract: domain outcomes (duplicate, stale, conflict,
// rejected) acknowledge the message, because a redelivery would produce the
// same outcome; persistence failures report the message in the partial batch
// response so SQS redelivers it.
//
// Cold start:
//  1. Load configuration and initialize the structured logger.
//  2. Connect the Postgres pool and load the plan catalog.
//  3. Initialize the CloudWatch metrics emitter.
//  4. Build the reconciliation engine and register the Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"foliobase/internal/catalog"
	"foliobase/internal/config"
	"foliobase/internal/db"
	"foliobase/internal/metrics"
	"foliobase/internal/reconcile"
	"foliobase/internal/types"
)

// eventApplier is the slice of the reconciliation engine the worker needs.
// Satisfied by *reconcile.Engine.
type eventApplier interface {
	ApplyEvent(ctx context.Context, event types.BillingEvent) (types.ApplyResult, error)
}

// Handler holds the dependencies for the event worker Lambda handler.
type Handler struct {
	engine         eventApplier
	catalogStore   *catalog.Store
	reloadInterval time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	lastReload time.Time
}

// Handle processes one SQS batch of billing events. Messages that fail to
// persist are returned in batchItemFailures so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	h.maybeReloadCatalog(ctx)

	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process billing event message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage applies a single billing event. A nil return acknowledges
// the message.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var event types.BillingEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		h.logger.Error("failed to unmarshal billing event, dropping message",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure: a redelivery cannot fix the payload.
		return nil
	}

	result, err := h.engine.ApplyEvent(ctx, event)
	if err != nil {
		// Persistence failure: report for redelivery.
		return fmt.Errorf("apply event %s seq %d: %w", event.ProviderID, event.Sequence, err)
	}

	if result.Err != nil {
		h.logger.Warn("billing event not applied",
			"message_id", record.MessageId,
			"provider_id", result.ProviderID,
			"sequence", result.Sequence,
			"outcome", string(result.Outcome),
			"error", result.Err,
		)
		return nil
	}

	h.logger.Info("billing event processed",
		"provider_id", result.ProviderID,
		"sequence", result.Sequence,
		"outcome", string(result.Outcome),
	)
	return nil
}

// maybeReloadCatalog refreshes the plan catalog when the cold-start load has
// gone stale. A failed reload keeps the previous catalog active.
func (h *Handler) maybeReloadCatalog(ctx context.Context) {
	if h.reloadInterval <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastReload) < h.reloadInterval {
		return
	}

	if err := h.catalogStore.Reload(ctx); err != nil {
		h.logger.Error("plan catalog reload failed, keeping previous catalog",
			"error", err,
		)
		return
	}
	h.lastReload = time.Now()
}

func main() {
	handler, err := newHandler(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

func newHandler(ctx context.Context) (*Handler, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		"service", cfg.Service,
		"component", "event-worker",
	)

	pool, err := db.NewPool(ctx, db.PoolSettings{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	catalogStore := catalog.NewStore(db.NewCatalogRepo(pool))
	if err := catalogStore.Reload(ctx); err != nil {
		return nil, fmt.Errorf("loading plan catalog: %w", err)
	}

	var emitter reconcile.Metrics
	if cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		emitter = metrics.NewCloudWatchEmitter(cwClient, cfg.Metrics.Namespace, logger)
	}

	engine := reconcile.NewEngine(
		db.NewPgUnitOfWork(pool, logger),
		catalogStore,
		emitter,
		logger,
		cfg.Reconcile.GraceWindow,
	)

	return &Handler{
		engine:         engine,
		catalogStore:   catalogStore,
		reloadInterval: cfg.Reconcile.CatalogReloadInterval,
		logger:         logger,
		lastReload:     time.Now(),
	}, nil
}
