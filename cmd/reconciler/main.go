// Package main is the entrypoint for the snapshot reconciliation job.
//
// The job fetches a full dump of provider-side subscription state, optionally
// archives it as a compressed file, and feeds it through the reconciliation
// engine's snapshot path to correct drift from missed events. It runs on a
// schedule inside AWS Lambda, or as a one-shot process locally.
//
// With -replay, the job skips the provider fetch and applies a previously
// archived snapshot dump instead, which is how drift incidents are
// reproduced against a restored database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"foliobase/internal/catalog"
	"foliobase/internal/config"
	"foliobase/internal/db"
	"foliobase/internal/external"
	"foliobase/internal/metrics"
	"foliobase/internal/reconcile"
	"foliobase/internal/types"
)

// fetchTimeout bounds the provider snapshot fetch; a full dump pages through
// every status stream and can take a while on large accounts.
const fetchTimeout = 5 * time.Minute

// Job holds the dependencies of one snapshot reconciliation pass.
type Job struct {
	engine     *reconcile.Engine
	client     *external.SnapshotClient
	dumpDir    string
	replayPath string
	logger     *slog.Logger
}

// Run executes a single snapshot pass: obtain the snapshot (fetch or
// replay), optionally archive it, apply it, and log the report.
func (j *Job) Run(ctx context.Context) error {
	snap, err := j.obtainSnapshot(ctx)
	if err != nil {
		return err
	}

	j.logger.Info("snapshot obtained",
		"taken_at", snap.TakenAt,
		"subscriptions", len(snap.Subscriptions),
		"partial", snap.Partial,
	)

	if j.dumpDir != "" && j.replayPath == "" {
		path := filepath.Join(j.dumpDir,
			fmt.Sprintf("snapshot-%s.json.zst", snap.TakenAt.UTC().Format("20060102T150405Z")))
		if err := external.WriteSnapshotFile(path, snap); err != nil {
			// Archival is best-effort; the reconciliation pass still runs.
			j.logger.Error("failed to archive snapshot dump",
				"path", path,
				"error", err,
			)
		} else {
			j.logger.Info("snapshot dump archived", "path", path)
		}
	}

	report, err := j.engine.ApplySnapshot(ctx, *snap)
	if err != nil {
		return fmt.Errorf("applying snapshot: %w", err)
	}

	j.logger.Info("snapshot reconciliation completed",
		"overwritten", report.Overwritten,
		"created", report.Created,
		"behind", report.Behind,
		"rejected", report.Rejected,
		"missing_locally", len(report.MissingLocally),
	)
	for _, id := range report.MissingLocally {
		j.logger.Warn("subscription missing from provider snapshot beyond grace window",
			"provider_subscription_id", id,
		)
	}

	return nil
}

func (j *Job) obtainSnapshot(ctx context.Context) (*types.ProviderSnapshot, error) {
	if j.replayPath != "" {
		snap, err := external.ReadSnapshotFile(j.replayPath)
		if err != nil {
			return nil, fmt.Errorf("reading snapshot dump %s: %w", j.replayPath, err)
		}
		j.logger.Info("replaying archived snapshot", "path", j.replayPath)
		return snap, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	snap, err := j.client.FetchSnapshot(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetching provider snapshot: %w", err)
	}
	return snap, nil
}

func main() {
	replayPath := flag.String("replay", "", "apply an archived snapshot dump instead of fetching from the provider")
	flag.Parse()

	job, err := newJob(context.Background(), *replayPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if isLambdaEnvironment() {
		lambda.Start(func(ctx context.Context) error {
			return job.Run(ctx)
		})
		return
	}

	if err := job.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return ok
}

func newJob(ctx context.Context, replayPath string) (*Job, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		"service", cfg.Service,
		"component", "reconciler",
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

	client := external.NewSnapshotClient(
		&http.Client{Timeout: 30 * time.Second},
		external.SnapshotClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Logger:    logger,
		},
	)

	return &Job{
		engine:     engine,
		client:     client,
		dumpDir:    cfg.Reconcile.SnapshotDumpDir,
		replayPath: replayPath,
		logger:     logger,
	}, nil
}
