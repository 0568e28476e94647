// Package main implements the event-enqueue CLI tool for re-injecting
// billing events into the billing SQS queue consumed by the event worker.
//
// This tool is used during incident recovery: events recovered from provider
// exports or archived webhook deliveries are written to a JSON Lines file
// (one billing event per line) and enqueued for normal processing. The
// engine's sequence guards make re-injection of already-applied events a
// no-op, so the file does not need to be deduplicated first.
//
// Usage:
//
//	go run ./cmd/tools/event-enqueue --file=recovered-events.jsonl
//	go run ./cmd/tools/event-enqueue --file=events.jsonl --dry-run
//
// The queue URL comes from SQS_BILLING_EVENTS (or a .env file via godotenv).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"foliobase/internal/config"
	"foliobase/internal/external"
	"foliobase/internal/types"
)

func main() {
	filePath := flag.String("file", "", "JSON Lines file with one billing event per line")
	dryRun := flag.Bool("dry-run", false, "parse and validate the file without enqueuing")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: event-enqueue --file=<events.jsonl> [--dry-run]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*filePath, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(filePath string, dryRun bool) error {
	events, err := readEvents(filePath)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%s contains no events", filePath)
	}

	fmt.Printf("parsed %d events from %s\n", len(events), filePath)
	if dryRun {
		for _, e := range events {
			fmt.Printf("  %s %s seq=%d occurred_at=%s\n",
				e.Type, e.ProviderID, e.Sequence, e.OccurredAt.UTC().Format(time.RFC3339))
		}
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.AWS.EventQueueURL == "" {
		return fmt.Errorf("SQS_BILLING_EVENTS is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	publisher := external.NewEventPublisher(client, cfg.AWS.EventQueueURL, logger)

	sent, err := publisher.PublishBatch(ctx, events)
	if err != nil {
		return fmt.Errorf("enqueued %d of %d events: %w", sent, len(events), err)
	}

	fmt.Printf("enqueued %d events to %s\n", sent, cfg.AWS.EventQueueURL)
	return nil
}

// readEvents parses a JSON Lines file of billing events. Blank lines are
// skipped; any malformed line aborts the run so a typo cannot silently drop
// part of a recovery batch.
func readEvents(filePath string) ([]types.BillingEvent, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer f.Close()

	var events []types.BillingEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event types.BillingEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}

	return events, nil
}
