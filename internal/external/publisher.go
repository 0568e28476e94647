package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"foliobase/internal/types"
)

// SQSAPI abstracts the SQS SendMessage operation for testability.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventPublisher enqueues billing events onto the billing SQS queue consumed
// by the event worker. Used by operational tooling to re-inject events
// recovered from provider exports or archived deliveries; the worker's
// sequence guards make re-injection of already-applied events harmless.
type EventPublisher struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher for the given queue URL.
func NewEventPublisher(client SQSAPI, queueURL string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish enqueues a single billing event as a JSON message body.
func (p *EventPublisher) Publish(ctx context.Context, event types.BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal billing event", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
			"failed to enqueue billing event", err,
			map[string]any{
				"provider_id": event.ProviderID,
				"sequence":    event.Sequence,
			})
	}

	p.logger.Debug("billing event enqueued",
		"provider_id", event.ProviderID,
		"sequence", event.Sequence,
		"type", string(event.Type),
	)
	return nil
}

// PublishBatch enqueues the events one at a time, stopping at the first
// failure and reporting how many were enqueued before it.
func (p *EventPublisher) PublishBatch(ctx context.Context, events []types.BillingEvent) (int, error) {
	for i, event := range events {
		if err := p.Publish(ctx, event); err != nil {
			return i, fmt.Errorf("publishing event %d of %d: %w", i+1, len(events), err)
		}
	}
	return len(events), nil
}
