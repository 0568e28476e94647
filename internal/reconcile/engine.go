package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"foliobase/internal/catalog"
	"foliobase/internal/types"
)

// Metrics receives reconciliation outcome counts. Implemented by
// metrics.CloudWatchEmitter; the engine works with a no-op when nil.
type Metrics interface {
	RecordEventOutcome(ctx context.Context, outcome types.ApplyOutcome)
	RecordSnapshot(ctx context.Context, report types.SnapshotReport)
}

type nopMetrics struct{}

func (nopMetrics) RecordEventOutcome(context.Context, types.ApplyOutcome) {}
func (nopMetrics) RecordSnapshot(context.Context, types.SnapshotReport)  {}

// Engine folds billing events and provider snapshots into the local ledgers.
// It is the only writer of subscription and payment rows.
//
// Concurrency model: appliers for the same provider entity id serialize on a
// per-key mutex, and each apply runs in its own transaction with FOR UPDATE
// reads, so the sequence comparison and the subsequent write are atomic even
// across processes.
type Engine struct {
	uow     UnitOfWork
	catalog *catalog.Store
	locks   *keyLock
	metrics Metrics
	logger  *slog.Logger

	// graceWindow is how long a non-canceled row may go unmentioned by
	// complete snapshots before it is reported as missing locally.
	graceWindow time.Duration
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(uow UnitOfWork, cat *catalog.Store, metrics Metrics, logger *slog.Logger, graceWindow time.Duration) *Engine {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		uow:         uow,
		catalog:     cat,
		locks:       newKeyLock(),
		metrics:     metrics,
		logger:      logger,
		graceWindow: graceWindow,
	}
}

// ApplyEvent applies a single billing event. The returned ApplyResult always
// describes what happened; its Err field is set for rejected and conflict
// outcomes. The error return is reserved for persistence failures, where the
// event was neither applied nor classified and the caller should redeliver.
func (e *Engine) ApplyEvent(ctx context.Context, event types.BillingEvent) (types.ApplyResult, error) {
	result := types.ApplyResult{ProviderID: event.ProviderID, Sequence: event.Sequence}

	if err := validateEvent(event); err != nil {
		result.Outcome = types.OutcomeRejected
		result.Err = err
		e.logger.Warn("billing event rejected",
			slog.String("provider_id", event.ProviderID),
			slog.Int64("seq", event.Sequence),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordEventOutcome(ctx, result.Outcome)
		return result, nil
	}

	unlock := e.locks.Lock(event.ProviderID)
	defer unlock()

	err := e.uow.Within(ctx, func(s Stores) error {
		var applyErr error
		switch event.Type {
		case types.EventSubscriptionUpserted, types.EventSubscriptionCanceled:
			result.Outcome, applyErr = e.applySubscriptionEvent(ctx, s, event)
		case types.EventPaymentRecorded:
			result.Outcome, applyErr = e.applyPaymentEvent(ctx, s, event)
		}
		return applyErr
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case types.ErrCodePaymentConflict:
				result.Outcome = types.OutcomeConflict
				result.Err = err
				e.logger.Error("billing event conflicts with terminal payment status",
					slog.String("provider_id", event.ProviderID),
					slog.Int64("seq", event.Sequence),
				)
				e.metrics.RecordEventOutcome(ctx, result.Outcome)
				return result, nil
			case types.ErrCodeUnknownPrice, types.ErrCodeAmbiguousPlan, types.ErrCodeMalformedEvent:
				result.Outcome = types.OutcomeRejected
				result.Err = err
				e.logger.Warn("billing event rejected",
					slog.String("provider_id", event.ProviderID),
					slog.Int64("seq", event.Sequence),
					slog.String("error", err.Error()),
				)
				e.metrics.RecordEventOutcome(ctx, result.Outcome)
				return result, nil
			}
		}
		// Persistence failure: nothing was written, surface for redelivery.
		return result, err
	}

	switch result.Outcome {
	case types.OutcomeStale:
		// StaleEventIgnored: an older event arrived after a newer one was
		// applied. Expected under out-of-order delivery; logged for
		// observability, never an error.
		e.logger.Info("stale billing event ignored",
			slog.String("provider_id", event.ProviderID),
			slog.Int64("seq", event.Sequence),
		)
	case types.OutcomeDuplicate:
		e.logger.Debug("duplicate billing event",
			slog.String("provider_id", event.ProviderID),
			slog.Int64("seq", event.Sequence),
		)
	}
	e.metrics.RecordEventOutcome(ctx, result.Outcome)
	return result, nil
}

// ApplyBatch applies events in order, one transaction each. A persistence
// failure stops the batch; everything already applied stays applied, and the
// error identifies the failed event through the last result's ProviderID.
func (e *Engine) ApplyBatch(ctx context.Context, events []types.BillingEvent) ([]types.ApplyResult, error) {
	results := make([]types.ApplyResult, 0, len(events))
	for _, ev := range events {
		res, err := e.ApplyEvent(ctx, ev)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) applySubscriptionEvent(ctx context.Context, s Stores, event types.BillingEvent) (types.ApplyOutcome, error) {
	payload := event.Sub

	status := payload.Status
	if event.Type == types.EventSubscriptionCanceled {
		status = types.SubStatusCanceled
	}

	planKey, err := e.catalog.Current().ResolvePlan(payload.PriceID, event.OccurredAt)
	if err != nil {
		return types.OutcomeRejected, err
	}

	existing, err := s.Subscriptions.GetByProviderIDForUpdate(ctx, event.ProviderID)
	if err != nil {
		return "", err
	}

	// updated_at is the provider-reported occurrence time, not wall clock,
	// so redelivering the same event writes a byte-identical row.
	next := &types.Subscription{
		UserID:                 payload.UserID,
		PlanKey:                planKey,
		ProviderSubscriptionID: event.ProviderID,
		Status:                 status,
		CurrentPeriodStart:     payload.CurrentPeriodStart,
		CurrentPeriodEnd:       payload.CurrentPeriodEnd,
		UpdatedAt:              event.OccurredAt,
		ProviderEventSeq:       &event.Sequence,
	}

	if existing == nil {
		next.ID = uuid.NewString()
		if err := s.Subscriptions.Insert(ctx, next); err != nil {
			return "", err
		}
		return types.OutcomeCreated, nil
	}

	switch {
	case event.Sequence == existing.SeqOrZero() && existing.ProviderEventSeq != nil:
		return types.OutcomeDuplicate, nil
	case event.Sequence < existing.SeqOrZero():
		return types.OutcomeStale, nil
	}

	ok, err := s.Subscriptions.UpdateFromEvent(ctx, next, event.Sequence)
	if err != nil {
		return "", err
	}
	if !ok {
		// The SQL guard rejected a write the in-memory comparison admitted.
		// Only possible if another writer slipped in despite the locks;
		// classify as stale rather than failing the delivery.
		return types.OutcomeStale, nil
	}
	return types.OutcomeApplied, nil
}

func (e *Engine) applyPaymentEvent(ctx context.Context, s Stores, event types.BillingEvent) (types.ApplyOutcome, error) {
	payload := event.Payment

	existing, err := s.Payments.GetByProviderIDForUpdate(ctx, event.ProviderID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		subID, err := e.ensureSubscriptionForPayment(ctx, s, payload.ProviderSubscriptionID, event.OccurredAt)
		if err != nil {
			return "", err
		}
		p := &types.Payment{
			ID:                uuid.NewString(),
			SubscriptionID:    subID,
			ProviderPaymentID: event.ProviderID,
			AmountCents:       payload.AmountCents,
			Currency:          payload.Currency,
			Status:            payload.Status,
			CreatedAt:         event.OccurredAt,
			ProviderEventSeq:  event.Sequence,
		}
		if err := s.Payments.Insert(ctx, p); err != nil {
			return "", err
		}
		return types.OutcomeCreated, nil
	}

	switch {
	case event.Sequence == existing.ProviderEventSeq:
		return types.OutcomeDuplicate, nil
	case event.Sequence < existing.ProviderEventSeq:
		return types.OutcomeStale, nil
	}

	// Terminal statuses are immutable: a newer event may restate the same
	// status (advancing the sequence) but never contradict it.
	if existing.Status.IsTerminal() && payload.Status != existing.Status {
		return "", types.NewAppErrorWithDetails(types.ErrCodePaymentConflict,
			"event contradicts terminal payment status", nil,
			map[string]any{
				"provider_payment_id": event.ProviderID,
				"stored_status":       string(existing.Status),
				"event_status":        string(payload.Status),
				"event_seq":           event.Sequence,
			})
	}

	ok, err := s.Payments.UpdateStatus(ctx, event.ProviderID, payload.Status, event.Sequence)
	if err != nil {
		return "", err
	}
	if !ok {
		return types.OutcomeStale, nil
	}
	return types.OutcomeApplied, nil
}

// ensureSubscriptionForPayment returns the local id of the subscription a
// payment belongs to, synthesizing a placeholder row when the subscription
// event has not arrived yet. The placeholder carries no user, plan, or
// sequence; the real subscription event fills those in later regardless of
// arrival order.
func (e *Engine) ensureSubscriptionForPayment(ctx context.Context, s Stores, providerSubID string, occurredAt time.Time) (string, error) {
	existing, err := s.Subscriptions.GetByProviderIDForUpdate(ctx, providerSubID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	placeholder := &types.Subscription{
		ID:                     uuid.NewString(),
		ProviderSubscriptionID: providerSubID,
		Status:                 types.SubStatusIncomplete,
		UpdatedAt:              occurredAt,
	}
	if err := s.Subscriptions.Insert(ctx, placeholder); err != nil {
		return "", err
	}
	e.logger.Info("placeholder subscription created for early payment",
		slog.String("provider_subscription_id", providerSubID),
	)
	return placeholder.ID, nil
}

// ApplySnapshot folds a provider full-state dump into the subscription
// ledger. Snapshot data overwrites local state only when its observation
// timestamp is newer than the row's last update; older observations are
// counted as Behind and logged, never applied. Snapshots carry no sequence
// and therefore never touch stored event sequences.
//
// For a complete (non-partial) snapshot, non-canceled rows the snapshot does
// not mention and that have not been updated within the grace window are
// reported in MissingLocally for operator review. Nothing is auto-canceled.
func (e *Engine) ApplySnapshot(ctx context.Context, snap types.ProviderSnapshot) (types.SnapshotReport, error) {
	var report types.SnapshotReport
	mentioned := make(map[string]struct{}, len(snap.Subscriptions))

	for _, ss := range snap.Subscriptions {
		mentioned[ss.ProviderSubscriptionID] = struct{}{}

		if ss.ProviderSubscriptionID == "" || !types.ValidSubscriptionStatus(ss.Status) || ss.ObservedAt.IsZero() {
			report.Rejected++
			e.logger.Warn("snapshot entry rejected",
				slog.String("provider_subscription_id", ss.ProviderSubscriptionID),
			)
			continue
		}

		planKey, err := e.catalog.Current().ResolvePlan(ss.PriceID, ss.ObservedAt)
		if err != nil {
			report.Rejected++
			e.logger.Warn("snapshot entry rejected",
				slog.String("provider_subscription_id", ss.ProviderSubscriptionID),
				slog.String("error", err.Error()),
			)
			continue
		}

		outcome, err := e.applySnapshotEntry(ctx, ss, planKey)
		if err != nil {
			return report, err
		}
		switch outcome {
		case types.OutcomeCreated:
			report.Created++
		case types.OutcomeApplied:
			report.Overwritten++
		case types.OutcomeStale:
			report.Behind++
			// SnapshotBehindLocal: events have already advanced past what
			// this snapshot observed. Normal when snapshots lag ingestion.
			e.logger.Info("snapshot behind local state",
				slog.String("provider_subscription_id", ss.ProviderSubscriptionID),
				slog.Time("observed_at", ss.ObservedAt),
			)
		}
	}

	if !snap.Partial {
		missing, err := e.findMissingLocally(ctx, snap.TakenAt, mentioned)
		if err != nil {
			return report, err
		}
		report.MissingLocally = missing
		for _, id := range missing {
			e.logger.Warn("subscription missing from complete snapshot beyond grace window",
				slog.String("provider_subscription_id", id),
			)
		}
	}

	e.metrics.RecordSnapshot(ctx, report)
	return report, nil
}

func (e *Engine) applySnapshotEntry(ctx context.Context, ss types.SnapshotSubscription, planKey types.PlanKey) (types.ApplyOutcome, error) {
	unlock := e.locks.Lock(ss.ProviderSubscriptionID)
	defer unlock()

	var outcome types.ApplyOutcome
	err := e.uow.Within(ctx, func(s Stores) error {
		existing, err := s.Subscriptions.GetByProviderIDForUpdate(ctx, ss.ProviderSubscriptionID)
		if err != nil {
			return err
		}

		next := &types.Subscription{
			UserID:                 ss.UserID,
			PlanKey:                planKey,
			ProviderSubscriptionID: ss.ProviderSubscriptionID,
			Status:                 ss.Status,
			CurrentPeriodStart:     ss.CurrentPeriodStart,
			CurrentPeriodEnd:       ss.CurrentPeriodEnd,
			UpdatedAt:              ss.ObservedAt,
		}

		if existing == nil {
			next.ID = uuid.NewString()
			if err := s.Subscriptions.Insert(ctx, next); err != nil {
				return err
			}
			outcome = types.OutcomeCreated
			return nil
		}

		if !ss.ObservedAt.After(existing.UpdatedAt) {
			outcome = types.OutcomeStale
			return nil
		}

		ok, err := s.Subscriptions.UpdateFromSnapshot(ctx, next, ss.ObservedAt)
		if err != nil {
			return err
		}
		if !ok {
			outcome = types.OutcomeStale
			return nil
		}
		outcome = types.OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// findMissingLocally returns non-canceled provider ids that a complete
// snapshot did not mention and whose last local update predates the grace
// window measured back from the snapshot time.
func (e *Engine) findMissingLocally(ctx context.Context, takenAt time.Time, mentioned map[string]struct{}) ([]string, error) {
	cutoff := takenAt.Add(-e.graceWindow)

	var missing []string
	err := e.uow.Within(ctx, func(s Stores) error {
		stale, err := s.Subscriptions.ListStaleProviderIDs(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range stale {
			if _, ok := mentioned[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// validateEvent enforces the structural invariants every event must satisfy
// before it can touch the ledgers.
func validateEvent(event types.BillingEvent) error {
	if event.ProviderID == "" {
		return types.NewAppError(types.ErrCodeMalformedEvent, "event missing provider id", nil)
	}
	if event.Sequence <= 0 {
		return types.NewAppError(types.ErrCodeMalformedEvent, "event sequence must be positive", nil)
	}
	if event.OccurredAt.IsZero() {
		return types.NewAppError(types.ErrCodeMalformedEvent, "event missing occurrence time", nil)
	}

	switch event.Type {
	case types.EventSubscriptionUpserted, types.EventSubscriptionCanceled:
		if event.Sub == nil {
			return types.NewAppError(types.ErrCodeMalformedEvent, "subscription event missing payload", nil)
		}
		if event.Sub.PriceID == "" {
			return types.NewAppError(types.ErrCodeMalformedEvent, "subscription event missing price id", nil)
		}
		if !types.ValidSubscriptionStatus(event.Sub.Status) {
			return types.NewAppErrorWithDetails(types.ErrCodeMalformedEvent,
				"subscription event carries unknown status", nil,
				map[string]any{"status": string(event.Sub.Status)})
		}
	case types.EventPaymentRecorded:
		if event.Payment == nil {
			return types.NewAppError(types.ErrCodeMalformedEvent, "payment event missing payload", nil)
		}
		if event.Payment.ProviderSubscriptionID == "" {
			return types.NewAppError(types.ErrCodeMalformedEvent, "payment event missing subscription id", nil)
		}
		if !types.ValidPaymentStatus(event.Payment.Status) {
			return types.NewAppErrorWithDetails(types.ErrCodeMalformedEvent,
				"payment event carries unknown status", nil,
				map[string]any{"status": string(event.Payment.Status)})
		}
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeMalformedEvent,
			"unknown event type", nil,
			map[string]any{"type": string(event.Type)})
	}
	return nil
}
