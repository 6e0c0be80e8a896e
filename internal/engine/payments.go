package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atelier/internal/apperr"
	"atelier/internal/domain"
	"atelier/internal/events"
	"atelier/internal/repo"
)

// WebhookEventOptions carries a simulated payment-provider event.
type WebhookEventOptions struct {
	Provider        string
	ProviderEventID string
	CommissionID    *string
	EventType       string
	PayloadJSON     string
}

// WebhookResult reports whether the event was applied. A replay of a
// previously seen (provider, providerEventId) pair is not an error; it
// returns Applied=false and changes nothing.
type WebhookResult struct {
	Applied bool   `json:"applied"`
	EventID string `json:"event_id"`
}

// RecordWebhookEvent ingests a payment-provider event exactly once, keyed
// by (provider, providerEventId). A first delivery that references a
// commission also advances that commission's payment state in the same
// transaction.
func (e Engine) RecordWebhookEvent(ctx context.Context, opts WebhookEventOptions) (WebhookResult, error) {
	if opts.Provider == "" || opts.ProviderEventID == "" {
		return WebhookResult{}, apperr.New(apperr.CodeValidation, "provider and providerEventId are required")
	}
	if opts.EventType == "" {
		return WebhookResult{}, apperr.New(apperr.CodeValidation, "eventType is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	ev := domain.PaymentEvent{
		ID:              newID(),
		Provider:        opts.Provider,
		ProviderEventID: opts.ProviderEventID,
		CommissionID:    opts.CommissionID,
		EventType:       opts.EventType,
		PayloadJSON:     opts.PayloadJSON,
		ReceivedAt:      e.nowString(),
	}
	applied, err := e.Repo.InsertPaymentEventIfAbsent(ctx, tx, ev)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("insert payment event: %w", err)
	}
	if !applied {
		// replay: nothing to do, nothing to report
		return WebhookResult{Applied: false}, tx.Commit()
	}

	if opts.CommissionID != nil {
		if err := e.applyPaymentEvent(ctx, tx, *opts.CommissionID, opts.EventType); err != nil {
			return WebhookResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "payment.webhook.applied", "payment_event", ev.ID, opts.Provider, events.EventPayload{
		"event_type": opts.EventType,
	}); err != nil {
		return WebhookResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Applied: true, EventID: ev.ID}, nil
}

// applyPaymentEvent maps recognized provider event types onto commission
// payment state. Unrecognized types are recorded but change nothing.
func (e Engine) applyPaymentEvent(ctx context.Context, tx *sql.Tx, commissionID, eventType string) error {
	var err error
	switch eventType {
	case "payment_intent.succeeded", "payment.escrowed":
		err = e.Repo.MarkCommissionEscrowed(ctx, tx, commissionID, e.nowString())
	case "payment_intent.payment_failed", "payment.failed":
		err = e.Repo.MarkCommissionPaymentFailed(ctx, tx, commissionID)
	case "charge.refunded", "payment.refunded":
		err = e.Repo.MarkCommissionRefunded(ctx, tx, commissionID, e.nowString())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
	}
	return err
}
