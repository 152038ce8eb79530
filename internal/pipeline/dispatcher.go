package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"centinela/internal/logging"
	"centinela/internal/mail"
	"centinela/internal/model"
)

// DispatchStore is the store subset the email dispatcher uses.
type DispatchStore interface {
	UnsentDigests(ctx context.Context) ([]model.Digest, error)
	InsertEmailDelivery(ctx context.Context, del model.EmailDelivery) (model.EmailDelivery, error)
}

// Dispatcher emails digests that have no sent delivery yet. A failed
// delivery is recorded and retried on the next tick; a sent one is final.
type Dispatcher struct {
	store     DispatchStore
	sender    mail.Sender
	recipient string
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher builds the dispatcher sending to recipient.
func NewDispatcher(st DispatchStore, sender mail.Sender, recipient string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		store:     st,
		sender:    sender,
		recipient: recipient,
		logger:    logger,
		now:       time.Now,
	}
}

// Send delivers every unsent digest and returns how many went out. Failures
// are recorded per digest; the stage only errors when bookkeeping fails.
func (d *Dispatcher) Send(ctx context.Context) (int, error) {
	digests, err := d.store.UnsentDigests(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unsent digests: %w", err)
	}

	sent := 0
	for _, digest := range digests {
		delivery := model.EmailDelivery{
			DigestID:  digest.ID,
			TenantID:  digest.TenantID,
			Recipient: d.recipient,
		}

		providerID, err := d.sender.Send(ctx, mail.Message{
			To:      d.recipient,
			Subject: digest.Subject,
			Body:    digest.BodyText,
		})
		if err != nil {
			d.logger.Warn("digest delivery failed",
				"digest", digest.ID, "tenant", digest.TenantID, "error", err)
			msg := err.Error()
			delivery.Status = "failed"
			delivery.Error = &msg
		} else {
			now := d.now().UTC()
			delivery.Status = "sent"
			delivery.ProviderMessageID = &providerID
			delivery.SentAt = &now
			sent++
		}

		if _, err := d.store.InsertEmailDelivery(ctx, delivery); err != nil {
			return sent, fmt.Errorf("record delivery for digest %s: %w", digest.ID, err)
		}
	}
	return sent, nil
}
