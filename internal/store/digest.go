package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"centinela/internal/model"
)

// CreateDigestAndMark inserts the digest and stamps reported_digest_id on
// the member detections in one transaction. The detections freeze at commit.
func (s *Store) CreateDigestAndMark(ctx context.Context, d model.Digest, detectionIDs []string) (model.Digest, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO digests
			 (id, tenant_id, window_start, window_end, severity, detection_count,
			  event_count, subject, body_text, body_html, locale, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			d.ID, d.TenantID, d.WindowStart, d.WindowEnd, d.Severity,
			d.DetectionCount, d.EventCount, d.Subject, d.BodyText, d.BodyHTML,
			d.Locale, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}

		query, args, err := sqlx.In(
			`UPDATE detections SET reported_digest_id = ?
			 WHERE id IN (?) AND reported_digest_id IS NULL`,
			d.ID, detectionIDs)
		if err != nil {
			return fmt.Errorf("build mark query: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("mark detections reported: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(detectionIDs)) {
			return fmt.Errorf("marked %d of %d detections; aborting digest", n, len(detectionIDs))
		}
		return nil
	})
	if err != nil {
		return model.Digest{}, err
	}
	return d, nil
}

// UnsentDigests returns digests with no sent delivery row. Failed attempts
// do not count; those digests are retried on the next tick.
func (s *Store) UnsentDigests(ctx context.Context) ([]model.Digest, error) {
	var digests []model.Digest
	err := s.db.SelectContext(ctx, &digests,
		`SELECT d.id, d.tenant_id, d.window_start, d.window_end, d.severity,
		        d.detection_count, d.event_count, d.subject, d.body_text,
		        d.body_html, d.locale, d.created_at
		 FROM digests d
		 WHERE NOT EXISTS (
		     SELECT 1 FROM email_deliveries e
		     WHERE e.digest_id = d.id AND e.status = 'sent'
		 )
		 ORDER BY d.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("unsent digests: %w", err)
	}
	return digests, nil
}

// InsertEmailDelivery records one delivery attempt outcome.
func (s *Store) InsertEmailDelivery(ctx context.Context, del model.EmailDelivery) (model.EmailDelivery, error) {
	if del.ID == "" {
		del.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_deliveries
		 (id, digest_id, tenant_id, recipient, provider_message_id, status,
		  error, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		del.ID, del.DigestID, del.TenantID, del.Recipient,
		del.ProviderMessageID, del.Status, del.Error, del.SentAt)
	if err != nil {
		return model.EmailDelivery{}, fmt.Errorf("insert email delivery: %w", err)
	}
	return del, nil
}
