package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"centinela/internal/model"
)

// InsertRawEvent persists one received event. Called by the ingest worker.
func (s *Store) InsertRawEvent(ctx context.Context, ev model.RawEvent) (model.RawEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events
		 (id, tenant_id, site_id, source_id, received_at, source_ip, transport,
		  raw_message, collector_name, parsed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`,
		ev.ID, ev.TenantID, ev.SiteID, ev.SourceID, ev.ReceivedAt, ev.SourceIP,
		ev.Transport, ev.RawMessage, ev.CollectorName)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("insert raw event: %w", err)
	}
	return ev, nil
}

// UnparsedBatch returns up to n raw events awaiting normalization,
// oldest first.
func (s *Store) UnparsedBatch(ctx context.Context, n int) ([]model.RawEvent, error) {
	var events []model.RawEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, tenant_id, site_id, source_id, received_at, source_ip,
		        transport, raw_message, collector_name, parsed, parse_error
		 FROM raw_events WHERE NOT parsed
		 ORDER BY received_at ASC
		 LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("select unparsed raw events: %w", err)
	}
	return events, nil
}

// InsertNormalizedAndMarkParsed writes the normalized event and flips the
// raw row's parsed flag in one transaction. Duplicate pipeline ticks cannot
// produce duplicate normalized rows: the flag and the insert commit or roll
// back together.
func (s *Store) InsertNormalizedAndMarkParsed(ctx context.Context, ne model.NormalizedEvent) error {
	if ne.ID == "" {
		ne.ID = uuid.NewString()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO normalized_events
			 (id, raw_event_id, tenant_id, site_id, source_id, ts, vendor, product,
			  event_type, subtype, action, severity, src_ip, dst_ip, src_user,
			  dst_user, ports, interface, vdom, policy_id, session_id, message, kv)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			         $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
			ne.ID, ne.RawEventID, ne.TenantID, ne.SiteID, ne.SourceID, ne.TS,
			ne.Vendor, ne.Product, ne.EventType, ne.Subtype, ne.Action, ne.Severity,
			ne.SrcIP, ne.DstIP, ne.SrcUser, ne.DstUser, ne.Ports, ne.Interface,
			ne.VDOM, ne.PolicyID, ne.SessionID, ne.Message, ne.KV)
		if err != nil {
			return fmt.Errorf("insert normalized event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE raw_events SET parsed = TRUE, parse_error = NULL WHERE id = $1`,
			ne.RawEventID)
		if err != nil {
			return fmt.Errorf("mark raw event parsed: %w", err)
		}
		return nil
	})
}

// MarkParseFailed records a parse error and flips parsed so the row is never
// reprocessed.
func (s *Store) MarkParseFailed(ctx context.Context, rawEventID, parseErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_events SET parsed = TRUE, parse_error = $1 WHERE id = $2`,
		parseErr, rawEventID)
	if err != nil {
		return fmt.Errorf("mark parse failed: %w", err)
	}
	return nil
}

// DeleteRawEventsBefore drops raw rows older than the cutoff. Runs on the
// retention schedule.
func (s *Store) DeleteRawEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired raw events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RawEventsByIDs loads raw rows for the given IDs, capped at limit.
func (s *Store) RawEventsByIDs(ctx context.Context, ids []string, limit int) ([]model.RawEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, tenant_id, site_id, source_id, received_at, source_ip,
		        transport, raw_message, collector_name, parsed, parse_error
		 FROM raw_events WHERE id IN (?) ORDER BY received_at ASC LIMIT ?`,
		ids, limit)
	if err != nil {
		return nil, fmt.Errorf("build raw events query: %w", err)
	}
	var events []model.RawEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select raw events by ids: %w", err)
	}
	return events, nil
}
