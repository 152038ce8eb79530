package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"centinela/internal/model"
)

// EventsForRules loads normalized events matching the given event types with
// ts at or after since. The rules engine aggregates them in memory; the
// query itself stays simple and index-friendly.
func (s *Store) EventsForRules(ctx context.Context, eventTypes []string, since time.Time) ([]model.NormalizedEvent, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, raw_event_id, tenant_id, site_id, source_id, ts, vendor,
		        product, event_type, subtype, action, severity, src_ip, dst_ip,
		        src_user, dst_user, ports, interface, vdom, policy_id,
		        session_id, message, kv
		 FROM normalized_events
		 WHERE event_type IN (?) AND ts >= ?
		 ORDER BY ts ASC`,
		eventTypes, since)
	if err != nil {
		return nil, fmt.Errorf("build rules query: %w", err)
	}
	var events []model.NormalizedEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select events for rules: %w", err)
	}
	return events, nil
}

// NormalizedEventsByIDs loads normalized rows for the given IDs, capped at
// limit. Used to build AI envelopes.
func (s *Store) NormalizedEventsByIDs(ctx context.Context, ids []string, limit int) ([]model.NormalizedEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, raw_event_id, tenant_id, site_id, source_id, ts, vendor,
		        product, event_type, subtype, action, severity, src_ip, dst_ip,
		        src_user, dst_user, ports, interface, vdom, policy_id,
		        session_id, message, kv
		 FROM normalized_events WHERE id IN (?) ORDER BY ts ASC LIMIT ?`,
		ids, limit)
	if err != nil {
		return nil, fmt.Errorf("build normalized events query: %w", err)
	}
	var events []model.NormalizedEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select normalized events by ids: %w", err)
	}
	return events, nil
}
