// Package pipeline contains the backend processing stages: ingest worker,
// normalizer, rules engine, AI dispatch, digest batcher, email dispatcher,
// and the scheduler that drives them in order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"centinela/internal/fortigate"
	"centinela/internal/logging"
	"centinela/internal/model"
)

// Parser turns one raw syslog line into a typed record. Injected so other
// vendor formats can slot in; the default is the FortiGate parser.
type Parser func(line string) (fortigate.Record, error)

// NormalizerStore is the store subset the normalizer uses.
type NormalizerStore interface {
	UnparsedBatch(ctx context.Context, n int) ([]model.RawEvent, error)
	InsertNormalizedAndMarkParsed(ctx context.Context, ne model.NormalizedEvent) error
	MarkParseFailed(ctx context.Context, rawEventID, parseErr string) error
}

// Normalizer turns raw events into normalized events, oldest first.
type Normalizer struct {
	store  NormalizerStore
	parse  Parser
	logger *slog.Logger
}

// NewNormalizer builds a normalizer. A nil parser defaults to FortiGate.
func NewNormalizer(st NormalizerStore, parse Parser, logger *slog.Logger) *Normalizer {
	if parse == nil {
		parse = fortigate.Parse
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Normalizer{store: st, parse: parse, logger: logger}
}

// Matches an IP address rendered in a message like "Login failed (10.0.0.7)".
var embeddedIP = regexp.MustCompile(`\((\d{1,3}(?:\.\d{1,3}){3})\)`)

// NormalizeBatch processes up to n unparsed raw events and returns how many
// produced a normalized event. Unparseable events are marked with their
// error and never revisited.
func (nz *Normalizer) NormalizeBatch(ctx context.Context, n int) (int, error) {
	batch, err := nz.store.UnparsedBatch(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("load unparsed batch: %w", err)
	}

	processed := 0
	for _, raw := range batch {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		rec, err := nz.parse(raw.RawMessage)
		if err != nil {
			nz.logger.Debug("raw event unparseable", "raw_event", raw.ID, "error", err)
			if err := nz.store.MarkParseFailed(ctx, raw.ID, err.Error()); err != nil {
				return processed, fmt.Errorf("mark parse failed: %w", err)
			}
			continue
		}
		if err := nz.store.InsertNormalizedAndMarkParsed(ctx, normalize(raw, rec)); err != nil {
			return processed, fmt.Errorf("persist normalized event: %w", err)
		}
		processed++
	}
	return processed, nil
}

// normalize maps one parsed record onto the normalized schema.
func normalize(raw model.RawEvent, rec fortigate.Record) model.NormalizedEvent {
	ne := model.NormalizedEvent{
		RawEventID: raw.ID,
		TenantID:   raw.TenantID,
		SiteID:     raw.SiteID,
		SourceID:   raw.SourceID,
		Vendor:     "fortinet",
		Product:    "fortigate",
		EventType:  rec.EventType(),
		Severity:   model.Severity(rec.Severity()),
	}

	// Parsed timestamp wins; the wall clock is the fallback.
	ne.TS = rec.Timestamp
	if ne.TS.IsZero() {
		ne.TS = raw.ReceivedAt
	}

	if rec.Subtype != "" {
		ne.Subtype = &rec.Subtype
	}
	if rec.Action != "" {
		ne.Action = &rec.Action
	}
	if rec.SrcUser != "" {
		ne.SrcUser = &rec.SrcUser
	}
	if rec.DstUser != "" {
		ne.DstUser = &rec.DstUser
	}
	if rec.DstIP != "" {
		ne.DstIP = &rec.DstIP
	}
	if rec.Interface != "" {
		ne.Interface = &rec.Interface
	}
	if rec.VDOM != "" {
		ne.VDOM = &rec.VDOM
	}
	if rec.PolicyID != "" {
		ne.PolicyID = &rec.PolicyID
	}
	if rec.SessionID != "" {
		ne.SessionID = &rec.SessionID
	}
	if rec.Message != "" {
		ne.Message = &rec.Message
	}
	if rec.SrcPort != "" {
		ne.Ports = append(ne.Ports, rec.SrcPort)
	}
	if rec.DstPort != "" {
		ne.Ports = append(ne.Ports, rec.DstPort)
	}

	switch {
	case rec.SrcIP != "":
		ne.SrcIP = &rec.SrcIP
	default:
		if m := embeddedIP.FindStringSubmatch(rec.Message); m != nil {
			ne.SrcIP = &m[1]
		} else if raw.SourceIP != nil {
			ne.SrcIP = raw.SourceIP
		}
	}

	if len(rec.Fields) > 0 {
		kv := make(model.JSONMap, len(rec.Fields))
		for k, v := range rec.Fields {
			kv[k] = v
		}
		ne.KV = kv
	}
	return ne
}
