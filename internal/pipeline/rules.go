package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/store"
)

// GroupBy selects the aggregation key for a rule.
type GroupBy string

const (
	GroupBySrcIP     GroupBy = "src_ip"
	GroupBySrcUser   GroupBy = "src_user"
	GroupBySrcIPUser GroupBy = "src_ip_user"
)

// Rule is one threshold detection over a sliding window.
type Rule struct {
	Name          string
	EventTypes    []string
	Threshold     int
	WindowMinutes int
	Severity      model.Severity
	GroupBy       GroupBy
}

// DefaultRules are the built-in detections.
var DefaultRules = []Rule{
	{
		Name:          "vpn_bruteforce",
		EventTypes:    []string{"vpn_login_fail"},
		Threshold:     3,
		WindowMinutes: 15,
		Severity:      model.SeverityHigh,
		GroupBy:       GroupBySrcIP,
	},
	{
		Name:          "admin_bruteforce",
		EventTypes:    []string{"admin_login_fail"},
		Threshold:     3,
		WindowMinutes: 15,
		Severity:      model.SeverityCritical,
		GroupBy:       GroupBySrcIP,
	},
	{
		Name:          "config_change_burst",
		EventTypes:    []string{"config_change"},
		Threshold:     10,
		WindowMinutes: 5,
		Severity:      model.SeverityMedium,
		GroupBy:       GroupBySrcUser,
	},
}

// RulesStore is the store subset the engine uses.
type RulesStore interface {
	EventsForRules(ctx context.Context, eventTypes []string, since time.Time) ([]model.NormalizedEvent, error)
	FindOpenDetection(ctx context.Context, tenantID, detectionType, groupKey string) (model.Detection, error)
	InsertDetection(ctx context.Context, d model.Detection) (model.Detection, error)
	UpdateOpenDetection(ctx context.Context, d model.Detection) error
}

// RulesEngine evaluates every rule against the recent event window and
// converts qualifying groups into detections, updating the open detection
// for a group when one exists.
type RulesEngine struct {
	store  RulesStore
	rules  []Rule
	logger *slog.Logger
	now    func() time.Time
}

// NewRulesEngine builds an engine over rules; nil rules means DefaultRules.
func NewRulesEngine(st RulesStore, rules []Rule, logger *slog.Logger) *RulesEngine {
	if rules == nil {
		rules = DefaultRules
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RulesEngine{store: st, rules: rules, logger: logger, now: time.Now}
}

// Detect runs every rule once. Returns how many detections were created and
// how many existing open detections were updated.
func (e *RulesEngine) Detect(ctx context.Context) (created, updated int, err error) {
	for _, rule := range e.rules {
		c, u, err := e.evalRule(ctx, rule)
		if err != nil {
			return created, updated, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		created += c
		updated += u
	}
	return created, updated, nil
}

type candidate struct {
	tenantID string
	siteID   *string
	sourceID *string
	groupKey string

	count    int
	firstAt  time.Time
	lastAt   time.Time
	srcIPs   map[string]struct{}
	srcUsers map[string]struct{}
	eventIDs []string
}

func (e *RulesEngine) evalRule(ctx context.Context, rule Rule) (created, updated int, err error) {
	since := e.now().Add(-time.Duration(rule.WindowMinutes) * time.Minute)
	events, err := e.store.EventsForRules(ctx, rule.EventTypes, since)
	if err != nil {
		return 0, 0, err
	}

	groups := make(map[string]*candidate)
	for _, ev := range events {
		key, ok := groupKey(rule.GroupBy, ev)
		if !ok {
			continue
		}
		id := ev.TenantID + "\x00" + deref(ev.SiteID) + "\x00" + deref(ev.SourceID) + "\x00" + key
		g, ok := groups[id]
		if !ok {
			g = &candidate{
				tenantID: ev.TenantID,
				siteID:   ev.SiteID,
				sourceID: ev.SourceID,
				groupKey: key,
				firstAt:  ev.TS,
				lastAt:   ev.TS,
				srcIPs:   make(map[string]struct{}),
				srcUsers: make(map[string]struct{}),
			}
			groups[id] = g
		}
		g.count++
		if ev.TS.Before(g.firstAt) {
			g.firstAt = ev.TS
		}
		if ev.TS.After(g.lastAt) {
			g.lastAt = ev.TS
		}
		if ev.SrcIP != nil {
			g.srcIPs[*ev.SrcIP] = struct{}{}
		}
		if ev.SrcUser != nil {
			g.srcUsers[*ev.SrcUser] = struct{}{}
		}
		g.eventIDs = append(g.eventIDs, ev.ID)
	}

	for _, g := range groups {
		if g.count < rule.Threshold {
			continue
		}
		wasCreated, err := e.apply(ctx, rule, g)
		if err != nil {
			return created, updated, err
		}
		if wasCreated {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

// apply merges the candidate into the group's open detection, or inserts a
// new one. Returns true when a detection was created.
func (e *RulesEngine) apply(ctx context.Context, rule Rule, g *candidate) (bool, error) {
	severity := escalate(rule.Severity, g.count, rule.Threshold)

	open, err := e.store.FindOpenDetection(ctx, g.tenantID, rule.Name, g.groupKey)
	switch {
	case err == nil:
		// Only one open row may exist per tuple, so later matches always
		// fold into it, even when the windows do not overlap.
		merged := mergeDetection(open, g, severity)
		err = e.store.UpdateOpenDetection(ctx, merged)
		if errors.Is(err, store.ErrNoOpenDetection) {
			// Frozen by the batcher between find and update; start fresh.
			return true, e.insert(ctx, rule, g, severity)
		}
		if err != nil {
			return false, err
		}
		return false, nil
	case errors.Is(err, store.ErrNoOpenDetection):
		return true, e.insert(ctx, rule, g, severity)
	default:
		return false, err
	}
}

func (e *RulesEngine) insert(ctx context.Context, rule Rule, g *candidate, severity model.Severity) error {
	_, err := e.store.InsertDetection(ctx, model.Detection{
		TenantID:        g.tenantID,
		SiteID:          g.siteID,
		SourceID:        g.sourceID,
		DetectionType:   rule.Name,
		Severity:        severity,
		GroupKey:        g.groupKey,
		WindowMinutes:   rule.WindowMinutes,
		EventCount:      g.count,
		FirstEventAt:    g.firstAt,
		LastEventAt:     g.lastAt,
		Evidence:        g.evidence(),
		RelatedEventIDs: g.eventIDs,
	})
	return err
}

// mergeDetection folds new window evidence into the open detection. Event
// IDs are unioned so replayed windows grow the count instead of resetting it.
func mergeDetection(open model.Detection, g *candidate, severity model.Severity) model.Detection {
	ids := make(map[string]struct{}, len(open.RelatedEventIDs)+len(g.eventIDs))
	union := make([]string, 0, len(open.RelatedEventIDs)+len(g.eventIDs))
	for _, id := range open.RelatedEventIDs {
		if _, dup := ids[id]; !dup {
			ids[id] = struct{}{}
			union = append(union, id)
		}
	}
	for _, id := range g.eventIDs {
		if _, dup := ids[id]; !dup {
			ids[id] = struct{}{}
			union = append(union, id)
		}
	}

	open.EventCount = len(union)
	open.RelatedEventIDs = union
	if g.firstAt.Before(open.FirstEventAt) {
		open.FirstEventAt = g.firstAt
	}
	if g.lastAt.After(open.LastEventAt) {
		open.LastEventAt = g.lastAt
	}
	open.Severity = open.Severity.Max(severity)

	ev := g.evidence()
	ev["count"] = open.EventCount
	open.Evidence = ev
	return open
}

func (g *candidate) evidence() model.JSONMap {
	return model.JSONMap{
		"count":     g.count,
		"src_ips":   sortedKeys(g.srcIPs),
		"src_users": sortedKeys(g.srcUsers),
	}
}

// escalate raises severity one level at 5x the threshold and two at 20x.
func escalate(base model.Severity, count, threshold int) model.Severity {
	switch {
	case count >= 20*threshold:
		return base.Escalate(2)
	case count >= 5*threshold:
		return base.Escalate(1)
	default:
		return base
	}
}

func groupKey(by GroupBy, ev model.NormalizedEvent) (string, bool) {
	switch by {
	case GroupBySrcIP:
		if ev.SrcIP == nil {
			return "", false
		}
		return *ev.SrcIP, true
	case GroupBySrcUser:
		if ev.SrcUser == nil {
			return "", false
		}
		return *ev.SrcUser, true
	case GroupBySrcIPUser:
		if ev.SrcIP == nil || ev.SrcUser == nil {
			return "", false
		}
		return *ev.SrcIP + "|" + *ev.SrcUser, true
	default:
		return "", false
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
