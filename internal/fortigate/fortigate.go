// Package fortigate parses FortiGate key=value syslog lines into a typed
// record plus the full field map. The map is carried opaquely downstream;
// consumers must not use it for safety-critical decisions.
package fortigate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotKeyValue reports a line with no recognizable key=value pairs.
var ErrNotKeyValue = errors.New("fortigate: no key=value pairs found")

// Record is the typed view of one log line. Zero-valued fields were absent.
type Record struct {
	Type      string
	Subtype   string
	Action    string
	Level     string
	Timestamp time.Time

	DevName string
	DevID   string
	VDOM    string

	SrcIP     string
	DstIP     string
	SrcPort   string
	DstPort   string
	SrcUser   string
	DstUser   string
	Interface string
	PolicyID  string
	SessionID string
	Message   string

	// Fields holds every parsed pair, including the ones surfaced above.
	Fields map[string]string
}

// Parse splits line into key=value pairs and lifts the well-known fields.
func Parse(line string) (Record, error) {
	fields, err := parsePairs(line)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Type:      fields["type"],
		Subtype:   fields["subtype"],
		Action:    fields["action"],
		Level:     fields["level"],
		DevName:   fields["devname"],
		DevID:     fields["devid"],
		VDOM:      fields["vd"],
		SrcIP:     first(fields, "srcip", "remip"),
		DstIP:     first(fields, "dstip", "locip"),
		SrcPort:   first(fields, "srcport", "remport"),
		DstPort:   first(fields, "dstport", "locport"),
		SrcUser:   first(fields, "user", "srcuser"),
		DstUser:   fields["dstuser"],
		Interface: fields["srcintf"],
		PolicyID:  fields["policyid"],
		SessionID: fields["sessionid"],
		Message:   fields["msg"],
		Fields:    fields,
	}
	rec.Timestamp = parseTimestamp(fields)
	return rec, nil
}

// parsePairs scans key=value tokens. Values may be double-quoted and may
// contain escaped quotes; bare values run to the next space.
func parsePairs(line string) (map[string]string, error) {
	fields := make(map[string]string)
	i := 0
	n := len(line)
	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			break
		}
		key := line[i : i+eq]
		// A key with spaces means we lost sync; skip to the next token.
		if sp := strings.LastIndexByte(key, ' '); sp >= 0 {
			key = key[sp+1:]
		}
		i += eq + 1

		var value string
		if i < n && line[i] == '"' {
			i++
			var b strings.Builder
			for i < n {
				c := line[i]
				if c == '\\' && i+1 < n {
					b.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == '"' {
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			value = b.String()
		} else {
			end := strings.IndexByte(line[i:], ' ')
			if end < 0 {
				end = n - i
			}
			value = line[i : i+end]
			i += end
		}
		if key != "" {
			fields[key] = value
		}
	}
	if len(fields) == 0 {
		return nil, ErrNotKeyValue
	}
	return fields, nil
}

// parseTimestamp prefers the textual date/time/tz triple; eventtime
// (nanosecond epoch on recent firmware) is the fallback. Zero when neither
// parses.
func parseTimestamp(fields map[string]string) time.Time {
	date, time1 := fields["date"], fields["time"]
	if date != "" && time1 != "" {
		layout := "2006-01-02 15:04:05"
		value := date + " " + time1
		if tz := fields["tz"]; tz != "" {
			layout += " -0700"
			value += " " + tz
		}
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	if et := fields["eventtime"]; et != "" {
		if ns, err := strconv.ParseInt(et, 10, 64); err == nil && ns > 0 {
			// Older firmware logs seconds, newer logs nanoseconds.
			if ns < 1e12 {
				return time.Unix(ns, 0).UTC()
			}
			return time.Unix(0, ns).UTC()
		}
	}
	return time.Time{}
}

func first(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// EventType derives the normalized event type from (type, subtype, action).
// Unmapped combinations degrade to "<type>_<subtype>", then "unknown".
func (r Record) EventType() string {
	if t, ok := eventTypeMap[eventKey{r.Type, r.Subtype, r.Action}]; ok {
		return t
	}
	if t, ok := eventTypeMap[eventKey{r.Type, r.Subtype, ""}]; ok {
		return t
	}
	if r.Type != "" && r.Subtype != "" {
		return r.Type + "_" + r.Subtype
	}
	return "unknown"
}

type eventKey struct {
	typ, subtype, action string
}

var eventTypeMap = map[eventKey]string{
	{"event", "vpn", "ssl-login-fail"}:      "vpn_login_fail",
	{"event", "vpn", "tunnel-down"}:         "vpn_tunnel_down",
	{"event", "vpn", "tunnel-up"}:           "vpn_tunnel_up",
	{"event", "system", "login-failed"}:     "admin_login_fail",
	{"event", "system", "login"}:            "admin_login",
	{"event", "system", "logout"}:           "admin_logout",
	{"event", "system", "Edit"}:             "config_change",
	{"event", "system", "Add"}:              "config_change",
	{"event", "system", "Delete"}:           "config_change",
	{"utm", "ips", ""}:                      "ips_alert",
	{"utm", "virus", ""}:                    "av_alert",
	{"utm", "webfilter", ""}:                "webfilter_block",
	{"traffic", "forward", "deny"}:          "traffic_deny",
	{"traffic", "local", "deny"}:            "traffic_deny",
	{"event", "user", "auth-logon-failed"}:  "user_login_fail",
	{"event", "wireless", "rogue-ap-detec"}: "rogue_ap",
}

// Severity maps the native level to the pipeline severity scale.
func (r Record) Severity() string {
	switch strings.ToLower(r.Level) {
	case "emergency", "alert", "critical":
		return "critical"
	case "error":
		return "high"
	case "warning":
		return "medium"
	case "notice":
		return "low"
	default:
		return "info"
	}
}

// String renders a compact summary for logs.
func (r Record) String() string {
	return fmt.Sprintf("%s/%s/%s level=%s src=%s", r.Type, r.Subtype, r.Action, r.Level, r.SrcIP)
}
