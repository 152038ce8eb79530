// Package ai computes pattern signatures, maintains the analysis cache, and
// talks to the external orchestrator for detections that miss the cache.
package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"centinela/internal/model"
)

// countBucket discretizes a count so similar incidents share a signature.
// Ranges: 1, 2-5, 6-10, 11-25, 26-50, 51-100, 100+.
func countBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 5:
		return "2-5"
	case n <= 10:
		return "6-10"
	case n <= 25:
		return "11-25"
	case n <= 50:
		return "26-50"
	case n <= 100:
		return "51-100"
	default:
		return "100+"
	}
}

// Signature derives the cache key for a detection: a SHA-256 digest over the
// detection type, severity, and the bucketized numeric evidence fields.
// Bucketizing is what lets similar-but-not-identical incidents share one
// cached response. Rule semantic changes must invalidate by type, since the
// signature carries no rule version.
func Signature(d model.Detection) string {
	parts := []string{
		"detection_type=" + d.DetectionType,
		"severity=" + string(d.Severity),
		"event_count=" + countBucket(d.EventCount),
	}

	numeric := make([]string, 0, len(d.Evidence))
	for key, val := range d.Evidence {
		if n, ok := asInt(val); ok {
			numeric = append(numeric, key+"="+countBucket(n))
		}
	}
	sort.Strings(numeric)
	parts = append(parts, numeric...)

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// asInt accepts the numeric shapes JSON decoding and in-process construction
// produce for evidence values.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
