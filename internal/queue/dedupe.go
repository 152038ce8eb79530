package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses replayed ingest payloads for a short window, keyed by
// the payload digest the collector sends in x-payload-sha256.
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDeduper builds a deduper whose marks live for ttl.
func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Seen marks digest and reports whether it was already marked. First caller
// for a digest gets false; replays within the TTL get true.
func (d *Deduper) Seen(ctx context.Context, digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	set, err := d.rdb.SetNX(ctx, "centinela:dedupe:"+digest, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check: %w", err)
	}
	return !set, nil
}
