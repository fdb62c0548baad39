// Package dedup recognizes webhook deliveries that were already accepted.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/xslog"
)

type Config struct {
	TTL    time.Duration `env:"TTL" envDefault:"1h"`
	Prefix string        `env:"PREFIX" envDefault:"dedup:"`
}

// Key identifies one delivery three ways: provider id, id plus signature,
// and the hash of the normalized content. Any one matching is a duplicate.
type Key struct {
	EventID     string
	Signature   string
	ContentHash string
}

func KeyFor(e event.WebhookEvent) Key {
	return Key{
		EventID:     e.ID,
		Signature:   e.Signature,
		ContentHash: event.ContentHash(e.Payload),
	}
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Deduplicator fails open: when the cache is unreachable or its circuit is
// open every delivery is treated as new.
type Deduplicator struct {
	client  *redis.Client
	breaker *connhealth.Breaker
	ttl     time.Duration
	prefix  string

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

func New(client *redis.Client, breaker *connhealth.Breaker, cfg Config) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dedup:"
	}
	return &Deduplicator{
		client:  client,
		breaker: breaker,
		ttl:     cfg.TTL,
		prefix:  cfg.Prefix,
	}
}

func (d *Deduplicator) keys(k Key) []string {
	keys := make([]string, 0, 3)
	if k.EventID != "" {
		keys = append(keys, d.prefix+"id:"+k.EventID)
		if k.Signature != "" {
			sum := sha256.Sum256([]byte(k.EventID + "|" + k.Signature))
			keys = append(keys, d.prefix+"sig:"+hex.EncodeToString(sum[:]))
		}
	}
	if k.ContentHash != "" {
		keys = append(keys, d.prefix+"hash:"+k.ContentHash)
	}
	return keys
}

// IsDuplicate checks all keys of k concurrently.
func (d *Deduplicator) IsDuplicate(ctx context.Context, k Key) bool {
	keys := d.keys(k)
	if len(keys) == 0 {
		d.misses.Add(1)
		return false
	}

	hit, err := connhealth.Execute(ctx, d.breaker, func(ctx context.Context) (bool, error) {
		found := make([]bool, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		for i, key := range keys {
			g.Go(func() error {
				n, err := d.client.Exists(gctx, key).Result()
				if err != nil {
					return fmt.Errorf("failed to check %s: %w", key, err)
				}
				found[i] = n > 0
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
		return slices.Contains(found, true), nil
	})
	if err != nil {
		d.errors.Add(1)
		xslog.FromContext(ctx).WarnContext(ctx, "dedup check failed, treating delivery as new",
			xslog.EventID(k.EventID),
			xslog.Error(err),
		)
		return false
	}

	if hit {
		d.hits.Add(1)
	} else {
		d.misses.Add(1)
	}
	return hit
}

// MarkProcessed records every key of k for the configured TTL in a single
// round trip.
func (d *Deduplicator) MarkProcessed(ctx context.Context, k Key) error {
	keys := d.keys(k)
	if len(keys) == 0 {
		return nil
	}

	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys {
				pipe.Set(ctx, key, k.EventID, d.ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		d.errors.Add(1)
		return fmt.Errorf("failed to mark %s processed: %w", k.EventID, err)
	}
	return nil
}

const scanCount = 500

// Invalidate deletes every dedup key and returns how many were removed.
func (d *Deduplicator) Invalidate(ctx context.Context) (int64, error) {
	var deleted int64
	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		iter := d.client.Scan(ctx, 0, d.prefix+"*", scanCount).Iterator()
		batch := make([]string, 0, scanCount)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := d.client.Del(ctx, batch...).Result()
			if err != nil {
				return fmt.Errorf("failed to delete dedup keys: %w", err)
			}
			deleted += n
			batch = batch[:0]
			return nil
		}

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == scanCount {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan dedup keys: %w", err)
		}
		return flush()
	})
	if err != nil {
		return deleted, err
	}

	xslog.FromContext(ctx).InfoContext(ctx, "dedup cache invalidated", slog.Int64("deleted", deleted))
	return deleted, nil
}

func (d *Deduplicator) Stats() Stats {
	s := Stats{
		Hits:   d.hits.Load(),
		Misses: d.misses.Load(),
		Errors: d.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
