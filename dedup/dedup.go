// Package dedup provides the atomic "has this event been processed"
// check-and-mark that makes at-least-once delivery effectively exactly-once
// inside the marker TTL window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventcore/retry"
	"eventcore/streams"
)

// ErrUnavailable means the marker store could not answer. Policy is fail
// closed: callers must not run domain logic without a successful claim.
var ErrUnavailable = errors.New("dedup store unavailable")

// Guard stores processed-event markers with a TTL so every consumer identity
// can avoid re-applying the same event. The TTL must exceed the maximum
// plausible redelivery delay.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	policy retry.Policy
}

func NewGuard(client *redis.Client, prefix string, ttl time.Duration) *Guard {
	return &Guard{client: client, prefix: prefix, ttl: ttl, policy: retry.DefaultPolicy}
}

func (g *Guard) key(id string) string {
	return g.prefix + id
}

// MarkIfAbsent atomically claims an event id, returning true when this caller
// won the claim. A false return means some consumer, possibly this one on an
// earlier delivery, already processed the id: skip domain logic but still
// acknowledge.
func (g *Guard) MarkIfAbsent(ctx context.Context, id string) (bool, error) {
	var applied bool
	err := retry.Do(ctx, g.policy, streams.IsTransient, func() error {
		ok, err := g.client.SetNX(ctx, g.key(id), 1, g.ttl).Result()
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}
	return applied, nil
}

// Seen reports whether a marker exists without touching it. Read-only
// replays use this so they never poison a later fold by claiming keys.
func (g *Guard) Seen(ctx context.Context, id string) (bool, error) {
	var n int64
	err := retry.Do(ctx, g.policy, streams.IsTransient, func() error {
		res, err := g.client.Exists(ctx, g.key(id)).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}
	return n == 1, nil
}

// Unmark releases a claim. It is the rollback for a downstream step failing
// after MarkIfAbsent, so the event can be retried whole.
func (g *Guard) Unmark(ctx context.Context, id string) error {
	err := retry.Do(ctx, g.policy, streams.IsTransient, func() error {
		return g.client.Del(ctx, g.key(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}
	return nil
}
