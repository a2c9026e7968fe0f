package streams

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"eventcore/retry"
)

const (
	dlqFieldOriginalID = "original_message_id"
	dlqFieldStream     = "stream"
	dlqFieldError      = "error"
	dlqFieldPayload    = "payload"
	dlqFieldMovedAt    = "movedAt"
)

// DeadLetterEntry is a quarantined entry on the side stream, keyed back to
// its origin by OriginalID for later reconciliation.
type DeadLetterEntry struct {
	ID         string
	OriginalID string
	Stream     string
	Reason     string
	Payload    []byte
	MovedAt    time.Time
}

// DeadLetterRouter appends poison entries to a distinct stream so one bad
// entry never blocks the rest of the group.
type DeadLetterRouter struct {
	client *redis.Client
	stream string
	policy retry.Policy
}

func NewDeadLetterRouter(client *redis.Client, stream string) *DeadLetterRouter {
	return &DeadLetterRouter{client: client, stream: stream, policy: retry.DefaultPolicy}
}

func (d *DeadLetterRouter) Stream() string { return d.stream }

// Move records the failed entry with its original id, payload and failure
// reason. Callers must leave the original entry un-acknowledged when Move
// itself fails, so the entry is retried whole instead of silently dropped.
func (d *DeadLetterRouter) Move(ctx context.Context, env Envelope, reason string) (string, error) {
	var id string
	err := retry.Do(ctx, d.policy, IsTransient, func() error {
		res, err := d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: d.stream,
			Values: map[string]interface{}{
				dlqFieldOriginalID: env.ID,
				dlqFieldStream:     env.Stream,
				dlqFieldError:      reason,
				dlqFieldPayload:    string(env.Payload),
				dlqFieldMovedAt:    time.Now().UnixNano(),
			},
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("move %s to dead letter stream %s: %w", env.ID, d.stream, err)
	}
	return id, nil
}

// Entries returns the full dead-letter stream for reconciliation tooling.
func (d *DeadLetterRouter) Entries(ctx context.Context) ([]DeadLetterEntry, error) {
	msgs, err := d.client.XRange(ctx, d.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter stream %s: %w", d.stream, err)
	}
	entries := make([]DeadLetterEntry, 0, len(msgs))
	for _, msg := range msgs {
		e := DeadLetterEntry{ID: msg.ID}
		if v, ok := msg.Values[dlqFieldOriginalID].(string); ok {
			e.OriginalID = v
		}
		if v, ok := msg.Values[dlqFieldStream].(string); ok {
			e.Stream = v
		}
		if v, ok := msg.Values[dlqFieldError].(string); ok {
			e.Reason = v
		}
		if v, ok := msg.Values[dlqFieldPayload].(string); ok {
			e.Payload = []byte(v)
		}
		if v, ok := msg.Values[dlqFieldMovedAt].(string); ok {
			if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.MovedAt = time.Unix(0, ns)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
