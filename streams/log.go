package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventcore/retry"
)

// LogStore is the append/read primitive over one ordered stream.
type LogStore struct {
	client *redis.Client
	stream string
	policy retry.Policy
}

func NewLogStore(client *redis.Client, stream string) *LogStore {
	return &LogStore{client: client, stream: stream, policy: retry.DefaultPolicy}
}

func (s *LogStore) Stream() string { return s.stream }

// Append records one envelope atomically and returns the id the log actually
// assigned. On error the log has not recorded the entry and the caller may
// retry with the identical payload.
func (s *LogStore) Append(ctx context.Context, env Envelope) (string, error) {
	if env.ProducedAt.IsZero() {
		env.ProducedAt = time.Now()
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	var id string
	err := retry.Do(ctx, s.policy, IsTransient, func() error {
		res, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: env.values(),
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAppendFailed, s.stream, err)
	}
	return id, nil
}

// ReadRange returns envelopes between from and to inclusive, in log order.
// Empty bounds default to the full stream.
func (s *LogStore) ReadRange(ctx context.Context, from, to string) ([]Envelope, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	var msgs []redis.XMessage
	err := retry.Do(ctx, s.policy, IsTransient, func() error {
		res, err := s.client.XRange(ctx, s.stream, from, to).Result()
		if err != nil {
			return err
		}
		msgs = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read range %s [%s, %s]: %w", s.stream, from, to, err)
	}
	envs := make([]Envelope, 0, len(msgs))
	for _, msg := range msgs {
		envs = append(envs, EnvelopeFromMessage(s.stream, msg))
	}
	return envs, nil
}

// ReadAfter returns envelopes strictly after afterID. The bound id is dropped
// in code instead of using an exclusive range so the behavior does not depend
// on the store supporting exclusive ids.
func (s *LogStore) ReadAfter(ctx context.Context, afterID string) ([]Envelope, error) {
	from := "-"
	if afterID != "" {
		from = afterID
	}
	envs, err := s.ReadRange(ctx, from, "+")
	if err != nil {
		return nil, err
	}
	if afterID != "" && len(envs) > 0 && envs[0].ID == afterID {
		envs = envs[1:]
	}
	return envs, nil
}

// Len returns the number of entries currently retained in the stream.
func (s *LogStore) Len(ctx context.Context) (int64, error) {
	var n int64
	err := retry.Do(ctx, s.policy, IsTransient, func() error {
		res, err := s.client.XLen(ctx, s.stream).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", s.stream, err)
	}
	return n, nil
}
