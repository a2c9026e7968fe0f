package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/retry"
)

const (
	defaultFetchCount   = 10
	defaultBlockTimeout = 2 * time.Second
)

// GroupReader pulls undelivered entries for one group/member pair. Each fetch
// blocks up to the configured timeout when the stream is idle; an empty
// result is not an error.
type GroupReader struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	count    int64
	block    time.Duration
	policy   retry.Policy
}

func NewGroupReader(client *redis.Client, stream, group, consumer string, count int64, block time.Duration) *GroupReader {
	if count <= 0 {
		count = defaultFetchCount
	}
	if block <= 0 {
		block = defaultBlockTimeout
	}
	return &GroupReader{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		count:    count,
		block:    block,
		policy:   retry.DefaultPolicy,
	}
}

// EnsureGroup creates the consumer group from the beginning of the stream,
// creating the stream itself when absent. A group that already exists is
// expected on restart.
func (r *GroupReader) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			log.Warnf("Consumer group %s already exists on stream %s", r.group, r.stream)
			return nil
		}
		return fmt.Errorf("create group %s on %s: %w", r.group, r.stream, err)
	}
	log.Infof("Consumer group %s created for stream %s", r.group, r.stream)
	return nil
}

// Fetch returns the next batch of entries not yet delivered to this group, in
// delivery order, bounded by the configured count. It blocks up to the block
// timeout; a timeout with no entries returns an empty batch and nil error.
func (r *GroupReader) Fetch(ctx context.Context) ([]Envelope, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    r.count,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s on %s: %w", r.group, r.stream, err)
	}
	var envs []Envelope
	for _, st := range res {
		for _, msg := range st.Messages {
			envs = append(envs, EnvelopeFromMessage(r.stream, msg))
		}
	}
	return envs, nil
}

// Ack removes an entry from the group's pending set. It must be called
// exactly once per terminal entry, whatever the processing outcome.
func (r *GroupReader) Ack(ctx context.Context, id string) error {
	err := retry.Do(ctx, r.policy, IsTransient, func() error {
		return r.client.XAck(ctx, r.stream, r.group, id).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrAcknowledgeFailed, id, r.stream, err)
	}
	return nil
}
