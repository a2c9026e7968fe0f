// Package sourcing keeps product state as an append-only event log with
// periodic snapshot compaction. Current state is the latest snapshot plus a
// replay of the events appended after it.
package sourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/dedup"
	"eventcore/domain"
	"eventcore/metrics"
	"eventcore/retry"
	"eventcore/streams"
)

var ErrSnapshotFailed = errors.New("snapshot save failed")

// Snapshot pins a fold of the product log at a known position. LastEventID is
// the id of the last log entry the fold consumed; replaying the entries after
// it on top of State yields current state.
type Snapshot struct {
	AggregateKey   string                    `json:"aggregateKey"`
	State          map[string]domain.Product `json:"state"`
	AsOfEventCount int64                     `json:"asOfEventCount"`
	LastEventID    string                    `json:"lastEventId"`
	TakenAt        time.Time                 `json:"takenAt"`
}

// logicalKey identifies a product event independently of its log position, so
// a redelivered or re-appended copy of the same event maps to the same key.
func logicalKey(env streams.Envelope) (string, error) {
	id, err := domain.ProductID(env.Payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%d", env.Type, id, env.ProducedAt.UnixNano()), nil
}

// SnapshotManager folds the product log into a single hash field and advances
// the fold incrementally: each run consumes only the entries appended since
// the previous snapshot.
type SnapshotManager struct {
	client    *redis.Client
	store     *streams.LogStore
	guard     *dedup.Guard
	hashKey   string
	aggregate string
	policy    retry.Policy
}

func NewSnapshotManager(client *redis.Client, store *streams.LogStore, guard *dedup.Guard, hashKey, aggregate string) *SnapshotManager {
	return &SnapshotManager{
		client:    client,
		store:     store,
		guard:     guard,
		hashKey:   hashKey,
		aggregate: aggregate,
		policy:    retry.DefaultPolicy,
	}
}

// Load reads the persisted snapshot. A missing snapshot is not an error: the
// fold simply starts from the beginning of the log with empty state.
func (m *SnapshotManager) Load(ctx context.Context) (Snapshot, error) {
	raw, err := m.client.HGet(ctx, m.hashKey, m.aggregate).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{AggregateKey: m.aggregate, State: map[string]domain.Product{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s/%s: %w", m.hashKey, m.aggregate, err)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s/%s: %w", m.hashKey, m.aggregate, err)
	}
	if snap.State == nil {
		snap.State = map[string]domain.Product{}
	}
	return snap, nil
}

func (m *SnapshotManager) save(ctx context.Context, snap Snapshot) error {
	raw, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = retry.Do(ctx, m.policy, streams.IsTransient, func() error {
		return m.client.HSet(ctx, m.hashKey, m.aggregate, raw).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrSnapshotFailed, m.hashKey, m.aggregate, err)
	}
	return nil
}

// Compact folds the log entries appended since the last snapshot into the
// persisted state. Each entry's logical key is claimed before it is applied,
// so a duplicate copy of an already folded event advances the cursor without
// touching state. If the snapshot cannot be written the claims taken during
// this run are released and the next run folds the same entries again.
func (m *SnapshotManager) Compact(ctx context.Context) error {
	started := time.Now()

	snap, err := m.Load(ctx)
	if err != nil {
		return err
	}
	tail, err := m.store.ReadAfter(ctx, snap.LastEventID)
	if err != nil {
		return fmt.Errorf("read events after %q: %w", snap.LastEventID, err)
	}
	if len(tail) == 0 {
		log.WithField("aggregate", m.aggregate).Debug("No new events since last snapshot")
		return nil
	}

	var claimed []string
	folded := 0
	for _, env := range tail {
		key, err := logicalKey(env)
		if err != nil {
			log.WithError(err).WithField("entry", env.ID).Warn("Skipping malformed event during snapshot fold")
			snap.LastEventID = env.ID
			continue
		}
		applied, err := m.guard.MarkIfAbsent(ctx, key)
		if err != nil {
			m.release(ctx, claimed)
			return fmt.Errorf("fold claim for %s: %w", env.ID, err)
		}
		if !applied {
			snap.LastEventID = env.ID
			continue
		}
		claimed = append(claimed, key)
		snap.LastEventID = env.ID
		if err := domain.ApplyProduct(snap.State, env.Type, env.Payload, env.SchemaVersion); err != nil {
			log.WithError(err).WithField("entry", env.ID).Warn("Skipping unappliable event during snapshot fold")
			continue
		}
		snap.AsOfEventCount++
		folded++
	}

	snap.TakenAt = time.Now()
	if err := m.save(ctx, snap); err != nil {
		m.release(ctx, claimed)
		return err
	}

	metrics.SnapshotsTakenTotal.Inc()
	metrics.SnapshotLastTakenTimestamp.SetToCurrentTime()
	metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
	log.WithField("aggregate", m.aggregate).Infof("Snapshot taken: %d events folded this run, %d total, position %s", folded, snap.AsOfEventCount, snap.LastEventID)
	return nil
}

func (m *SnapshotManager) release(ctx context.Context, keys []string) {
	term := context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := m.guard.Unmark(term, key); err != nil {
			log.WithError(err).WithField("key", key).Error("Could not release fold claim after failed snapshot")
		}
	}
}
