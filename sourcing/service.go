package sourcing

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"eventcore/dedup"
	"eventcore/domain"
	"eventcore/streams"
)

// Service is the write side of the product log. Every state change is
// appended as an event; nothing is ever updated in place. Appends are guarded
// by a per-event claim so a retried producer call for the same logical event
// lands in the log at most once.
type Service struct {
	store       *streams.LogStore
	appendGuard *dedup.Guard
	snaps       *SnapshotManager
	threshold   int64
}

func NewService(store *streams.LogStore, appendGuard *dedup.Guard, snaps *SnapshotManager, threshold int64) *Service {
	if threshold <= 0 {
		threshold = 50
	}
	return &Service{store: store, appendGuard: appendGuard, snaps: snaps, threshold: threshold}
}

func (s *Service) RecordCreated(ctx context.Context, p domain.Product) error {
	payload, err := domain.EncodeProduct(p)
	if err != nil {
		return err
	}
	return s.record(ctx, domain.ProductCreated, payload, time.Now())
}

func (s *Service) RecordUpdated(ctx context.Context, p domain.Product) error {
	payload, err := domain.EncodeProduct(p)
	if err != nil {
		return err
	}
	return s.record(ctx, domain.ProductUpdated, payload, time.Now())
}

func (s *Service) RecordDeleted(ctx context.Context, productID string) error {
	payload, err := domain.DeletedPayload(productID)
	if err != nil {
		return err
	}
	return s.record(ctx, domain.ProductDeleted, payload, time.Now())
}

func (s *Service) record(ctx context.Context, eventType string, payload []byte, producedAt time.Time) error {
	env := streams.Envelope{
		Type:          eventType,
		Payload:       payload,
		ProducedAt:    producedAt,
		SchemaVersion: domain.ProductSchemaVersion,
	}
	key, err := logicalKey(env)
	if err != nil {
		return err
	}

	applied, err := s.appendGuard.MarkIfAbsent(ctx, key)
	if err != nil {
		return fmt.Errorf("append claim for %s: %w", key, err)
	}
	if !applied {
		log.WithField("key", key).Warn("Duplicate product event, skipping append")
		return nil
	}

	id, err := s.store.Append(ctx, env)
	if err != nil {
		// Release the claim so a later retry of the same event can append.
		if unErr := s.appendGuard.Unmark(context.WithoutCancel(ctx), key); unErr != nil {
			log.WithError(unErr).WithField("key", key).Error("Could not release append claim after failed append")
		}
		return err
	}
	log.WithField("entry", id).Debugf("Appended %s event", eventType)

	s.maybeCompact(ctx)
	return nil
}

// maybeCompact takes a snapshot every threshold appends. A failed snapshot is
// logged and dropped: state is still recoverable by replay, and the next
// threshold crossing retries the fold from the same position.
func (s *Service) maybeCompact(ctx context.Context) {
	n, err := s.store.Len(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not read log length, skipping snapshot check")
		return
	}
	if n == 0 || n%s.threshold != 0 {
		return
	}
	if err := s.snaps.Compact(ctx); err != nil {
		log.WithError(err).Error("Snapshot failed, state remains recoverable by replay")
	}
}

// Reconstruct rebuilds current product state from the latest snapshot plus a
// replay of the log entries appended after it. The replay is read only: fold
// claims are checked, never taken, so reconstruction can run concurrently
// with compaction without poisoning a later fold.
func (s *Service) Reconstruct(ctx context.Context) (map[string]domain.Product, error) {
	snap, err := s.snaps.Load(ctx)
	if err != nil {
		return nil, err
	}
	state := make(map[string]domain.Product, len(snap.State))
	for id, p := range snap.State {
		state[id] = p
	}

	tail, err := s.store.ReadAfter(ctx, snap.LastEventID)
	if err != nil {
		return nil, fmt.Errorf("read events after %q: %w", snap.LastEventID, err)
	}

	replayed := make(map[string]struct{}, len(tail))
	for _, env := range tail {
		key, err := logicalKey(env)
		if err != nil {
			log.WithError(err).WithField("entry", env.ID).Warn("Skipping malformed event during replay")
			continue
		}
		if _, dup := replayed[key]; dup {
			continue
		}
		folded, err := s.snaps.guard.Seen(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fold check for %s: %w", env.ID, err)
		}
		if folded {
			// Already in the snapshot; this copy is a duplicate.
			continue
		}
		replayed[key] = struct{}{}
		if err := domain.ApplyProduct(state, env.Type, env.Payload, env.SchemaVersion); err != nil {
			log.WithError(err).WithField("entry", env.ID).Warn("Skipping unappliable event during replay")
			continue
		}
	}
	return state, nil
}
