// Package processor ties the consumer group reader, dedup guard, dead-letter
// router and lag monitor into a fixed-period polling loop over one stream.
package processor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"eventcore/metrics"
	"eventcore/streams"
)

// Handler is the domain callback invoked once per non-duplicate entry.
type Handler func(ctx context.Context, env streams.Envelope) error

type reader interface {
	Fetch(ctx context.Context) ([]streams.Envelope, error)
	Ack(ctx context.Context, id string) error
}

type guard interface {
	MarkIfAbsent(ctx context.Context, id string) (bool, error)
	Unmark(ctx context.Context, id string) error
}

type router interface {
	Move(ctx context.Context, env streams.Envelope, reason string) (string, error)
}

type monitor interface {
	Sample(ctx context.Context)
}

// Processor polls a stream on a fixed period and runs the per-entry
// algorithm: claim, apply-or-quarantine, acknowledge. Entries within one
// cycle are processed sequentially in delivery order so acknowledgement and
// claim order match delivery order.
type Processor struct {
	stream   string
	reader   reader
	guard    guard
	router   router
	monitor  monitor
	handler  Handler
	interval time.Duration
}

func New(stream string, r reader, g guard, dlq router, m monitor, h Handler, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		stream:   stream,
		reader:   r,
		guard:    g,
		router:   dlq,
		monitor:  m,
		handler:  h,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. Cancellation stops new polls; the entry
// in flight finishes its acknowledge-or-dead-letter step before Run returns.
func (p *Processor) Run(ctx context.Context) {
	log.Infof("Stream processor starting for %s, polling every %v", p.stream, p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.runCycle(ctx)
		select {
		case <-ctx.Done():
			log.Infof("Stream processor for %s stopped", p.stream)
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one poll. Store-unavailability failures abort the whole
// cycle and leave the remaining entries pending for the next poll; nothing
// here may take down the host process.
func (p *Processor) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer p.monitor.Sample(context.WithoutCancel(ctx))

	batch, err := p.reader.Fetch(ctx)
	if err != nil {
		log.WithError(err).Error("Poll failed, will retry next cycle")
		return
	}
	if len(batch) == 0 {
		return
	}
	log.Debugf("Received %d new entries from stream %s", len(batch), p.stream)

	for _, env := range batch {
		if ctx.Err() != nil {
			// Undelivered claims stay with the pending set and come back
			// on the next delivery.
			return
		}
		if err := p.processEntry(ctx, env); err != nil {
			log.WithError(err).WithField("entry", env.ID).Error("Cycle aborted, remaining entries left pending")
			return
		}
	}
}

func (p *Processor) processEntry(ctx context.Context, env streams.Envelope) error {
	claimed, err := p.guard.MarkIfAbsent(ctx, env.ID)
	if err != nil {
		// Fail closed: never run domain logic without a dedup claim.
		return fmt.Errorf("dedup claim for %s: %w", env.ID, err)
	}

	// Terminal steps run even when shutdown races an in-flight entry, so an
	// entry is never left claimed-but-unacknowledged.
	term := context.WithoutCancel(ctx)

	if !claimed {
		log.WithField("entry", env.ID).Warn("Skipping already processed entry, acknowledging to be safe")
		p.acknowledge(term, env.ID)
		metrics.EntriesTotal.WithLabelValues(p.stream, metrics.OutcomeDuplicate).Inc()
		return nil
	}

	if err := p.handler(ctx, env); err != nil {
		log.WithError(err).WithField("entry", env.ID).Error("Processing failed, moving entry to dead letter stream")
		if _, mvErr := p.router.Move(term, env, err.Error()); mvErr != nil {
			// The claim must not survive a failed quarantine: the redelivery
			// would otherwise take the duplicate path and acknowledge without
			// ever dead-lettering, losing the entry from both streams.
			if unErr := p.guard.Unmark(term, env.ID); unErr != nil {
				log.WithError(unErr).WithField("entry", env.ID).Error("Could not release dedup claim after failed dead letter move")
			}
			return fmt.Errorf("dead letter move for %s: %w", env.ID, mvErr)
		}
		p.acknowledge(term, env.ID)
		metrics.EntriesTotal.WithLabelValues(p.stream, metrics.OutcomeDeadLetter).Inc()
		return nil
	}

	p.acknowledge(term, env.ID)
	metrics.EntriesTotal.WithLabelValues(p.stream, metrics.OutcomeProcessed).Inc()
	return nil
}

// acknowledge logs an ack failure loudly and moves on: the entry stays
// pending, and the redelivery is absorbed by the duplicate path.
func (p *Processor) acknowledge(ctx context.Context, id string) {
	if err := p.reader.Ack(ctx, id); err != nil {
		log.WithError(err).WithField("entry", id).Error("Acknowledge failed, entry remains pending until redelivery")
	}
}
