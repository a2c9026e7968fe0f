package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"eventcore/dedup"
	"eventcore/streams"
)

type harness struct {
	mini    *miniredis.Miniredis
	client  *redis.Client
	store   *streams.LogStore
	reader  *streams.GroupReader
	guard   *dedup.Guard
	router  *streams.DeadLetterRouter
	monitor *streams.LagMonitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	h := &harness{
		mini:    m,
		client:  client,
		store:   streams.NewLogStore(client, "orders"),
		reader:  streams.NewGroupReader(client, "orders", "order-processors", "consumer-1", 10, 20*time.Millisecond),
		guard:   dedup.NewGuard(client, "orders:processed:", time.Hour),
		router:  streams.NewDeadLetterRouter(client, "orders:dlq"),
		monitor: streams.NewLagMonitor(client, "orders", "order-processors"),
	}
	if err := h.reader.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return h
}

func (h *harness) pendingCount(t *testing.T) int64 {
	t.Helper()
	lag, err := h.monitor.CurrentLag(context.Background())
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	return lag
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	calls int
}

func (r *recordingHandler) handle(_ context.Context, env streams.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err, ok := r.fail[env.ID]; ok {
		return err
	}
	r.seen = append(r.seen, env.ID)
	return nil
}

func (r *recordingHandler) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestCycleProcessesEntriesInDeliveryOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []string{`{"id":"o1"}`, `{"id":"o2"}`, `{"id":"o3"}`} {
		id, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(p)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	handler := &recordingHandler{}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	got := handler.ids()
	if len(got) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(got))
	}
	for i, id := range got {
		if id != ids[i] {
			t.Fatalf("callback %d out of order: expected %s, got %s", i, ids[i], id)
		}
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("expected everything acknowledged, %d still pending", lag)
	}
}

func TestRedeliveredEntryIsAckedWithoutReapplying(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(`{"id":"o1"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	envs, err := h.reader.Fetch(ctx)
	if err != nil || len(envs) != 1 {
		t.Fatalf("fetch: %v (%d entries)", err, len(envs))
	}

	handler := &recordingHandler{}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, time.Second)

	if err := p.processEntry(ctx, envs[0]); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Crash-before-ack redelivery hands the same entry back.
	if err := p.processEntry(ctx, envs[0]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if handler.calls != 1 {
		t.Fatalf("domain logic must run exactly once, ran %d times", handler.calls)
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("redelivered entry must still be acknowledged, %d pending", lag)
	}
}

func TestPoisonEntryIsQuarantinedAndAcked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := []byte(`{"id":"o7","customer":"bob","amount":-1}`)
	id, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: payload})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := &recordingHandler{fail: map[string]error{id: errors.New("boom")}}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	entries, err := h.router.Entries(ctx)
	if err != nil {
		t.Fatalf("dlq entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", len(entries))
	}
	if entries[0].OriginalID != id {
		t.Fatalf("expected original id %s, got %s", id, entries[0].OriginalID)
	}
	if string(entries[0].Payload) != string(payload) {
		t.Fatalf("original payload not preserved: %s", entries[0].Payload)
	}
	if entries[0].Reason != "boom" {
		t.Fatalf("unexpected reason %q", entries[0].Reason)
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("poison entry must be acknowledged, %d pending", lag)
	}
}

func TestPoisonEntryDoesNotBlockTheRest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	badID, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(`bad`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	goodID, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(`{"id":"o2"}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := &recordingHandler{fail: map[string]error{badID: errors.New("unparseable")}}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	got := handler.ids()
	if len(got) != 1 || got[0] != goodID {
		t.Fatalf("expected the entry after the poison one to process, got %v", got)
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("expected both entries terminal, %d pending", lag)
	}
}

type unavailableGuard struct{}

func (unavailableGuard) MarkIfAbsent(context.Context, string) (bool, error) {
	return false, dedup.ErrUnavailable
}
func (unavailableGuard) Unmark(context.Context, string) error { return dedup.ErrUnavailable }

func TestDedupOutageAbortsCycleAndLeavesEntriesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(`{"id":"o1"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := &recordingHandler{}
	p := New("orders", h.reader, unavailableGuard{}, h.router, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	if handler.calls != 0 {
		t.Fatalf("domain logic must not run without a dedup claim")
	}
	if lag := h.pendingCount(t); lag != 1 {
		t.Fatalf("entry must stay pending for the next cycle, lag=%d", lag)
	}

	entries, err := h.router.Entries(ctx)
	if err != nil {
		t.Fatalf("dlq entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("a store outage is not a poison entry, found %d dead letters", len(entries))
	}
}

type failingRouter struct{}

func (failingRouter) Move(context.Context, streams.Envelope, string) (string, error) {
	return "", errors.New("dead letter stream unavailable")
}

func TestFailedDeadLetterMoveReleasesClaimAndLeavesEntryPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.store.Append(ctx, streams.Envelope{Type: "order-placed", Payload: []byte(`{"id":"o1"}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := &recordingHandler{fail: map[string]error{id: errors.New("boom")}}
	p := New("orders", h.reader, h.guard, failingRouter{}, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	if lag := h.pendingCount(t); lag != 1 {
		t.Fatalf("entry must stay pending when quarantine fails, lag=%d", lag)
	}
	seen, err := h.guard.Seen(ctx, id)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("claim must be released so the retry reprocesses the entry whole")
	}
}

func TestEmptyPollIsQuiet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handler := &recordingHandler{}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, time.Second)
	p.runCycle(ctx)

	if handler.calls != 0 {
		t.Fatalf("no entries were appended, nothing should process")
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("expected zero lag, got %d", lag)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)

	handler := &recordingHandler{}
	p := New("orders", h.reader, h.guard, h.router, h.monitor, handler.handle, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	if _, err := h.store.Append(context.Background(), streams.Envelope{Type: "order-placed", Payload: []byte(`{"id":"o1"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(handler.ids()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("handler never saw the entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
	if lag := h.pendingCount(t); lag != 0 {
		t.Fatalf("in-flight entry must reach a terminal state before shutdown, lag=%d", lag)
	}
}
