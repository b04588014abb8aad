package asyncexec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

type flakyBridge struct {
	mu        sync.Mutex
	failTimes int
	got       []session.AsyncExecCompletion
	keys      []string
	onIngest  func()
}

func (b *flakyBridge) ChatSend(context.Context, session.ChatSendRequest) (session.ChatSendResult, error) {
	return session.ChatSendResult{OK: true}, nil
}

func (b *flakyBridge) ToolResult(context.Context, string, session.ToolResultDelivery) (bool, error) {
	return true, nil
}

func (b *flakyBridge) IngestAsyncExecCompletion(_ context.Context, sessionKey string, c session.AsyncExecCompletion) error {
	if b.onIngest != nil {
		b.onIngest()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTimes > 0 {
		b.failTimes--
		return errors.New("session busy")
	}
	b.got = append(b.got, c)
	b.keys = append(b.keys, sessionKey)
	return nil
}

func (b *flakyBridge) Do(context.Context, string, string, json.RawMessage) (any, error) {
	return nil, nil
}

type staticInventory struct{}

func (staticInventory) ToolsList(context.Context) ([]session.ToolDefinition, error) {
	return []session.ToolDefinition{{Name: "laptop__shell"}}, nil
}

func (staticInventory) RuntimeSnapshot(context.Context) ([]session.RuntimeNode, error) {
	return []session.RuntimeNode{{NodeID: "laptop", Online: true}}, nil
}

func newTestPipeline(bridge *flakyBridge) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store.NewMemoryKV(), bridge, staticInventory{}, logger)
}

func finishedEvent(execID string, exit int) ExecEvent {
	return ExecEvent{
		SessionID: execID,
		Event:     EventFinished,
		ExitCode:  &exit,
		EndedAt:   1700000000000,
	}
}

func TestCompletionDeliveredExactlyOnce(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{}
	p := newTestPipeline(bridge)

	if err := p.RegisterRunning(ctx, "laptop", "exec-1", "agent:main:main", "call-1"); err != nil {
		t.Fatal(err)
	}
	ev := finishedEvent("exec-1", 0)
	if err := p.HandleExecEvent(ctx, "laptop", ev); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 1 {
		t.Fatalf("deliveries = %d", len(bridge.got))
	}
	got := bridge.got[0]
	if got.CallID != "call-1" || got.Event != EventFinished || *got.ExitCode != 0 {
		t.Fatalf("completion = %+v", got)
	}
	if len(got.Tools) != 1 || len(got.RuntimeNodes) != 1 {
		t.Fatalf("snapshots missing: %+v", got)
	}

	// A resent event with the same derived id is a no-op.
	if err := p.HandleExecEvent(ctx, "laptop", ev); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 1 {
		t.Fatalf("duplicate delivered: %d", len(bridge.got))
	}
}

func TestEnvelopeQueuedBeforeDeliveryAttempt(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{}
	p := newTestPipeline(bridge)

	queuedAt, runningAt := -1, -1
	bridge.onIngest = func() {
		qk, _ := p.queue.Keys(ctx)
		rk, _ := p.running.Keys(ctx)
		queuedAt = len(qk)
		runningAt = len(rk)
	}

	if err := p.RegisterRunning(ctx, "laptop", "exec-4", "agent:main:main", "call-4"); err != nil {
		t.Fatal(err)
	}
	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("exec-4", 0)); err != nil {
		t.Fatal(err)
	}

	// When the session was called the envelope was already durable and
	// the running entry retired: a crash mid-delivery leaves a
	// retryable envelope, not a lost event.
	if queuedAt != 1 || runningAt != 0 {
		t.Fatalf("at delivery time: queued=%d running=%d", queuedAt, runningAt)
	}
	if next, _ := p.NextDue(ctx); !next.IsZero() {
		t.Fatalf("queue not drained after success: %v", next)
	}
	if len(bridge.got) != 1 {
		t.Fatalf("deliveries = %d", len(bridge.got))
	}
}

func TestUnknownExecDropped(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{}
	p := newTestPipeline(bridge)

	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("ghost", 1)); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 0 {
		t.Fatalf("unexpected delivery: %+v", bridge.got)
	}
}

func TestFailedDeliveryRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{failTimes: 2}
	p := newTestPipeline(bridge)

	base := time.Now()
	p.now = func() time.Time { return base }

	if err := p.RegisterRunning(ctx, "laptop", "exec-2", "agent:main:main", "call-2"); err != nil {
		t.Fatal(err)
	}
	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("exec-2", 0)); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 0 {
		t.Fatal("delivery should have failed")
	}

	next, err := p.NextDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := next.Sub(base); got != time.Second {
		t.Fatalf("first backoff = %v", got)
	}

	// Not due yet: nothing happens.
	if err := p.RetryDeliveries(ctx); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 0 {
		t.Fatal("retried before due")
	}

	// Second attempt fails, backoff doubles.
	p.now = func() time.Time { return base.Add(time.Second) }
	if err := p.RetryDeliveries(ctx); err != nil {
		t.Fatal(err)
	}
	next, _ = p.NextDue(ctx)
	if got := next.Sub(base.Add(time.Second)); got != 2*time.Second {
		t.Fatalf("second backoff = %v", got)
	}

	// Third attempt lands.
	p.now = func() time.Time { return base.Add(3 * time.Second) }
	if err := p.RetryDeliveries(ctx); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 1 {
		t.Fatalf("deliveries = %d", len(bridge.got))
	}

	// The queue drained and the event is now remembered as delivered.
	next, _ = p.NextDue(ctx)
	if !next.IsZero() {
		t.Fatalf("queue not drained: %v", next)
	}
	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("exec-2", 0)); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 1 {
		t.Fatal("delivered twice after retries")
	}
}

func TestBackoffCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestOutputTailTruncation(t *testing.T) {
	long := strings.Repeat("x", outputTailMax+100) + "END"
	got := truncateTail(long)
	if len(got) != outputTailMax {
		t.Fatalf("len = %d", len(got))
	}
	if !strings.HasSuffix(got, "END") {
		t.Error("tail lost the end of the output")
	}
	if short := truncateTail("short"); short != "short" {
		t.Errorf("short output mangled: %q", short)
	}
}

func TestSweepExpiresStaleState(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{}
	p := newTestPipeline(bridge)

	base := time.Now()
	p.now = func() time.Time { return base }
	if err := p.RegisterRunning(ctx, "laptop", "exec-old", "agent:main:main", "call-old"); err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return base.Add(pendingTTL + time.Minute) }
	if err := p.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := p.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("stale exec survived sweep: %d", n)
	}

	// A terminal event arriving after expiry has nothing to match.
	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("exec-old", 0)); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 0 {
		t.Fatalf("expired exec delivered: %+v", bridge.got)
	}
}

func TestStartedEventRefreshesRegistration(t *testing.T) {
	ctx := context.Background()
	bridge := &flakyBridge{}
	p := newTestPipeline(bridge)

	base := time.Now()
	p.now = func() time.Time { return base }
	if err := p.RegisterRunning(ctx, "laptop", "exec-3", "agent:main:main", "call-3"); err != nil {
		t.Fatal(err)
	}

	// A started heartbeat just before expiry keeps the exec alive.
	p.now = func() time.Time { return base.Add(pendingTTL - time.Minute) }
	if err := p.HandleExecEvent(ctx, "laptop", ExecEvent{SessionID: "exec-3", Event: EventStarted}); err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return base.Add(pendingTTL + time.Minute) }
	if err := p.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.PendingCount(ctx); n != 1 {
		t.Fatalf("refreshed exec swept: %d", n)
	}

	if err := p.HandleExecEvent(ctx, "laptop", finishedEvent("exec-3", 0)); err != nil {
		t.Fatal(err)
	}
	if len(bridge.got) != 1 {
		t.Fatalf("deliveries = %d", len(bridge.got))
	}
}

func TestDerivedEventIDStable(t *testing.T) {
	ev := finishedEvent("exec-9", 0)
	a := deriveEventID("laptop", ev)
	b := deriveEventID("laptop", ev)
	if a != b {
		t.Fatalf("unstable id: %s vs %s", a, b)
	}
	if a == deriveEventID("phone", ev) {
		t.Error("node id not part of the event id")
	}
}
