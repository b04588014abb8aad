package pending

import (
	"context"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

func newTestStore() *Store {
	return NewStore(store.NewMemoryKV())
}

func TestConsumeIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	op := Op{
		Kind:   KindTool,
		CallID: "c1",
		NodeID: "n1",
		Tool:   "Bash",
		Route:  Route{Kind: RouteSession, SessionKey: "agent:main:main"},
	}
	if err := s.Register(ctx, op); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, ok, err := s.Consume(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Consume = %v, %v", ok, err)
	}
	if got.NodeID != "n1" || got.Route.SessionKey != "agent:main:main" {
		t.Errorf("unexpected op: %+v", got)
	}

	// Second consume must find nothing.
	_, ok, err = s.Consume(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate consume succeeded")
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	now := time.Now()

	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "live", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui"}, ExpiresAt: now.Add(time.Minute)})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "dead", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui", FrameID: "f1"}, ExpiresAt: now.Add(-time.Second)})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "forever", NodeID: "n1",
		Route: Route{Kind: RouteSession, SessionKey: "k"}})

	expired, err := s.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].CallID != "dead" {
		t.Errorf("expired = %+v", expired)
	}

	if _, ok, _ := s.Peek(ctx, "live"); !ok {
		t.Error("live op swept")
	}
	if _, ok, _ := s.Peek(ctx, "forever"); !ok {
		t.Error("deadline-free op swept")
	}
}

func TestEvictClient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "a", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui-1"}})
	_ = s.Register(ctx, Op{Kind: KindLog, CallID: "b", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui-1"}})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "c", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui-2"}})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "d", NodeID: "n1",
		Route: Route{Kind: RouteSession, SessionKey: "k"}})

	evicted, err := s.EvictClient(ctx, "ui-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 2 {
		t.Errorf("evicted %d ops, want 2", len(evicted))
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("remaining = %d, want 2", n)
	}
}

func TestFailLogsForNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_ = s.Register(ctx, Op{Kind: KindLog, CallID: "l1", NodeID: "n1",
		Route: Route{Kind: RouteClient, ClientID: "ui", FrameID: "f1"}})
	_ = s.Register(ctx, Op{Kind: KindLog, CallID: "l2", NodeID: "n2",
		Route: Route{Kind: RouteClient, ClientID: "ui", FrameID: "f2"}})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "t1", NodeID: "n1",
		Route: Route{Kind: RouteSession, SessionKey: "k"}})

	failed, err := s.FailLogsForNode(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].CallID != "l1" {
		t.Errorf("failed = %+v", failed)
	}
	// Tool calls for the node survive; the node may reconnect and reply.
	if _, ok, _ := s.Peek(ctx, "t1"); !ok {
		t.Error("tool op for node swept with logs")
	}
}

func TestNextDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	now := time.Now().Truncate(time.Millisecond)

	if due, _ := s.NextDue(ctx); !due.IsZero() {
		t.Errorf("empty store reported due %v", due)
	}

	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "a", ExpiresAt: now.Add(3 * time.Minute),
		Route: Route{Kind: RouteClient, ClientID: "ui"}})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "b", ExpiresAt: now.Add(time.Minute),
		Route: Route{Kind: RouteClient, ClientID: "ui"}})
	_ = s.Register(ctx, Op{Kind: KindTool, CallID: "c",
		Route: Route{Kind: RouteSession, SessionKey: "k"}})

	due, err := s.NextDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !due.Equal(now.Add(time.Minute)) {
		t.Errorf("NextDue = %v, want %v", due, now.Add(time.Minute))
	}
}
