package cronsvc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

type fakeBridge struct {
	mu    sync.Mutex
	sends []session.ChatSendRequest
}

func (b *fakeBridge) ChatSend(_ context.Context, req session.ChatSendRequest) (session.ChatSendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, req)
	return session.ChatSendResult{OK: true, RunID: req.RunID}, nil
}

func (b *fakeBridge) ToolResult(context.Context, string, session.ToolResultDelivery) (bool, error) {
	return true, nil
}

func (b *fakeBridge) IngestAsyncExecCompletion(context.Context, string, session.AsyncExecCompletion) error {
	return nil
}

func (b *fakeBridge) Do(context.Context, string, string, json.RawMessage) (any, error) {
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *fakeBridge) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.NewStore(context.Background(), store.NewMemoryKV(), nil)
	if err != nil {
		t.Fatal(err)
	}
	bridge := &fakeBridge{}
	svc, err := NewService(db.DB(), cfg, bridge, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return svc, bridge
}

func TestParseTimeSpec(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, loc)

	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-08-25T08:00:00Z", time.Date(2026, 8, 25, 8, 0, 0, 0, loc)},
		{"2026-08-25 08:00", time.Date(2026, 8, 25, 8, 0, 0, 0, loc)},
		{"in 2 hours", now.Add(2 * time.Hour)},
		{"in 45 minutes", now.Add(45 * time.Minute)},
		{"in 1 day", now.Add(24 * time.Hour)},
		{"today at 11:15 pm", time.Date(2026, 8, 24, 23, 15, 0, 0, loc)},
		{"tomorrow at 9:15 am", time.Date(2026, 8, 25, 9, 15, 0, 0, loc)},
		{"tomorrow 14:00", time.Date(2026, 8, 25, 14, 0, 0, 0, loc)},
		{"today at 12 am", time.Date(2026, 8, 24, 0, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		got, err := ParseTimeSpec(tc.in, now, loc)
		if err != nil {
			t.Errorf("ParseTimeSpec(%q) error: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseTimeSpec(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "whenever", "in minus 3 hours", "today at 25:00"} {
		if _, err := ParseTimeSpec(bad, now, loc); err == nil {
			t.Errorf("ParseTimeSpec(%q) accepted", bad)
		}
	}
}

func TestScheduleNextRun(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)

	// One-shot in the past has no future run.
	at := Schedule{Kind: ScheduleAt, AtMs: now.Add(-time.Hour).UnixMilli()}
	if next, _ := at.NextRun(now, loc); !next.IsZero() {
		t.Errorf("past at = %v", next)
	}

	// Interval schedules stay phase-locked to their anchor.
	anchor := now.Add(-90 * time.Minute)
	every := Schedule{Kind: ScheduleEvery, EveryMs: time.Hour.Milliseconds(), AnchorMs: anchor.UnixMilli()}
	next, err := every.NextRun(now, loc)
	if err != nil {
		t.Fatal(err)
	}
	if want := anchor.Add(2 * time.Hour); !next.Equal(want) {
		t.Errorf("every next = %v, want %v", next, want)
	}

	expr := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"}
	next, err = expr.NextRun(now, loc)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 25, 9, 0, 0, 0, loc); !next.Equal(want) {
		t.Errorf("cron next = %v, want %v", next, want)
	}

	if err := (Schedule{Kind: ScheduleCron, Expr: "not a cron"}).Validate(); err == nil {
		t.Error("bad cron expression validated")
	}
	if err := (Schedule{Kind: "sometimes"}).Validate(); err == nil {
		t.Error("unknown kind validated")
	}
}

func TestAddListUpdateRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	job, err := svc.Add(ctx, AddParams{
		Name:     "morning brief",
		AgentID:  "Main",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"},
		Spec:     Spec{Mode: ModeSystemEvent, Text: "prepare the morning brief"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.AgentID != "main" || !job.Enabled || job.State.NextRunAtMs == 0 {
		t.Fatalf("job = %+v", job)
	}

	jobs, err := svc.List(ctx, "")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list = %v, %v", jobs, err)
	}

	disabled := false
	updated, err := svc.Update(ctx, job.ID, Patch{Enabled: &disabled})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Enabled || updated.State.NextRunAtMs != 0 {
		t.Fatalf("disabled job still scheduled: %+v", updated.State)
	}

	if err := svc.Remove(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, job.ID); err != ErrJobNotFound {
		t.Fatalf("get after remove: %v", err)
	}
	if err := svc.Remove(ctx, job.ID); err != ErrJobNotFound {
		t.Fatalf("double remove: %v", err)
	}
}

func TestNaturalTimeAdd(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	job, err := svc.Add(ctx, AddParams{
		Name: "reminder",
		When: "in 2 hours",
		Spec: Spec{Mode: ModeSystemEvent, Text: "ping"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Schedule.Kind != ScheduleAt {
		t.Fatalf("schedule = %+v", job.Schedule)
	}
	if got := job.State.NextRunAtMs; got != base.Add(2*time.Hour).UnixMilli() {
		t.Fatalf("nextRunAtMs = %d", got)
	}
}

func TestRunDueDispatchesAndReschedules(t *testing.T) {
	ctx := context.Background()
	svc, bridge := newTestService(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	job, err := svc.Add(ctx, AddParams{
		Name:     "poll feeds",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: time.Hour.Milliseconds()},
		Spec:     Spec{Mode: ModeTask, Message: "check the feeds", Model: "claude-haiku-4-5"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Not due yet.
	if n, err := svc.RunDue(ctx); err != nil || n != 0 {
		t.Fatalf("early run = %d, %v", n, err)
	}

	svc.now = func() time.Time { return base.Add(61 * time.Minute) }
	n, err := svc.RunDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("run = %d, %v", n, err)
	}

	if len(bridge.sends) != 1 {
		t.Fatalf("sends = %d", len(bridge.sends))
	}
	req := bridge.sends[0]
	if req.SessionKey != "agent:main:cron:"+job.ID {
		t.Errorf("sessionKey = %q", req.SessionKey)
	}
	if req.Overrides == nil || req.Overrides.Model != "claude-haiku-4-5" {
		t.Errorf("overrides = %+v", req.Overrides)
	}

	after, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State.LastStatus != StatusOK || after.State.LastRunAtMs == 0 {
		t.Fatalf("state = %+v", after.State)
	}
	if after.State.NextRunAtMs <= after.State.LastRunAtMs {
		t.Fatalf("not rescheduled: %+v", after.State)
	}

	runs, err := svc.Runs(ctx, job.ID, 10)
	if err != nil || len(runs) != 1 || runs[0].Status != StatusOK {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
}

func TestOneShotDeleteAfterRun(t *testing.T) {
	ctx := context.Background()
	svc, bridge := newTestService(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	job, err := svc.Add(ctx, AddParams{
		Name:           "one shot",
		DeleteAfterRun: true,
		Schedule:       Schedule{Kind: ScheduleAt, AtMs: base.Add(time.Minute).UnixMilli()},
		Spec:           Spec{Mode: ModeSystemEvent, Text: "fire once"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if n, _ := svc.RunDue(ctx); n != 1 {
		t.Fatal("job did not fire")
	}
	if len(bridge.sends) != 1 || bridge.sends[0].SessionKey != "agent:main:main" {
		t.Fatalf("sends = %+v", bridge.sends)
	}
	if _, err := svc.Get(ctx, job.ID); err != ErrJobNotFound {
		t.Fatalf("one-shot survived: %v", err)
	}
}

func TestTaskDeliveryContext(t *testing.T) {
	ctx := context.Background()
	svc, bridge := newTestService(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	_, err := svc.Add(ctx, AddParams{
		Name:     "daily digest",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: base.Add(time.Minute).UnixMilli()},
		Spec: Spec{
			Mode:              ModeTask,
			Message:           "send the digest",
			Deliver:           true,
			Channel:           "whatsapp",
			To:                "+15550001111",
			BestEffortDeliver: true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if n, _ := svc.RunDue(ctx); n != 1 {
		t.Fatal("job did not fire")
	}

	cc := bridge.sends[0].ChannelContext
	if cc == nil {
		t.Fatal("delivery context missing")
	}
	if cc.Channel != "whatsapp" || cc.Peer.ID != "+15550001111" {
		t.Fatalf("context = %+v", cc)
	}
	if !cc.BestEffort {
		t.Error("best-effort flag dropped")
	}
}

func TestForceRunIgnoresSchedule(t *testing.T) {
	ctx := context.Background()
	svc, bridge := newTestService(t)

	job, err := svc.Add(ctx, AddParams{
		Name:     "later",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Spec:     Spec{Mode: ModeSystemEvent, Text: "later"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Run(ctx, job.ID, RunModeDue)
	if err != nil {
		t.Fatal(err)
	}
	if res["ran"] != 0 {
		t.Fatalf("due run fired early: %+v", res)
	}

	res, err = svc.Run(ctx, job.ID, RunModeForce)
	if err != nil || res["ran"] != 1 {
		t.Fatalf("force run = %+v, %v", res, err)
	}
	if len(bridge.sends) != 1 {
		t.Fatalf("sends = %d", len(bridge.sends))
	}
}
