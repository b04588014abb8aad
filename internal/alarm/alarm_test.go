package alarm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

type stubParticipant struct {
	mu   sync.Mutex
	due  time.Time
	runs int
}

func (p *stubParticipant) nextDue(context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.due, nil
}

func (p *stubParticipant) run(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	p.due = time.Time{}
	return nil
}

func (p *stubParticipant) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func newTestOrchestrator(parts ...*stubParticipant) *Orchestrator {
	o := New(store.NewMemoryKV(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i, p := range parts {
		o.Register(Participant{
			Name:    string(rune('a' + i)),
			NextDue: p.nextDue,
			Run:     p.run,
		})
	}
	return o
}

func TestFrontierPicksEarliest(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	a := &stubParticipant{due: now.Add(time.Hour)}
	b := &stubParticipant{due: now.Add(10 * time.Minute)}
	c := &stubParticipant{} // nothing scheduled

	o := newTestOrchestrator(a, b, c)
	o.now = func() time.Time { return now }

	if got := o.frontier(context.Background()); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("frontier = %v", got)
	}
}

func TestFrontierClampedToBounds(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(&stubParticipant{due: now.Add(-time.Hour)})
	o.now = func() time.Time { return now }
	if got := o.frontier(context.Background()); !got.Equal(now.Add(minInterval)) {
		t.Fatalf("overdue frontier = %v, want floor", got)
	}

	o = newTestOrchestrator(&stubParticipant{})
	o.now = func() time.Time { return now }
	if got := o.frontier(context.Background()); !got.Equal(now.Add(maxInterval)) {
		t.Fatalf("idle frontier = %v, want cap", got)
	}
}

func TestTimerFiresDueParticipants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &stubParticipant{due: time.Now().Add(5 * time.Millisecond)}
	o := newTestOrchestrator(p)

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for p.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.runCount() == 0 {
		t.Fatal("participant never ran")
	}

	cancel()
	<-done
}

func TestRecomputePullsWakeEarlier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &stubParticipant{} // idle: loop arms at maxInterval
	o := newTestOrchestrator(p)

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	// Wait for the loop to arm its timer.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		armed := o.timer != nil
		o.mu.Unlock()
		if armed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	p.due = time.Now().Add(5 * time.Millisecond)
	p.mu.Unlock()
	o.Recompute(ctx)

	for p.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.runCount() == 0 {
		t.Fatal("recompute did not pull the wake time in")
	}

	cancel()
	<-done
}

func TestMissedWorkRunsOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := store.NewMemoryKV()
	ns := store.NewNamespace(kv, "alarmState:")
	if err := ns.Put(ctx, "wakeAt", time.Now().Add(-time.Hour).UnixMilli()); err != nil {
		t.Fatal(err)
	}

	p := &stubParticipant{due: time.Now().Add(time.Hour)}
	o := New(kv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.Register(Participant{Name: "p", NextDue: p.nextDue, Run: p.run})

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for p.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.runCount() == 0 {
		t.Fatal("missed work was not run at startup")
	}

	cancel()
	<-done
}
