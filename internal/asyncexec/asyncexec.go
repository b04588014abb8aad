// Package asyncexec carries long-running remote shell executions from
// the "running" tool result to the terminal completion delivered into
// the owning session.
//
// A node answers a shell tool call with {status:"running", sessionId}
// and keeps the process going after the tool call returns. When the
// process ends the node emits an exec event; the pipeline matches it to
// the registered running exec, deduplicates by event id, and delivers a
// completion into the session exactly once. Failed deliveries are queued
// and retried with exponential backoff.
package asyncexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

const (
	// pendingTTL bounds how long a running exec may stay unresolved.
	pendingTTL = 24 * time.Hour

	// dedupTTL bounds the delivered-event memory.
	dedupTTL = 24 * time.Hour

	// outputTailMax caps the completion's output tail.
	outputTailMax = 4096

	// maxBackoff caps the delivery retry interval.
	maxBackoff = 60 * time.Second
)

// Exec lifecycle events. Started refreshes the registration; the other
// three are terminal.
const (
	EventStarted  = "started"
	EventFinished = "finished"
	EventFailed   = "failed"
	EventTimedOut = "timed_out"
)

// ExecEvent is the node's exec lifecycle payload.
type ExecEvent struct {
	SessionID  string `json:"sessionId"`
	Event      string `json:"event"`
	EventID    string `json:"eventId,omitempty"`
	CallID     string `json:"callId,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Signal     string `json:"signal,omitempty"`
	OutputTail string `json:"outputTail,omitempty"`
	StartedAt  int64  `json:"startedAt,omitempty"`
	EndedAt    int64  `json:"endedAt,omitempty"`
}

// Inventory supplies the tool and runtime snapshots folded into each
// completion. The node service implements it.
type Inventory interface {
	ToolsList(ctx context.Context) ([]session.ToolDefinition, error)
	RuntimeSnapshot(ctx context.Context) ([]session.RuntimeNode, error)
}

type runningExec struct {
	NodeID        string    `json:"nodeId"`
	ExecSessionID string    `json:"execSessionId"`
	SessionKey    string    `json:"sessionKey"`
	CallID        string    `json:"callId"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

type queuedDelivery struct {
	EventID       string                      `json:"eventId"`
	SessionKey    string                      `json:"sessionKey"`
	Completion    session.AsyncExecCompletion `json:"completion"`
	Attempts      int                         `json:"attempts"`
	NextAttemptAt time.Time                   `json:"nextAttemptAt"`
	CreatedAt     time.Time                   `json:"createdAt"`
}

type deliveredMark struct {
	At time.Time `json:"at"`
}

// Pipeline is the async-exec subsystem. It implements the node
// service's ExecTracker.
type Pipeline struct {
	logger *slog.Logger
	bridge session.Bridge
	inv    Inventory

	mu        sync.Mutex
	running   *store.Namespace // pendingAsyncExecSessions: nodeId|execSessionId
	queue     *store.Namespace // pendingAsyncExecDeliveries: eventId
	delivered *store.Namespace // deliveredAsyncExecEvents: eventId

	now func() time.Time
}

// New creates the pipeline over the shared KV store.
func New(kv store.KV, bridge session.Bridge, inv Inventory, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:    logger.With("component", "asyncexec"),
		bridge:    bridge,
		inv:       inv,
		running:   store.NewNamespace(kv, "pendingAsyncExecSessions:"),
		queue:     store.NewNamespace(kv, "pendingAsyncExecDeliveries:"),
		delivered: store.NewNamespace(kv, "deliveredAsyncExecEvents:"),
		now:       time.Now,
	}
}

func runningKey(nodeID, execSessionID string) string {
	return nodeID + "|" + execSessionID
}

// RegisterRunning records a tool call that went asynchronous. Called by
// the node service when it sees a {status:"running", sessionId} result.
func (p *Pipeline) RegisterRunning(ctx context.Context, nodeID, execSessionID, sessionKey, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := runningExec{
		NodeID:        nodeID,
		ExecSessionID: execSessionID,
		SessionKey:    sessionKey,
		CallID:        callID,
		RegisteredAt:  p.now(),
	}
	if err := p.running.Put(ctx, runningKey(nodeID, execSessionID), rec); err != nil {
		return err
	}
	p.logger.Info("exec registered", "node_id", nodeID, "exec_session_id", execSessionID, "session_key", sessionKey)
	return nil
}

// deriveEventID builds a stable id when the node omits one, so retries
// of the same terminal event deduplicate.
func deriveEventID(nodeID string, ev ExecEvent) string {
	exit := "none"
	if ev.ExitCode != nil {
		exit = fmt.Sprintf("%d", *ev.ExitCode)
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d|%d|%s|%s",
		nodeID, ev.SessionID, ev.Event, ev.CallID, ev.StartedAt, ev.EndedAt, exit, ev.Signal))
	return hex.EncodeToString(sum[:16])
}

func terminal(event string) bool {
	switch event {
	case EventFinished, EventFailed, EventTimedOut:
		return true
	}
	return false
}

func truncateTail(s string) string {
	if len(s) <= outputTailMax {
		return s
	}
	return s[len(s)-outputTailMax:]
}

// HandleExecEvent ingests a node's exec lifecycle event. A started
// event refreshes the registration; events for unknown execs and
// duplicates are dropped.
func (p *Pipeline) HandleExecEvent(ctx context.Context, fromNodeID string, ev ExecEvent) error {
	if ev.Event == EventStarted {
		return p.touchRunning(ctx, fromNodeID, ev.SessionID)
	}
	if !terminal(ev.Event) {
		p.logger.Debug("ignoring unknown exec event", "node_id", fromNodeID, "event", ev.Event)
		return nil
	}

	eventID := ev.EventID
	if eventID == "" {
		eventID = deriveEventID(fromNodeID, ev)
	}

	var toolsSnap []session.ToolDefinition
	if tools, err := p.inv.ToolsList(ctx); err == nil {
		toolsSnap = session.CopyTools(tools)
	}
	var nodesSnap []session.RuntimeNode
	if nodes, err := p.inv.RuntimeSnapshot(ctx); err == nil {
		nodesSnap = nodes
	}

	p.mu.Lock()
	var mark deliveredMark
	if seen, err := p.delivered.Get(ctx, eventID, &mark); err != nil {
		p.mu.Unlock()
		return err
	} else if seen {
		p.mu.Unlock()
		p.logger.Debug("duplicate exec event", "node_id", fromNodeID, "event_id", eventID)
		return nil
	}
	if queued, err := p.queue.Get(ctx, eventID, nil); err != nil {
		p.mu.Unlock()
		return err
	} else if queued {
		p.mu.Unlock()
		return nil
	}

	key := runningKey(fromNodeID, ev.SessionID)
	var rec runningExec
	found, err := p.running.Get(ctx, key, &rec)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !found {
		p.mu.Unlock()
		p.logger.Warn("exec event for unknown session", "node_id", fromNodeID, "exec_session_id", ev.SessionID)
		return nil
	}

	d := queuedDelivery{
		EventID:    eventID,
		SessionKey: rec.SessionKey,
		Completion: session.AsyncExecCompletion{
			EventID:      eventID,
			NodeID:       fromNodeID,
			SessionID:    ev.SessionID,
			CallID:       rec.CallID,
			Event:        ev.Event,
			ExitCode:     ev.ExitCode,
			Signal:       ev.Signal,
			OutputTail:   truncateTail(ev.OutputTail),
			StartedAt:    ev.StartedAt,
			EndedAt:      ev.EndedAt,
			Tools:        toolsSnap,
			RuntimeNodes: nodesSnap,
		},
		CreatedAt: p.now(),
	}

	// The envelope hits the queue before the running entry goes away; a
	// crash between the two leaves a retryable envelope, never a lost
	// event.
	if err := p.queue.Put(ctx, eventID, d); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.running.Delete(ctx, key); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.deliver(ctx, d)
}

// touchRunning refreshes a registration's TTL when the node reports the
// exec alive.
func (p *Pipeline) touchRunning(ctx context.Context, nodeID, execSessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := runningKey(nodeID, execSessionID)
	var rec runningExec
	found, err := p.running.Get(ctx, key, &rec)
	if err != nil || !found {
		return err
	}
	rec.RegisteredAt = p.now()
	return p.running.Put(ctx, key, rec)
}

// deliver pushes a completion into the session. Success marks the event
// delivered; failure queues it for backoff retry.
func (p *Pipeline) deliver(ctx context.Context, d queuedDelivery) error {
	err := p.bridge.IngestAsyncExecCompletion(ctx, d.SessionKey, d.Completion)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if err := p.delivered.Put(ctx, d.EventID, deliveredMark{At: p.now()}); err != nil {
			return err
		}
		if err := p.queue.Delete(ctx, d.EventID); err != nil {
			return err
		}
		p.logger.Info("exec completion delivered",
			"event_id", d.EventID, "session_key", d.SessionKey, "event", d.Completion.Event)
		return nil
	}

	d.Attempts++
	d.NextAttemptAt = p.now().Add(backoff(d.Attempts))
	if putErr := p.queue.Put(ctx, d.EventID, d); putErr != nil {
		return putErr
	}
	p.logger.Warn("exec completion delivery failed, queued",
		"event_id", d.EventID, "session_key", d.SessionKey, "attempts", d.Attempts, "error", err)
	return nil
}

// backoff doubles per attempt starting at 1s, capped at 60s.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Second << (attempts - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// RetryDeliveries attempts every queued delivery that is due.
func (p *Pipeline) RetryDeliveries(ctx context.Context) error {
	now := p.now()
	p.mu.Lock()
	var due []queuedDelivery
	err := store.Each(ctx, p.queue, func(_ string, d queuedDelivery) error {
		if !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
		return nil
	})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	for _, d := range due {
		if err := p.deliver(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Sweep expires stale running registrations, abandons deliveries older
// than the pending TTL, and forgets old dedup marks.
func (p *Pipeline) Sweep(ctx context.Context) error {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var staleRunning []string
	if err := store.Each(ctx, p.running, func(key string, rec runningExec) error {
		if now.Sub(rec.RegisteredAt) > pendingTTL {
			staleRunning = append(staleRunning, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range staleRunning {
		if err := p.running.Delete(ctx, key); err != nil {
			return err
		}
		p.logger.Warn("abandoned running exec", "key", key)
	}

	var staleQueue []string
	if err := store.Each(ctx, p.queue, func(key string, d queuedDelivery) error {
		if now.Sub(d.CreatedAt) > pendingTTL {
			staleQueue = append(staleQueue, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range staleQueue {
		if err := p.queue.Delete(ctx, key); err != nil {
			return err
		}
		p.logger.Warn("abandoned exec delivery", "event_id", key)
	}

	var staleMarks []string
	if err := store.Each(ctx, p.delivered, func(key string, m deliveredMark) error {
		if now.Sub(m.At) > dedupTTL {
			staleMarks = append(staleMarks, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range staleMarks {
		if err := p.delivered.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// NextDue returns the earliest queued retry time, or zero when idle.
func (p *Pipeline) NextDue(ctx context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var earliest time.Time
	err := store.Each(ctx, p.queue, func(_ string, d queuedDelivery) error {
		if earliest.IsZero() || d.NextAttemptAt.Before(earliest) {
			earliest = d.NextAttemptAt
		}
		return nil
	})
	return earliest, err
}

// PendingCount reports registered running execs, for diagnostics.
func (p *Pipeline) PendingCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.running.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
