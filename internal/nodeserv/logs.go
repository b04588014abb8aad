package nodeserv

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/protocol"
)

// Log request line-count bounds.
const (
	defaultLogLines = 100
	maxLogLines     = 5000
)

// LogResult is a completed node log fetch.
type LogResult struct {
	NodeID string   `json:"nodeId"`
	Lines  []string `json:"lines,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type logGetPayload struct {
	CallID string `json:"callId"`
	Lines  int    `json:"lines"`
}

// logWaiter is an in-process promise for an internal log fetch. Only
// the node the request was sent to may resolve it.
type logWaiter struct {
	nodeID string
	ch     chan LogResult
}

func clampLogLines(lines int) int {
	if lines <= 0 {
		return defaultLogLines
	}
	if lines > maxLogLines {
		return maxLogLines
	}
	return lines
}

// resolveLogTarget picks the node to query. An explicit id must be
// connected. With no id, exactly one connected node is required: zero is
// unavailable, more than one is ambiguous.
func (s *Service) resolveLogTarget(nodeID string) (string, error) {
	if nodeID != "" {
		if !s.sender.NodeOnline(nodeID) {
			return "", protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", nodeID)
		}
		return nodeID, nil
	}
	online := s.sender.OnlineNodeIDs()
	switch len(online) {
	case 0:
		return "", protocol.Errf(protocol.CodeUnavailable, "No node connected")
	case 1:
		return online[0], nil
	default:
		return "", protocol.Errf(protocol.CodeBadParams, "Multiple nodes connected, specify nodeId")
	}
}

// RequestLogsFromClient fetches recent log lines from a node on behalf
// of a client RPC. The response is deferred until logs.result arrives or
// the log TTL expires.
func (s *Service) RequestLogsFromClient(ctx context.Context, clientID, frameID, nodeID string, lines int) (any, error) {
	target, err := s.resolveLogTarget(nodeID)
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()
	op := pending.Op{
		Kind:      pending.KindLog,
		CallID:    callID,
		NodeID:    target,
		Route:     pending.Route{Kind: pending.RouteClient, ClientID: clientID, FrameID: frameID},
		ExpiresAt: s.now().Add(s.cfg.LogTimeout()),
	}
	if err := s.pending.Register(ctx, op); err != nil {
		return nil, err
	}
	if err := s.sender.SendEventToNode(target, "logs.get", logGetPayload{CallID: callID, Lines: clampLogLines(lines)}); err != nil {
		_, _, _ = s.pending.Consume(ctx, callID)
		return nil, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", target)
	}
	return protocol.Deferred, nil
}

// RequestLogsInternal fetches log lines for an in-process caller (skill
// probes, diagnostics) and blocks until the node answers or the timeout
// lapses. Internal fetches use a promise map, not the pending-op store.
func (s *Service) RequestLogsInternal(ctx context.Context, nodeID string, lines int, timeout time.Duration) (LogResult, error) {
	target, err := s.resolveLogTarget(nodeID)
	if err != nil {
		return LogResult{}, err
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > 120*time.Second {
		timeout = 120 * time.Second
	}

	callID := uuid.NewString()
	ch := make(chan LogResult, 1)
	s.logMu.Lock()
	s.logWaiters[callID] = logWaiter{nodeID: target, ch: ch}
	s.logMu.Unlock()
	defer func() {
		s.logMu.Lock()
		delete(s.logWaiters, callID)
		s.logMu.Unlock()
	}()

	if err := s.sender.SendEventToNode(target, "logs.get", logGetPayload{CallID: callID, Lines: clampLogLines(lines)}); err != nil {
		return LogResult{}, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", target)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return LogResult{}, protocol.Errf(protocol.CodeTimeout, "Timed out waiting for logs from node %s", target)
	case <-ctx.Done():
		return LogResult{}, ctx.Err()
	}
}

// HandleLogsResult routes a node's logs.result. Internal promise waiters
// are satisfied first; otherwise the consumed op is returned for the
// gateway to answer the client frame. The boolean is false when the
// result was handled internally.
func (s *Service) HandleLogsResult(ctx context.Context, fromNodeID, callID string, lines []string, errMsg string) (pending.Op, bool, error) {
	s.logMu.Lock()
	w, waiting := s.logWaiters[callID]
	if waiting && w.nodeID != fromNodeID {
		// Keep the waiter registered so the queried node can still
		// answer.
		s.logMu.Unlock()
		return pending.Op{}, false, protocol.Errf(protocol.CodeForbidden,
			"Node %s is not authorized for callId %s", fromNodeID, callID)
	}
	if waiting {
		delete(s.logWaiters, callID)
	}
	s.logMu.Unlock()
	if waiting {
		w.ch <- LogResult{NodeID: fromNodeID, Lines: lines, Error: errMsg}
		return pending.Op{}, false, nil
	}

	op, found, err := s.pending.ConsumeAuthorized(ctx, callID, func(op pending.Op) error {
		if op.Kind != pending.KindLog {
			return protocol.Errf(protocol.CodeNotFound, "Unknown callId: %s", callID)
		}
		if op.NodeID != fromNodeID {
			return protocol.Errf(protocol.CodeForbidden, "Node %s is not authorized for callId %s", fromNodeID, callID)
		}
		return nil
	})
	if err != nil {
		return pending.Op{}, false, err
	}
	if !found {
		return pending.Op{}, false, protocol.Errf(protocol.CodeNotFound, "Unknown callId: %s", callID)
	}
	return op, true, nil
}
