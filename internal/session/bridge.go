package session

import (
	"context"
	"encoding/json"
)

// Bridge is the gateway's view of the external session actors. The three
// typed calls carry the core data flow; Do exposes the remaining session
// operations verbatim (get, patch, stats, reset, history, preview,
// compact, abort).
type Bridge interface {
	// ChatSend enqueues a user turn. Tools and RuntimeNodes must be deep
	// copies taken at dispatch time.
	ChatSend(ctx context.Context, req ChatSendRequest) (ChatSendResult, error)

	// ToolResult delivers a tool completion exactly once. The boolean is
	// false when the callId is unknown (raced with an abort).
	ToolResult(ctx context.Context, sessionKey string, delivery ToolResultDelivery) (bool, error)

	// IngestAsyncExecCompletion delivers an async-exec terminal event.
	IngestAsyncExecCompletion(ctx context.Context, sessionKey string, completion AsyncExecCompletion) error

	// Do invokes a pass-through session operation by name.
	Do(ctx context.Context, sessionKey, op string, params json.RawMessage) (any, error)
}

// EventSink receives streaming chat events from session actors. The
// gateway implements this to fan events out to clients and channels.
type EventSink interface {
	BroadcastToSession(sessionKey string, event ChatEvent)
}

// CopyTools deep-copies a tool snapshot so later registry mutations do
// not leak into a dispatched session call.
func CopyTools(tools []ToolDefinition) []ToolDefinition {
	if tools == nil {
		return nil
	}
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t
		if t.InputSchema != nil {
			schema := make(json.RawMessage, len(t.InputSchema))
			copy(schema, t.InputSchema)
			out[i].InputSchema = schema
		}
	}
	return out
}

// CopyRuntimeNodes deep-copies a runtime inventory snapshot.
func CopyRuntimeNodes(nodes []RuntimeNode) []RuntimeNode {
	if nodes == nil {
		return nil
	}
	out := make([]RuntimeNode, len(nodes))
	for i, n := range nodes {
		out[i] = n
		if n.HostCapabilities != nil {
			out[i].HostCapabilities = append([]string(nil), n.HostCapabilities...)
		}
		if n.ToolCapabilities != nil {
			caps := make(map[string][]string, len(n.ToolCapabilities))
			for tool, list := range n.ToolCapabilities {
				caps[tool] = append([]string(nil), list...)
			}
			out[i].ToolCapabilities = caps
		}
		if n.HostBinStatus != nil {
			bins := make(map[string]bool, len(n.HostBinStatus))
			for bin, ok := range n.HostBinStatus {
				bins[bin] = ok
			}
			out[i].HostBinStatus = bins
		}
	}
	return out
}
