package nodeserv

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

// toolInvokePayload is the event sent to a node to run one tool call.
type toolInvokePayload struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// resolved names the owner of a tool invocation.
type resolved struct {
	native bool
	nodeID string
	tool   string
}

// resolveTool maps a namespaced tool name to a native handler or to a
// currently-connected node.
func (s *Service) resolveTool(ctx context.Context, name string) (resolved, error) {
	prefix, local, ok := SplitTool(name)
	if !ok {
		return resolved{}, protocol.Errf(protocol.CodeNotFound, "No node provides tool: %s", name)
	}
	if prefix == NativePrefix {
		if s.lookupNative(name) == nil {
			return resolved{}, protocol.Errf(protocol.CodeNotFound, "No node provides tool: %s", name)
		}
		return resolved{native: true, tool: name}, nil
	}
	if !s.sender.NodeOnline(prefix) {
		// Distinguish a known-but-offline node from an unknown tool.
		var tools []session.ToolDefinition
		if found, _ := s.tools.Get(ctx, prefix, &tools); found && hasTool(tools, local) {
			return resolved{}, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", prefix)
		}
		return resolved{}, protocol.Errf(protocol.CodeNotFound, "No node provides tool: %s", name)
	}
	var tools []session.ToolDefinition
	found, err := s.tools.Get(ctx, prefix, &tools)
	if err != nil {
		return resolved{}, err
	}
	if !found || !hasTool(tools, local) {
		return resolved{}, protocol.Errf(protocol.CodeNotFound, "No node provides tool: %s", name)
	}
	return resolved{nodeID: prefix, tool: local}, nil
}

func hasTool(tools []session.ToolDefinition, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// RequestToolForSession dispatches a tool call whose result flows back to
// a session actor. Returns {status:"sent", callId} once the invoke event
// is on the node's socket.
func (s *Service) RequestToolForSession(ctx context.Context, sessionKey, callID, tool string, args json.RawMessage) (map[string]any, error) {
	if callID == "" {
		callID = uuid.NewString()
	}
	target, err := s.resolveTool(ctx, tool)
	if err != nil {
		return nil, err
	}

	if target.native {
		result, invokeErr := s.invokeNative(ctx, target.tool, args, CallMeta{SessionKey: sessionKey, CallID: callID})
		if invokeErr == nil && protocol.IsDeferred(result) {
			// The handler arranged its own terminal delivery for this
			// callId (transfers); an immediate result would double up.
			return map[string]any{"status": "sent", "callId": callID}, nil
		}
		delivery := session.ToolResultDelivery{CallID: callID}
		if invokeErr != nil {
			delivery.Error = invokeErr.Error()
		} else {
			delivery.Result = result
		}
		if _, err := s.bridge.ToolResult(ctx, sessionKey, delivery); err != nil {
			return nil, err
		}
		return map[string]any{"status": "sent", "callId": callID}, nil
	}

	op := pending.Op{
		Kind:   pending.KindTool,
		CallID: callID,
		NodeID: target.nodeID,
		Tool:   target.tool,
		Route:  pending.Route{Kind: pending.RouteSession, SessionKey: sessionKey},
	}
	if err := s.pending.Register(ctx, op); err != nil {
		return nil, err
	}
	if err := s.sender.SendEventToNode(target.nodeID, "tool.invoke", toolInvokePayload{
		CallID: callID, Tool: target.tool, Args: args,
	}); err != nil {
		_, _, _ = s.pending.Consume(ctx, callID)
		return nil, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", target.nodeID)
	}
	return map[string]any{"status": "sent", "callId": callID}, nil
}

// RequestToolFromClient dispatches a tool call whose result answers the
// original RPC frame. Native tools run inline; node tools defer the
// response until tool.result arrives or the TTL expires.
func (s *Service) RequestToolFromClient(ctx context.Context, clientID, frameID, tool string, args json.RawMessage) (any, error) {
	target, err := s.resolveTool(ctx, tool)
	if err != nil {
		return nil, err
	}

	if target.native {
		result, invokeErr := s.invokeNative(ctx, target.tool, args, CallMeta{ClientID: clientID})
		if invokeErr != nil {
			return nil, invokeErr
		}
		return map[string]any{"result": result}, nil
	}

	callID := uuid.NewString()
	op := pending.Op{
		Kind:      pending.KindTool,
		CallID:    callID,
		NodeID:    target.nodeID,
		Tool:      target.tool,
		Route:     pending.Route{Kind: pending.RouteClient, ClientID: clientID, FrameID: frameID},
		ExpiresAt: s.now().Add(s.cfg.ToolTimeout()),
	}
	if err := s.pending.Register(ctx, op); err != nil {
		return nil, err
	}
	if err := s.sender.SendEventToNode(target.nodeID, "tool.invoke", toolInvokePayload{
		CallID: callID, Tool: target.tool, Args: args,
	}); err != nil {
		_, _, _ = s.pending.Consume(ctx, callID)
		return nil, protocol.Errf(protocol.CodeUnavailable, "Node not connected: %s", target.nodeID)
	}
	return protocol.Deferred, nil
}

// HandleToolResult routes a node's tool.result. Session routes are
// delivered inside; client routes are returned for the gateway to answer
// the original frame.
func (s *Service) HandleToolResult(ctx context.Context, fromNodeID, callID string, result any, errMsg string) (pending.Op, error) {
	op, found, err := s.pending.ConsumeAuthorized(ctx, callID, func(op pending.Op) error {
		if op.Kind != pending.KindTool {
			return protocol.Errf(protocol.CodeNotFound, "Unknown callId: %s", callID)
		}
		if op.NodeID != fromNodeID {
			return protocol.Errf(protocol.CodeForbidden, "Node %s is not authorized for callId %s", fromNodeID, callID)
		}
		return nil
	})
	if err != nil {
		return pending.Op{}, err
	}
	if !found {
		return pending.Op{}, protocol.Errf(protocol.CodeNotFound, "Unknown callId: %s", callID)
	}

	if op.Route.Kind == pending.RouteSession {
		// Long-running execs come back as {status:"running", sessionId};
		// the real completion arrives later via node.exec.event.
		if execID := runningExecSession(result); execID != "" && s.exec != nil {
			if err := s.exec.RegisterRunning(ctx, fromNodeID, execID, op.Route.SessionKey, callID); err != nil {
				s.logger.Warn("async exec registration failed",
					"node_id", fromNodeID, "exec_session_id", execID, "error", err)
			}
		}
		delivery := session.ToolResultDelivery{CallID: callID, Result: result, Error: errMsg}
		accepted, err := s.bridge.ToolResult(ctx, op.Route.SessionKey, delivery)
		if err != nil {
			s.logger.Warn("session tool result delivery failed",
				"call_id", callID, "session_key", op.Route.SessionKey, "error", err)
		} else if !accepted {
			s.logger.Warn("session dropped tool result", "call_id", callID, "session_key", op.Route.SessionKey)
		}
	}
	return op, nil
}

// runningExecSession extracts the remote shell session id from a
// {status:"running", sessionId} tool result.
func runningExecSession(result any) string {
	m, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	status, _ := m["status"].(string)
	if !strings.EqualFold(status, "running") {
		return ""
	}
	execID, _ := m["sessionId"].(string)
	return execID
}

// ExpireOps runs the TTL sweep and reports expired client-routed ops for
// the gateway to answer with 504. Session-routed expiry is logged only;
// the session owns its own deadline.
func (s *Service) ExpireOps(ctx context.Context) ([]pending.Op, error) {
	expired, err := s.pending.CleanupExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	var clientRouted []pending.Op
	for _, op := range expired {
		if op.Route.Kind == pending.RouteClient {
			clientRouted = append(clientRouted, op)
			continue
		}
		s.logger.Warn("session-routed op expired", "call_id", op.CallID, "tool", op.Tool,
			"session_key", op.Route.SessionKey)
	}
	return clientRouted, nil
}

// TimeoutError builds the 504 sent for an expired client-routed op.
func TimeoutError(op pending.Op) *protocol.Error {
	what := op.Tool
	if what == "" {
		what = "operation"
	}
	return protocol.Errf(protocol.CodeTimeout, "Timed out waiting for %s on node %s", what, op.NodeID)
}
