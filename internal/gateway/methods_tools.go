package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gsvhq/gsv/internal/asyncexec"
	"github.com/gsvhq/gsv/internal/nodeserv"
	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/protocol"
)

func (s *Server) handleToolsList(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	tools, err := s.nodes.ToolsList(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools}, nil
}

func (s *Server) handleNodesList(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	catalog, err := s.nodes.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": catalog}, nil
}

// handleToolRequest dispatches a tool on behalf of a session: the result
// flows back to the session actor, the caller just gets {status, callId}.
func (s *Server) handleToolRequest(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Tool       string          `json:"tool"`
		Args       json.RawMessage `json:"args"`
		SessionKey string          `json:"sessionKey"`
		CallID     string          `json:"callId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Tool == "" || req.SessionKey == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "tool and sessionKey are required")
	}
	s.metrics.ToolCallsTotal.WithLabelValues("session", "dispatched").Inc()
	return s.nodes.RequestToolForSession(ctx, req.SessionKey, req.CallID, req.Tool, req.Args)
}

// handleToolInvoke dispatches a tool for the calling client; the res
// frame is deferred until the node answers or the call times out.
func (s *Server) handleToolInvoke(ctx context.Context, p *peer, frameID string, params json.RawMessage) (any, error) {
	var req struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Tool == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "tool is required")
	}
	s.metrics.ToolCallsTotal.WithLabelValues("client", "dispatched").Inc()
	return s.nodes.RequestToolFromClient(ctx, p.id, frameID, req.Tool, req.Args)
}

func (s *Server) handleToolResult(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"callId"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.CallID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "callId is required")
	}
	op, err := s.nodes.HandleToolResult(ctx, p.id, req.CallID, req.Result, req.Error)
	if err != nil {
		s.metrics.ToolCallsTotal.WithLabelValues("node", "rejected").Inc()
		return nil, err
	}
	if op.Route.Kind == pending.RouteClient {
		s.answerClientOp(op, req.Result, req.Error)
	}
	s.metrics.ToolCallsTotal.WithLabelValues(op.Route.Kind, "completed").Inc()
	s.metrics.ToolCallDuration.WithLabelValues(op.Route.Kind).
		Observe(s.now().Sub(op.CreatedAt).Seconds())
	return map[string]any{"ok": true}, nil
}

// answerClientOp resolves a deferred client frame with a tool or log
// outcome, dropping it silently if the client went away.
func (s *Server) answerClientOp(op pending.Op, result any, errMsg string) {
	client, ok := s.conns.client(op.Route.ClientID)
	if !ok {
		s.logger.Debug("client gone, dropping result", "call_id", op.CallID, "client_id", op.Route.ClientID)
		return
	}
	if errMsg != "" {
		_ = client.sendFrame(protocol.ErrorResponse(op.Route.FrameID,
			protocol.Errf(protocol.CodeInternal, "%s", errMsg)))
		return
	}
	_ = client.sendFrame(protocol.Response(op.Route.FrameID, map[string]any{"result": result}))
}

func (s *Server) handleLogsGet(ctx context.Context, p *peer, frameID string, params json.RawMessage) (any, error) {
	var req struct {
		NodeID string `json:"nodeId"`
		Lines  int    `json:"lines"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.nodes.RequestLogsFromClient(ctx, p.id, frameID, req.NodeID, req.Lines)
}

func (s *Server) handleLogsResult(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		CallID string   `json:"callId"`
		Lines  []string `json:"lines"`
		Error  string   `json:"error"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.CallID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "callId is required")
	}
	op, forClient, err := s.nodes.HandleLogsResult(ctx, p.id, req.CallID, req.Lines, req.Error)
	if err != nil {
		return nil, err
	}
	if forClient {
		if client, ok := s.conns.client(op.Route.ClientID); ok {
			if req.Error != "" {
				_ = client.sendFrame(protocol.ErrorResponse(op.Route.FrameID,
					protocol.Errf(protocol.CodeInternal, "%s", req.Error)))
			} else {
				_ = client.sendFrame(protocol.Response(op.Route.FrameID, map[string]any{
					"nodeId": p.id,
					"lines":  req.Lines,
				}))
			}
		}
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleProbeResult(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		ProbeID string          `json:"probeId"`
		Bins    map[string]bool `json:"bins"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.ProbeID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "probeId is required")
	}
	if err := s.nodes.HandleBinProbeResult(ctx, p.id, req.ProbeID, req.Bins); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleExecEvent(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var ev asyncexec.ExecEvent
	if err := decodeParams(params, &ev); err != nil {
		return nil, err
	}
	if ev.SessionID == "" || ev.Event == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "sessionId and event are required")
	}
	if err := s.execs.HandleExecEvent(ctx, p.id, ev); err != nil {
		s.metrics.AsyncExecDeliveries.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.AsyncExecDeliveries.WithLabelValues("accepted").Inc()
	s.alarm.Recompute(ctx)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleNodeForget(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		NodeID string `json:"nodeId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "nodeId is required")
	}
	err := s.nodes.Forget(ctx, req.NodeID)
	switch {
	case errors.Is(err, nodeserv.ErrNodeConnected):
		return nil, protocol.Errf(protocol.CodeConflict, "Node is connected: %s", req.NodeID)
	case errors.Is(err, nodeserv.ErrNodeNotFound):
		return nil, protocol.Errf(protocol.CodeNotFound, "Unknown node: %s", req.NodeID)
	case err != nil:
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
