package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

func (s *Server) canonicalizer() session.Canonicalizer {
	return session.Canonicalizer{
		MainKey:        s.cfg.MainKey(),
		DefaultAgentID: s.cfg.DefaultAgentID(),
	}
}

// handleChatSend enqueues one user turn on a session actor, snapshotting
// the tool and runtime inventory at dispatch time.
func (s *Server) handleChatSend(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		SessionKey     string              `json:"sessionKey"`
		Message        session.UserMessage `json:"message"`
		Overrides      *session.Overrides  `json:"overrides,omitempty"`
		IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Message.Text == "" && len(req.Message.Media) == 0 {
		return nil, protocol.Errf(protocol.CodeBadParams, "message.text or message.media is required")
	}

	sessionKey := s.canonicalizer().Canonicalize(req.SessionKey)
	runID := uuid.NewString()
	if prior, dup := s.rememberIdempotency(req.IdempotencyKey, runID); dup {
		return map[string]any{"ok": true, "runId": prior, "deduplicated": true}, nil
	}

	tools, err := s.nodes.ToolsList(ctx)
	if err != nil {
		return nil, err
	}
	runtime, err := s.nodes.RuntimeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if req.Message.Sender == "" {
		req.Message.Sender = p.id
	}

	res, err := s.bridge.ChatSend(ctx, session.ChatSendRequest{
		SessionKey:     sessionKey,
		RunID:          runID,
		Message:        req.Message,
		Tools:          session.CopyTools(tools),
		RuntimeNodes:   session.CopyRuntimeNodes(runtime),
		Overrides:      req.Overrides,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	s.sessions.Touch(ctx, sessionKey)
	return map[string]any{"ok": res.OK, "runId": res.RunID, "sessionKey": sessionKey, "queued": res.Queued}, nil
}

// sessionOp builds a pass-through handler for one named session
// operation (get, patch, stats, reset, history, preview, compact).
func (s *Server) sessionOp(op string) handlerFunc {
	return func(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
		var req struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		sessionKey := s.canonicalizer().Canonicalize(req.SessionKey)
		res, err := s.bridge.Do(ctx, sessionKey, op, params)
		if err != nil {
			return nil, err
		}
		if op == "patch" || op == "reset" || op == "compact" {
			s.sessions.Touch(ctx, sessionKey)
		}
		return res, nil
	}
}

func (s *Server) handleSessionsList(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	entries, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": entries}, nil
}

func (s *Server) handleConfigGet(_ context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return map[string]any{"config": s.cfg.SafeSnapshot()}, nil
	}
	value, ok := s.cfg.SafeGetPath(req.Path)
	if !ok {
		return nil, protocol.Errf(protocol.CodeNotFound, "Unknown config path: %s", req.Path)
	}
	return map[string]any{"path": req.Path, "value": value}, nil
}

func (s *Server) handleConfigSet(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "path is required")
	}
	if err := s.cfg.SetPath(ctx, req.Path, req.Value); err != nil {
		return nil, err
	}
	// Schedules may read config; a changed interval moves the frontier.
	s.alarm.Recompute(ctx)
	return map[string]any{"ok": true}, nil
}
