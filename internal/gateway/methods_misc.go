package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gsvhq/gsv/internal/blob"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

func (s *Server) handleSkillsStatus(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	statuses, err := s.skills.StatusAll(ctx, session.NormalizeAgentID(req.AgentID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"skills": statuses}, nil
}

func (s *Server) handleSkillsUpdate(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Name     string   `json:"name"`
		Enabled  *bool    `json:"enabled"`
		Requires []string `json:"requires"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	entry, err := s.skills.Update(ctx, req.Name, req.Enabled, req.Requires)
	if err != nil {
		return nil, err
	}
	return map[string]any{"skill": entry}, nil
}

func (s *Server) handleWorkspaceList(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	entries, err := s.workspace.List(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": entries}, nil
}

func (s *Server) handleWorkspaceRead(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	file, err := s.workspace.Read(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (s *Server) handleWorkspaceWrite(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Mime     string `json:"mime"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	entry, err := s.workspace.Write(ctx, req.Path, req.Content, req.Encoding, req.Mime)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file": entry}, nil
}

func (s *Server) handleWorkspaceDelete(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.workspace.Delete(ctx, req.Path); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// handleFSAuthorize mints a scoped bearer token for the /fs HTTP surface.
func (s *Server) handleFSAuthorize(_ context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		PathPrefix string `json:"pathPrefix"`
		Mode       string `json:"mode"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = blob.ModeRead
	}
	token, grant, err := s.grants.Issue(req.PathPrefix, req.Mode, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return nil, protocol.Errf(protocol.CodeBadParams, "%v", err)
	}
	return map[string]any{
		"token":      token,
		"pathPrefix": grant.PathPrefix,
		"mode":       grant.Mode,
		"expiresAt":  grant.ExpiresAt.UnixMilli(),
	}, nil
}
