package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gsvhq/gsv/internal/cronsvc"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

func (s *Server) handleHeartbeatStatus(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	return s.heartbeat.Status(ctx)
}

func (s *Server) handleHeartbeatStart(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	if err := s.heartbeat.Start(ctx); err != nil {
		return nil, err
	}
	s.alarm.Recompute(ctx)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleHeartbeatTrigger(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	agentID := session.NormalizeAgentID(req.AgentID)
	if err := s.heartbeat.Trigger(ctx, agentID); err != nil {
		return nil, err
	}
	s.metrics.HeartbeatsTotal.WithLabelValues("triggered").Inc()
	s.alarm.Recompute(ctx)
	return map[string]any{"ok": true, "agentId": agentID}, nil
}

func cronError(err error) error {
	if errors.Is(err, cronsvc.ErrJobNotFound) {
		return protocol.Errf(protocol.CodeNotFound, "Unknown cron job")
	}
	return err
}

func (s *Server) handleCronStatus(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	return s.cron.Status(ctx)
}

func (s *Server) handleCronList(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	jobs, err := s.cron.List(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

func (s *Server) handleCronAdd(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var p cronsvc.AddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	job, err := s.cron.Add(ctx, p)
	if err != nil {
		return nil, protocol.Errf(protocol.CodeBadParams, "%v", err)
	}
	s.alarm.Recompute(ctx)
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronUpdate(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
		cronsvc.Patch
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "id is required")
	}
	job, err := s.cron.Update(ctx, req.ID, req.Patch)
	if err != nil {
		return nil, cronError(err)
	}
	s.alarm.Recompute(ctx)
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronRemove(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "id is required")
	}
	if err := s.cron.Remove(ctx, req.ID); err != nil {
		return nil, cronError(err)
	}
	s.alarm.Recompute(ctx)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCronRun(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	// An empty id runs every due job.
	res, err := s.cron.Run(ctx, req.ID, req.Mode)
	if err != nil {
		return nil, cronError(err)
	}
	s.metrics.CronRunsTotal.WithLabelValues("manual").Inc()
	s.alarm.Recompute(ctx)
	return res, nil
}

func (s *Server) handleCronRuns(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		JobID string `json:"jobId"`
		Limit int    `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.JobID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "jobId is required")
	}
	runs, err := s.cron.Runs(ctx, req.JobID, req.Limit)
	if err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"runs": runs}, nil
}
