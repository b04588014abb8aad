package gateway

import (
	"context"
	"encoding/json"

	"github.com/gsvhq/gsv/internal/protocol"
)

func (s *Server) handleTransferMeta(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		TransferID int64  `json:"transferId"`
		Size       int64  `json:"size"`
		Mime       string `json:"mime"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Size < 0 {
		return nil, protocol.Errf(protocol.CodeBadParams, "size must be non-negative")
	}
	if err := s.transfers.HandleMeta(ctx, p.id, req.TransferID, req.Size, req.Mime); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleTransferAccept(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		TransferID int64 `json:"transferId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.transfers.HandleAccept(ctx, p.id, req.TransferID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleTransferComplete(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		TransferID int64 `json:"transferId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.transfers.HandleComplete(ctx, p.id, req.TransferID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleTransferDone(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		TransferID int64 `json:"transferId"`
		Bytes      int64 `json:"bytes"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.transfers.HandleDone(ctx, p.id, req.TransferID, req.Bytes); err != nil {
		s.metrics.TransfersTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	s.metrics.TransfersTotal.WithLabelValues("completed").Inc()
	return map[string]any{"ok": true}, nil
}
