package gateway

import (
	"context"
	"encoding/json"

	"github.com/gsvhq/gsv/internal/channel"
	"github.com/gsvhq/gsv/internal/protocol"
)

func (s *Server) handleChannelInbound(ctx context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var in channel.Inbound
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	// Channel adapters speak for their own account; trust the socket
	// identity over the payload.
	if p.mode == ModeChannel {
		in.Channel = p.channel
		in.AccountID = p.accountID
	}
	if in.Channel == "" || in.AccountID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "channel and accountId are required")
	}
	if in.Peer.ID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "peer.id is required")
	}
	return s.router.HandleInbound(ctx, in)
}

// channelControl builds a handler that forwards a lifecycle command
// (start, stop, login, logout) to the channel adapter's socket.
func (s *Server) channelControl(event string) handlerFunc {
	return func(_ context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
		var req struct {
			Channel   string `json:"channel"`
			AccountID string `json:"accountId"`
		}
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		req.Channel = channel.Normalize(req.Channel)
		if req.Channel == "" || req.AccountID == "" {
			return nil, protocol.Errf(protocol.CodeBadParams, "channel and accountId are required")
		}
		adapter, ok := s.conns.channelPeer(req.Channel, req.AccountID)
		if !ok {
			return nil, protocol.Errf(protocol.CodeUnavailable, "Channel not connected: %s/%s", req.Channel, req.AccountID)
		}
		if err := adapter.sendEvent(event, params); err != nil {
			return nil, protocol.Errf(protocol.CodeUnavailable, "Channel adapter unreachable: %v", err)
		}
		return map[string]any{"ok": true}, nil
	}
}

func (s *Server) handleChannelStatus(ctx context.Context, _ *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	req.Channel = channel.Normalize(req.Channel)
	entries, err := s.router.Registry().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Channel == req.Channel && e.AccountID == req.AccountID {
			_, live := s.conns.channelPeer(e.Channel, e.AccountID)
			return map[string]any{"entry": e, "connected": live}, nil
		}
	}
	return nil, protocol.Errf(protocol.CodeNotFound, "Unknown channel account: %s/%s", req.Channel, req.AccountID)
}

func (s *Server) handleChannelsList(ctx context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	entries, err := s.router.Registry().List(ctx)
	if err != nil {
		return nil, err
	}
	type listed struct {
		channel.Entry
		Connected bool `json:"connected"`
	}
	out := make([]listed, 0, len(entries))
	for _, e := range entries {
		_, live := s.conns.channelPeer(e.Channel, e.AccountID)
		out = append(out, listed{Entry: e, Connected: live})
	}
	return map[string]any{"channels": out}, nil
}
