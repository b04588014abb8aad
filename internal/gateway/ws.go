package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gsvhq/gsv/internal/nodeserv"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

// closeAuthFailed is the close code sent on a bad bearer token.
const closeAuthFailed = 4001

type connectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID        string `json:"id"`
		Version   string `json:"version"`
		Platform  string `json:"platform"`
		Mode      string `json:"mode"`
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
	} `json:"client"`
	Tools       []session.ToolDefinition `json:"tools"`
	NodeRuntime *nodeserv.RuntimeInfo    `json:"nodeRuntime"`
	Auth        struct {
		Token string `json:"token"`
	} `json:"auth"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	p := newPeer(conn, s.conns.generation())
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go p.writeLoop(s.logger)
	s.readLoop(r.Context(), p)
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	defer s.teardown(ctx, p)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch messageType {
		case websocket.TextMessage:
			if closed := s.handleTextFrame(ctx, p, data); closed {
				return
			}
		case websocket.BinaryMessage:
			s.handleBinaryFrame(ctx, p, data)
		}
	}
}

// handleTextFrame decodes and routes one text frame. Returns true when
// the socket must close (auth failure).
func (s *Server) handleTextFrame(ctx context.Context, p *peer, data []byte) bool {
	s.metrics.FramesTotal.WithLabelValues("in", "text").Inc()
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		_ = p.sendFrame(protocol.ErrorResponse("", protocol.Errf(protocol.CodeBadParams, "Malformed frame: %v", err)))
		return false
	}
	switch frame.Type {
	case protocol.FrameReq:
		return s.dispatch(ctx, p, frame)
	case protocol.FrameEvt:
		s.handlePeerEvent(ctx, p, frame)
		return false
	default:
		// res frames from peers answer nothing we sent; drop them.
		return false
	}
}

// handlePeerEvent processes fire-and-forget events from peers. Today
// that is only the transfer control flow, which nodes also send as
// events in some client versions; all supported methods arrive as reqs.
func (s *Server) handlePeerEvent(_ context.Context, p *peer, frame *protocol.Frame) {
	s.logger.Debug("unsolicited event dropped", "peer_id", p.id, "event", frame.Event)
}

func (s *Server) handleBinaryFrame(ctx context.Context, p *peer, data []byte) {
	s.metrics.FramesTotal.WithLabelValues("in", "binary").Inc()
	if !p.connected || p.mode != ModeNode {
		return
	}
	transferID, chunk, err := protocol.DecodeChunk(data)
	if err != nil {
		s.logger.Debug("bad binary frame", "peer_id", p.id, "error", err)
		return
	}
	if err := s.transfers.HandleChunk(ctx, int64(transferID), chunk); err != nil {
		s.logger.Debug("chunk rejected", "transfer_id", transferID, "error", err)
	}
}

// connect performs the handshake. Re-running it on a live socket is
// allowed: reconnecting clients redo the handshake without reopening
// the socket, replacing the registered identity in place.
func (s *Server) connect(ctx context.Context, p *peer, frameID string, raw json.RawMessage) (any, error) {
	if err := protocol.ValidateMethodParams("connect", raw); err != nil {
		return nil, protocol.Errf(protocol.CodeBadParams, "Invalid connect params: %v", err)
	}
	var params connectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.Errf(protocol.CodeBadParams, "Invalid connect params: %v", err)
	}

	if token := s.cfg.AuthToken(); token != "" && params.Auth.Token != token {
		_ = p.sendFrame(protocol.ErrorResponse(frameID, protocol.Errf(protocol.CodeAuth, "Authentication failed")))
		p.closeWith(closeAuthFailed, "authentication failed")
		return protocol.Deferred, nil
	}
	if params.MinProtocol > protocol.Version || params.MaxProtocol < protocol.Version {
		return nil, protocol.Errf(protocol.CodeUnsupportedProtocol,
			"Unsupported protocol range [%d, %d], gateway speaks %d",
			params.MinProtocol, params.MaxProtocol, protocol.Version)
	}

	client := params.Client
	switch client.Mode {
	case ModeClient:
	case ModeNode:
		if len(params.Tools) == 0 {
			return nil, protocol.Errf(protocol.CodeInvalidClient, "Node must declare at least one tool")
		}
		if err := s.nodes.HandleNodeConnect(ctx, client.ID, client.Platform, client.Version, params.Tools, params.NodeRuntime); err != nil {
			return nil, protocol.Errf(protocol.CodeInvalidClient, "Invalid node runtime: %v", err)
		}
	case ModeChannel:
		if client.Channel == "" || client.AccountID == "" {
			return nil, protocol.Errf(protocol.CodeInvalidClient, "Channel mode requires channel and accountId")
		}
		if err := s.router.Registry().SetStatus(ctx, client.Channel, client.AccountID, "connected"); err != nil {
			s.logger.Warn("channel registry update failed", "error", err)
		}
	default:
		return nil, protocol.Errf(protocol.CodeInvalidClient, "Unknown mode %q", client.Mode)
	}

	// A repeated handshake drops the socket's previous registration
	// before installing the new identity.
	if p.connected && s.conns.unregister(p) {
		s.metrics.Connections.WithLabelValues(p.mode).Dec()
	}

	p.id = client.ID
	p.mode = client.Mode
	p.channel = client.Channel
	p.accountID = client.AccountID
	p.platform = client.Platform
	p.version = client.Version
	p.connected = true

	if old := s.conns.register(p); old != nil && old != p {
		old.closeWith(websocket.CloseNormalClosure, "Replaced by new connection")
	}
	s.metrics.Connections.WithLabelValues(p.mode).Inc()
	s.alarm.Recompute(ctx)
	s.logger.Info("peer connected", "peer_id", p.id, "mode", p.mode, "platform", p.platform)

	return map[string]any{
		"type":     "hello-ok",
		"protocol": protocol.Version,
		"server": map[string]any{
			"name":         ServerName,
			"version":      s.version,
			"connectionId": uuid.NewString(),
		},
		"features": map[string]any{
			"methods": s.methodNames(),
			"events":  serverEvents,
		},
	}, nil
}

// serverEvents lists every event kind the gateway emits to peers.
var serverEvents = []string{
	"chat", "channel.deliver",
	"channel.start", "channel.stop", "channel.login", "channel.logout",
	"surface.update",
	"tool.invoke", "logs.get", "skills.bins.probe",
	"transfer.send", "transfer.receive", "transfer.start", "transfer.end",
}

func (s *Server) methodNames() []string {
	names := make([]string, 0, len(s.methods)+1)
	names = append(names, "connect")
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// teardown runs when a socket's read loop exits.
func (s *Server) teardown(ctx context.Context, p *peer) {
	close(p.done)
	p.closeSend()
	_ = p.conn.Close()

	if !p.connected {
		return
	}
	// A replaced socket's close must not evict its replacement.
	if !s.conns.unregister(p) {
		s.logger.Debug("stale socket closed", "peer_id", p.id)
		return
	}
	s.metrics.Connections.WithLabelValues(p.mode).Dec()
	s.logger.Info("peer disconnected", "peer_id", p.id, "mode", p.mode)

	switch p.mode {
	case ModeClient:
		if dropped, err := s.pending.EvictClient(ctx, p.id); err == nil && len(dropped) > 0 {
			s.logger.Debug("evicted pending ops", "peer_id", p.id, "count", len(dropped))
		}
	case ModeNode:
		failedLogs, err := s.nodes.HandleNodeDisconnect(ctx, p.id)
		if err != nil {
			s.logger.Warn("node disconnect handling failed", "node_id", p.id, "error", err)
		}
		for _, op := range failedLogs {
			if client, ok := s.conns.client(op.Route.ClientID); ok {
				_ = client.sendFrame(protocol.ErrorResponse(op.Route.FrameID,
					protocol.Errf(protocol.CodeUnavailable, "Node disconnected: %s", p.id)))
			}
		}
		s.transfers.HandleNodeDisconnect(ctx, p.id)
	case ModeChannel:
		if err := s.router.Registry().SetStatus(ctx, p.channel, p.accountID, "disconnected"); err != nil {
			s.logger.Warn("channel registry update failed", "error", err)
		}
	}
}
