package gateway

import (
	"context"
	"encoding/json"

	"github.com/gsvhq/gsv/internal/protocol"
)

// handlerFunc processes one RPC request. Returning protocol.Deferred
// suppresses the response; the handler has arranged an async reply.
type handlerFunc func(ctx context.Context, p *peer, frameID string, params json.RawMessage) (any, error)

// methodSpec couples a handler with its mode policy. An empty modes set
// allows every mode.
type methodSpec struct {
	handler handlerFunc
	modes   map[string]bool
}

func clientOnly(h handlerFunc) methodSpec {
	return methodSpec{handler: h, modes: map[string]bool{ModeClient: true}}
}

func nodeOnly(h handlerFunc) methodSpec {
	return methodSpec{handler: h, modes: map[string]bool{ModeNode: true}}
}

func anyMode(h handlerFunc) methodSpec {
	return methodSpec{handler: h}
}

func modesOf(h handlerFunc, modes ...string) methodSpec {
	set := make(map[string]bool, len(modes))
	for _, m := range modes {
		set[m] = true
	}
	return methodSpec{handler: h, modes: set}
}

func (s *Server) registerMethods() {
	canvasStub := anyMode(s.handleCanvasStub)
	s.methods = map[string]methodSpec{
		"ping": anyMode(s.handlePing),

		// Tool lifecycle.
		"tools.list":        anyMode(s.handleToolsList),
		"tool.request":      clientOnly(s.handleToolRequest),
		"tool.invoke":       clientOnly(s.handleToolInvoke),
		"tool.result":       nodeOnly(s.handleToolResult),
		"node.probe.result": nodeOnly(s.handleProbeResult),
		"node.exec.event":   nodeOnly(s.handleExecEvent),
		"node.forget":       clientOnly(s.handleNodeForget),
		"nodes.list":        clientOnly(s.handleNodesList),

		// Logs.
		"logs.get":    clientOnly(s.handleLogsGet),
		"logs.result": nodeOnly(s.handleLogsResult),

		// Chat and sessions.
		"chat.send":       modesOf(s.handleChatSend, ModeClient, ModeChannel),
		"session.get":     clientOnly(s.sessionOp("get")),
		"session.patch":   clientOnly(s.sessionOp("patch")),
		"session.stats":   clientOnly(s.sessionOp("stats")),
		"session.reset":   clientOnly(s.sessionOp("reset")),
		"session.history": clientOnly(s.sessionOp("history")),
		"session.preview": clientOnly(s.sessionOp("preview")),
		"session.compact": clientOnly(s.sessionOp("compact")),
		"sessions.list":   clientOnly(s.handleSessionsList),

		// Config.
		"config.get": clientOnly(s.handleConfigGet),
		"config.set": clientOnly(s.handleConfigSet),

		// Heartbeat.
		"heartbeat.status":  clientOnly(s.handleHeartbeatStatus),
		"heartbeat.start":   clientOnly(s.handleHeartbeatStart),
		"heartbeat.trigger": clientOnly(s.handleHeartbeatTrigger),

		// Cron.
		"cron.status": clientOnly(s.handleCronStatus),
		"cron.list":   clientOnly(s.handleCronList),
		"cron.add":    clientOnly(s.handleCronAdd),
		"cron.update": clientOnly(s.handleCronUpdate),
		"cron.remove": clientOnly(s.handleCronRemove),
		"cron.run":    clientOnly(s.handleCronRun),
		"cron.runs":   clientOnly(s.handleCronRuns),

		// Surfaces.
		"surface.open":   clientOnly(s.handleSurfaceOpen),
		"surface.close":  clientOnly(s.handleSurfaceClose),
		"surface.update": clientOnly(s.handleSurfaceUpdate),
		"surface.focus":  clientOnly(s.handleSurfaceFocus),
		"surface.list":   clientOnly(s.handleSurfaceList),

		// Transfers.
		"transfer.meta":     nodeOnly(s.handleTransferMeta),
		"transfer.accept":   nodeOnly(s.handleTransferAccept),
		"transfer.complete": nodeOnly(s.handleTransferComplete),
		"transfer.done":     nodeOnly(s.handleTransferDone),

		// Channels.
		"channel.inbound": modesOf(s.handleChannelInbound, ModeChannel, ModeClient),
		"channel.start":   clientOnly(s.channelControl("channel.start")),
		"channel.stop":    clientOnly(s.channelControl("channel.stop")),
		"channel.login":   clientOnly(s.channelControl("channel.login")),
		"channel.logout":  clientOnly(s.channelControl("channel.logout")),
		"channel.status":  clientOnly(s.handleChannelStatus),
		"channels.list":   clientOnly(s.handleChannelsList),

		// Skills and workspace.
		"skills.status":    clientOnly(s.handleSkillsStatus),
		"skills.update":    clientOnly(s.handleSkillsUpdate),
		"workspace.list":   clientOnly(s.handleWorkspaceList),
		"workspace.read":   clientOnly(s.handleWorkspaceRead),
		"workspace.write":  clientOnly(s.handleWorkspaceWrite),
		"workspace.delete": clientOnly(s.handleWorkspaceDelete),

		// Filesystem auth.
		"fs.authorize": clientOnly(s.handleFSAuthorize),

		// Canvas methods exist but the document framework is not built.
		"canvas.list":   canvasStub,
		"canvas.get":    canvasStub,
		"canvas.create": canvasStub,
		"canvas.upsert": canvasStub,
		"canvas.patch":  canvasStub,
		"canvas.delete": canvasStub,
		"canvas.open":   canvasStub,
		"canvas.close":  canvasStub,
		"canvas.action": canvasStub,
	}
}

// dispatch routes one req frame. Returns true when the socket must close.
func (s *Server) dispatch(ctx context.Context, p *peer, frame *protocol.Frame) bool {
	if frame.Method == "connect" {
		payload, err := s.connect(ctx, p, frame.ID, frame.Params)
		s.respond(p, frame, payload, err)
		return !p.connected && err == nil && protocol.IsDeferred(payload)
	}
	if !p.connected {
		s.respond(p, frame, nil, protocol.Errf(protocol.CodeNotConnected, "Not connected: connect first"))
		return false
	}
	spec, ok := s.methods[frame.Method]
	if !ok {
		s.respond(p, frame, nil, protocol.Errf(protocol.CodeNotFound, "Unknown method: %s", frame.Method))
		return false
	}
	if spec.modes != nil && !spec.modes[p.mode] {
		s.respond(p, frame, nil, protocol.Errf(protocol.CodeForbidden, "Method %s not allowed in %s mode", frame.Method, p.mode))
		return false
	}
	payload, err := spec.handler(ctx, p, frame.ID, frame.Params)
	s.respond(p, frame, payload, err)
	return false
}

// respond sends the res frame unless the handler deferred.
func (s *Server) respond(p *peer, frame *protocol.Frame, payload any, err error) {
	if err != nil {
		s.metrics.RPCTotal.WithLabelValues(frame.Method, "error").Inc()
		_ = p.sendFrame(protocol.ErrorResponse(frame.ID, protocol.AsError(err)))
		return
	}
	if protocol.IsDeferred(payload) {
		s.metrics.RPCTotal.WithLabelValues(frame.Method, "deferred").Inc()
		return
	}
	s.metrics.RPCTotal.WithLabelValues(frame.Method, "ok").Inc()
	s.metrics.FramesTotal.WithLabelValues("out", "text").Inc()
	_ = p.sendFrame(protocol.Response(frame.ID, payload))
}

func (s *Server) handlePing(_ context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	return map[string]any{"ts": s.now().UnixMilli()}, nil
}

func (s *Server) handleCanvasStub(_ context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	return nil, protocol.Errf(protocol.CodeNotImplemented, "Canvas is not implemented")
}

// decodeParams unmarshals params into out, mapping failures to 400.
func decodeParams(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return protocol.Errf(protocol.CodeBadParams, "Invalid params: %v", err)
	}
	return nil
}
