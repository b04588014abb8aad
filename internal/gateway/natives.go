package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gsvhq/gsv/internal/nodeserv"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/transfer"
)

const (
	nativeLogsDefaultTimeout = 10 * time.Second
	nativeLogsMaxTimeout     = 60 * time.Second
)

// registerNativeTools installs the gateway's own tools into the node
// service catalog, under the gsv__ namespace.
func (s *Server) registerNativeTools() {
	register := func(t nodeserv.NativeTool) {
		if err := s.nodes.RegisterNative(t); err != nil {
			panic(err)
		}
	}

	register(nodeserv.NativeTool{
		Definition: session.ToolDefinition{
			Name:        "gsv__nodes",
			Description: "List known nodes with their connection state and runtime inventory.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		},
		Handler: s.nativeNodes,
	})
	register(nodeserv.NativeTool{
		Definition: session.ToolDefinition{
			Name:        "gsv__logs",
			Description: "Fetch recent log lines from a connected node.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"nodeId":{"type":"string"},"lines":{"type":"integer"},"timeoutMs":{"type":"integer"}},"required":["nodeId"]}`),
		},
		Handler: s.nativeLogs,
	})
	register(nodeserv.NativeTool{
		Definition: session.ToolDefinition{
			Name:        "gsv__config_get",
			Description: "Read gateway configuration, with secrets redacted.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		},
		Handler: s.nativeConfigGet,
	})
	register(nodeserv.NativeTool{
		Definition: session.ToolDefinition{
			Name:        "gsv__transfer",
			Description: "Move a file between a node and the gateway blob store, or between two nodes.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"source":{"type":"object","properties":{"node":{"type":"string"},"path":{"type":"string"}},"required":["node","path"]},"destination":{"type":"object","properties":{"node":{"type":"string"},"path":{"type":"string"}},"required":["node","path"]}},"required":["source","destination"]}`),
		},
		Handler: s.nativeTransfer,
	})
}

func (s *Server) nativeNodes(ctx context.Context, _ json.RawMessage, _ nodeserv.CallMeta) (any, error) {
	catalog, err := s.nodes.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	runtime, err := s.nodes.RuntimeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": catalog, "runtime": runtime}, nil
}

func (s *Server) nativeLogs(ctx context.Context, args json.RawMessage, _ nodeserv.CallMeta) (any, error) {
	var req struct {
		NodeID    string `json:"nodeId"`
		Lines     int    `json:"lines"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeParams(args, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "nodeId is required")
	}
	timeout := nativeLogsDefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > nativeLogsMaxTimeout {
			timeout = nativeLogsMaxTimeout
		}
	}
	res, err := s.nodes.RequestLogsInternal(ctx, req.NodeID, req.Lines, timeout)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) nativeConfigGet(_ context.Context, args json.RawMessage, _ nodeserv.CallMeta) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeParams(args, &req); err != nil {
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

// nativeTransfer starts a file transfer on behalf of the calling
// session. The transfer manager delivers the single tool result for the
// original callId when the transfer finishes or fails, so the handler
// defers instead of answering.
func (s *Server) nativeTransfer(ctx context.Context, args json.RawMessage, meta nodeserv.CallMeta) (any, error) {
	var req struct {
		Source      transfer.Endpoint `json:"source"`
		Destination transfer.Endpoint `json:"destination"`
	}
	if err := decodeParams(args, &req); err != nil {
		return nil, err
	}
	if req.Source.Node == "" || req.Source.Path == "" || req.Destination.Node == "" || req.Destination.Path == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "source and destination require node and path")
	}
	if meta.SessionKey == "" {
		return nil, protocol.Errf(protocol.CodeForbidden, "transfers require a session context")
	}
	id, err := s.transfers.Request(ctx, meta.CallID, meta.SessionKey, req.Source, req.Destination)
	if err != nil {
		return nil, err
	}
	s.metrics.TransfersTotal.WithLabelValues("started").Inc()
	s.logger.Info("transfer dispatched", "transfer_id", id, "call_id", meta.CallID)
	return protocol.Deferred, nil
}
