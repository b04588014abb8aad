package nodeserv

import (
	"context"
	"encoding/json"

	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
)

// CallMeta carries the origin of a native tool invocation. Exactly one
// of SessionKey and ClientID is set.
type CallMeta struct {
	SessionKey string
	ClientID   string
	CallID     string
}

// NativeHandler runs a gateway-provided tool in-process.
type NativeHandler func(ctx context.Context, args json.RawMessage, meta CallMeta) (any, error)

// NativeTool pairs a tool definition with its in-process handler. The
// definition's name carries the full gsv__ prefix.
type NativeTool struct {
	Definition session.ToolDefinition
	Handler    NativeHandler
}

// RegisterNative adds a native tool. Registration order is listing
// order. Names outside the gsv__ namespace are rejected.
func (s *Service) RegisterNative(tool NativeTool) error {
	prefix, _, ok := SplitTool(tool.Definition.Name)
	if !ok || prefix != NativePrefix {
		return protocol.Errf(protocol.CodeBadParams, "native tool name must start with %s__: %s", NativePrefix, tool.Definition.Name)
	}
	if tool.Handler == nil {
		return protocol.Errf(protocol.CodeBadParams, "native tool %s has no handler", tool.Definition.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.native {
		if s.native[i].Definition.Name == tool.Definition.Name {
			s.native[i] = tool
			return nil
		}
	}
	s.native = append(s.native, tool)
	return nil
}

// NativeTools returns the registered native tools in registration order.
func (s *Service) NativeTools() []NativeTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NativeTool, len(s.native))
	copy(out, s.native)
	return out
}

func (s *Service) lookupNative(name string) *NativeTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.native {
		if s.native[i].Definition.Name == name {
			tool := s.native[i]
			return &tool
		}
	}
	return nil
}

func (s *Service) invokeNative(ctx context.Context, name string, args json.RawMessage, meta CallMeta) (any, error) {
	tool := s.lookupNative(name)
	if tool == nil {
		return nil, protocol.Errf(protocol.CodeNotFound, "No node provides tool: %s", name)
	}
	result, err := tool.Handler(ctx, args, meta)
	if err != nil {
		s.logger.Warn("native tool failed", "tool", name, "error", err)
		return nil, protocol.AsError(err)
	}
	return result, nil
}
