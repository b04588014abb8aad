// Package channel routes messaging-platform traffic: inbound messages
// become session turns (or slash commands), streaming chat events flow
// back out to the originating channel, and heartbeat results reach the
// agent's most recently active conversation.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/protocol"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// Inbound is one message arriving from a channel adapter.
type Inbound struct {
	Channel      string             `json:"channel"`
	AccountID    string             `json:"accountId"`
	Peer         session.Peer       `json:"peer"`
	Sender       string             `json:"sender,omitempty"`
	MessageID    string             `json:"messageId,omitempty"`
	Text         string             `json:"text"`
	Timestamp    int64              `json:"timestamp,omitempty"`
	ReplyToID    string             `json:"replyToId,omitempty"`
	ReplyToText  string             `json:"replyToText,omitempty"`
	Media        []session.MediaRef `json:"media,omitempty"`
	WasMentioned bool               `json:"wasMentioned,omitempty"`
	AgentID      string             `json:"agentId,omitempty"`
}

// Delivery kinds.
const (
	DeliverPartial = "partial"
	DeliverFinal   = "final"
	DeliverStop    = "stop"
)

// Delivery is one outbound unit handed to the channel adapter: a
// streaming partial, a final message, or a stop-typing signal.
type Delivery struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId"`
	Peer      session.Peer `json:"peer"`
	Kind      string       `json:"kind"`
	Text      string       `json:"text,omitempty"`
	ReplyToID string       `json:"replyToId,omitempty"`
}

// Deliverer pushes a delivery to the channel adapter, via service
// binding when configured or the adapter's WebSocket otherwise.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Inventory supplies tool and runtime snapshots for chat dispatch.
type Inventory interface {
	ToolsList(ctx context.Context) ([]session.ToolDefinition, error)
	RuntimeSnapshot(ctx context.Context) ([]session.RuntimeNode, error)
}

// Router is the channel fabric.
type Router struct {
	logger     *slog.Logger
	cfg        *config.Store
	canon      session.Canonicalizer
	sessions   *session.Registry
	bridge     session.Bridge
	inv        Inventory
	deliver    Deliverer
	registry   *Registry
	lastActive *lastActiveStore
}

// NewRouter creates the channel router.
func NewRouter(kv store.KV, cfg *config.Store, sessions *session.Registry, bridge session.Bridge, inv Inventory, deliver Deliverer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:     logger.With("component", "channel"),
		cfg:        cfg,
		canon:      session.Canonicalizer{MainKey: cfg.MainKey(), DefaultAgentID: cfg.DefaultAgentID()},
		sessions:   sessions,
		bridge:     bridge,
		inv:        inv,
		deliver:    deliver,
		registry:   NewRegistry(kv),
		lastActive: newLastActiveStore(kv),
	}
}

// Registry exposes the channel account registry.
func (r *Router) Registry() *Registry { return r.registry }

// SessionKeyFor derives the canonical session key for an inbound
// message. Direct messages fold into the main session when the DM scope
// is "main" and the default agent is addressed.
func (r *Router) SessionKeyFor(in Inbound) string {
	agentID := in.AgentID
	if agentID == "" {
		agentID = r.cfg.DefaultAgentID()
	}
	if in.Peer.Kind == "dm" && r.cfg.DMScope() == "main" &&
		session.NormalizeAgentID(agentID) == session.NormalizeAgentID(r.cfg.DefaultAgentID()) {
		return r.cfg.MainKey()
	}
	return r.canon.ChannelKey(agentID, in.Channel, in.Peer)
}

// HandleInbound processes one channel message: bookkeeping, slash
// commands, or a chat turn.
func (r *Router) HandleInbound(ctx context.Context, in Inbound) (map[string]any, error) {
	if in.Channel == "" || in.Peer.Kind == "" || in.Peer.ID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "channel inbound requires channel and peer")
	}
	agentID := session.NormalizeAgentID(in.AgentID)
	if in.AgentID == "" {
		agentID = session.NormalizeAgentID(r.cfg.DefaultAgentID())
	}
	sessionKey := r.SessionKeyFor(in)

	cc := session.ChannelContext{
		Channel:          in.Channel,
		AccountID:        in.AccountID,
		Peer:             in.Peer,
		InboundMessageID: in.MessageID,
		AgentID:          agentID,
	}
	if err := r.registry.TouchInbound(ctx, in.Channel, in.AccountID); err != nil {
		r.logger.Warn("channel registry touch failed", "channel", in.Channel, "error", err)
	}
	r.sessions.Touch(ctx, sessionKey)
	if err := r.lastActive.put(ctx, agentID, cc); err != nil {
		r.logger.Warn("last-active context write failed", "agent_id", agentID, "error", err)
	}

	if cmd, ok := parseCommand(in.Text); ok {
		ack := r.runCommand(ctx, sessionKey, cmd)
		if err := r.deliver.Deliver(ctx, Delivery{
			Channel: in.Channel, AccountID: in.AccountID, Peer: in.Peer,
			Kind: DeliverFinal, Text: ack, ReplyToID: in.MessageID,
		}); err != nil {
			r.logger.Warn("command ack delivery failed", "channel", in.Channel, "error", err)
		}
		return map[string]any{"status": "ok", "command": cmd.Name, "reply": ack}, nil
	}

	runID := uuid.NewString()
	req := session.ChatSendRequest{
		SessionKey: sessionKey,
		RunID:      runID,
		Message: session.UserMessage{
			Text:        in.Text,
			Media:       in.Media,
			Sender:      in.Sender,
			MessageID:   in.MessageID,
			Timestamp:   in.Timestamp,
			ReplyToID:   in.ReplyToID,
			ReplyToText: in.ReplyToText,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", in.Channel, in.AccountID, in.MessageID),
		ChannelContext: &cc,
	}
	if tools, err := r.inv.ToolsList(ctx); err == nil {
		req.Tools = session.CopyTools(tools)
	}
	if nodes, err := r.inv.RuntimeSnapshot(ctx); err == nil {
		req.RuntimeNodes = nodes
	}

	res, err := r.bridge.ChatSend(ctx, req)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if res.RunID == "" {
		res.RunID = runID
	}
	return map[string]any{"status": "ok", "runId": res.RunID, "queued": res.Queued}, nil
}

// HandleChatEvent routes a streaming chat event back to its channel.
// Events without channel context belong to client-only conversations.
func (r *Router) HandleChatEvent(ctx context.Context, ev session.ChatEvent) {
	cc := ev.ChannelContext
	if cc == nil {
		return
	}
	d := Delivery{
		Channel:   cc.Channel,
		AccountID: cc.AccountID,
		Peer:      cc.Peer,
		ReplyToID: cc.InboundMessageID,
	}
	switch ev.State {
	case "partial":
		d.Kind = DeliverPartial
		d.Text = ev.Text
	case "final":
		d.Kind = DeliverFinal
		d.Text = ev.Text
		if err := r.registry.TouchOutbound(ctx, cc.Channel, cc.AccountID); err != nil {
			r.logger.Warn("channel registry touch failed", "channel", cc.Channel, "error", err)
		}
	case "error":
		d.Kind = DeliverStop
	default:
		return
	}
	if err := r.deliver.Deliver(ctx, d); err != nil {
		if cc.BestEffort {
			r.logger.Debug("best-effort channel delivery skipped",
				"channel", cc.Channel, "state", ev.State, "error", err)
			return
		}
		r.logger.Warn("channel delivery failed",
			"channel", cc.Channel, "state", ev.State, "error", err)
	}
}

// LastActiveContext returns the agent's most recent inbound channel
// context, the heartbeat delivery target.
func (r *Router) LastActiveContext(ctx context.Context, agentID string) (session.ChannelContext, bool, error) {
	return r.lastActive.get(ctx, agentID)
}

// DeliverText sends a standalone final message to a channel context.
func (r *Router) DeliverText(ctx context.Context, cc session.ChannelContext, text string) error {
	return r.deliver.Deliver(ctx, Delivery{
		Channel:   cc.Channel,
		AccountID: cc.AccountID,
		Peer:      cc.Peer,
		Kind:      DeliverFinal,
		Text:      text,
	})
}

// Normalize strips surrounding whitespace from a channel name.
func Normalize(channel string) string { return strings.ToLower(strings.TrimSpace(channel)) }
