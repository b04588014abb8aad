// Package session defines the contract between the gateway and the
// external per-conversation session actors, plus the session discovery
// registry and session-key canonicalization.
//
// The gateway never reads a session's memory. It addresses sessions by
// canonical key and calls the narrow Bridge interface; chat events flow
// back through an EventSink the gateway registers.
package session

import (
	"encoding/json"
	"time"
)

// Peer identifies the remote party of a channel conversation.
type Peer struct {
	Kind string `json:"kind"` // "dm", "group", "channel"
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChannelContext pins a chat turn to its originating channel so streaming
// events can be routed back.
type ChannelContext struct {
	Channel          string `json:"channel"`
	AccountID        string `json:"accountId"`
	Peer             Peer   `json:"peer"`
	InboundMessageID string `json:"inboundMessageId,omitempty"`
	AgentID          string `json:"agentId,omitempty"`

	// BestEffort marks outbound routing as tolerable-to-fail: a broken
	// delivery path is logged quietly instead of surfacing an error.
	BestEffort bool `json:"bestEffort,omitempty"`
}

// MediaRef points at an attachment already staged in the blob store.
type MediaRef struct {
	Kind     string `json:"kind,omitempty"` // "image", "audio", "video", "document"
	URL      string `json:"url,omitempty"`
	Key      string `json:"key,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// UserMessage is one inbound user turn.
type UserMessage struct {
	Text        string     `json:"text"`
	Media       []MediaRef `json:"media,omitempty"`
	Sender      string     `json:"sender,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	Timestamp   int64      `json:"timestamp,omitempty"`
	ReplyToID   string     `json:"replyToId,omitempty"`
	ReplyToText string     `json:"replyToText,omitempty"`
}

// ToolDefinition describes a callable tool as exposed to sessions.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// RuntimeNode is a snapshot of one node's runtime inventory handed to a
// session at dispatch time.
type RuntimeNode struct {
	NodeID           string              `json:"nodeId"`
	Online           bool                `json:"online"`
	HostRole         string              `json:"hostRole,omitempty"`
	HostCapabilities []string            `json:"hostCapabilities,omitempty"`
	ToolCapabilities map[string][]string `json:"toolCapabilities,omitempty"`
	HostOS           string              `json:"hostOs,omitempty"`
	HostEnv          string              `json:"hostEnv,omitempty"`
	HostBinStatus    map[string]bool     `json:"hostBinStatus,omitempty"`
}

// Overrides tweak a single turn without touching session state.
type Overrides struct {
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// ChatSendRequest enqueues one user turn on a session actor.
type ChatSendRequest struct {
	SessionKey     string          `json:"sessionKey"`
	RunID          string          `json:"runId"`
	Message        UserMessage     `json:"message"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	RuntimeNodes   []RuntimeNode   `json:"runtimeNodes,omitempty"`
	Overrides      *Overrides      `json:"overrides,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	ChannelContext *ChannelContext `json:"channelContext,omitempty"`
}

// ChatSendResult reports turn acceptance.
type ChatSendResult struct {
	OK     bool   `json:"ok"`
	RunID  string `json:"runId"`
	Queued bool   `json:"queued,omitempty"`
}

// ToolResultDelivery carries a completed tool call into a session.
type ToolResultDelivery struct {
	CallID string `json:"callId"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AsyncExecCompletion is the terminal event of a long-running remote exec,
// including inventory snapshots so the session can fold it into history.
type AsyncExecCompletion struct {
	EventID      string           `json:"eventId"`
	NodeID       string           `json:"nodeId"`
	SessionID    string           `json:"sessionId"`
	CallID       string           `json:"callId"`
	Event        string           `json:"event"` // "finished", "failed", "timed_out"
	ExitCode     *int             `json:"exitCode,omitempty"`
	Signal       string           `json:"signal,omitempty"`
	OutputTail   string           `json:"outputTail,omitempty"`
	StartedAt    int64            `json:"startedAt,omitempty"`
	EndedAt      int64            `json:"endedAt,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	RuntimeNodes []RuntimeNode    `json:"runtimeNodes,omitempty"`
}

// ChatEvent is a streaming event emitted by a session actor during a run.
type ChatEvent struct {
	RunID          string          `json:"runId"`
	SessionKey     string          `json:"sessionKey"`
	State          string          `json:"state"` // "partial", "final", "error"
	Text           string          `json:"text,omitempty"`
	Error          string          `json:"error,omitempty"`
	ChannelContext *ChannelContext `json:"channelContext,omitempty"`
}

// Entry is a session discovery record. The session's own state lives in
// the external actor.
type Entry struct {
	SessionKey   string    `json:"sessionKey"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Label        string    `json:"label,omitempty"`
}
