package session

import (
	"fmt"
	"strings"
)

// Canonicalizer produces stable session keys regardless of entry point
// (channel, client, cron, heartbeat).
type Canonicalizer struct {
	// MainKey is the configured address of the agent's main DM session.
	MainKey string

	// DefaultAgentID scopes bare inputs that name no agent.
	DefaultAgentID string
}

// Canonicalize maps any session address to its canonical form:
//   - the configured main key passes through unchanged,
//   - "agent:..." inputs keep their shape with the agent id normalized,
//   - anything else is scoped under the default agent.
//
// The mapping is idempotent.
func (c Canonicalizer) Canonicalize(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return c.MainKey
	}
	if input == c.MainKey {
		return input
	}
	if rest, ok := strings.CutPrefix(input, "agent:"); ok {
		agentID, tail, found := strings.Cut(rest, ":")
		agentID = NormalizeAgentID(agentID)
		if !found {
			return "agent:" + agentID
		}
		return "agent:" + agentID + ":" + tail
	}
	return fmt.Sprintf("agent:%s:%s", NormalizeAgentID(c.DefaultAgentID), input)
}

// NormalizeAgentID lowercases and trims an agent id, defaulting to "main".
func NormalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "main"
	}
	return id
}

// ChannelKey derives the canonical session key for an inbound channel
// message: agent:{agentId}:{channel}:{peerKind}:{peerId}.
func (c Canonicalizer) ChannelKey(agentID, channel string, peer Peer) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s",
		NormalizeAgentID(agentID), channel, peer.Kind, peer.ID)
}

// CronKey derives the isolated session key for a cron task job.
func CronKey(agentID, jobID string) string {
	return fmt.Sprintf("agent:%s:cron:%s", NormalizeAgentID(agentID), jobID)
}

// HeartbeatKey derives the internal session key heartbeat prompts run in.
func HeartbeatKey(agentID string) string {
	return fmt.Sprintf("agent:%s:heartbeat:system:internal", NormalizeAgentID(agentID))
}
