// Package nodeserv owns everything the gateway knows about nodes: the
// tool registry, per-node runtime info, the presence catalog, tool and
// log dispatch, and skill bin probes.
//
// Nodes expose tools under node-local names; outward they are namespaced
// as {nodeId}__{toolName}. Native tools run inside the gateway process
// under the gsv__ prefix and are always present.
package nodeserv

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gsvhq/gsv/internal/session"
)

// NativePrefix namespaces tools the gateway itself provides.
const NativePrefix = "gsv"

// Host capabilities form a closed enumeration; runtime registration is
// rejected when a node declares anything else.
var HostCapabilities = map[string]bool{
	"shell.exec":    true,
	"fs.read":       true,
	"fs.write":      true,
	"camera":        true,
	"screen":        true,
	"location":      true,
	"browser":       true,
	"notifications": true,
	"audio":         true,
}

var (
	// ErrNodeNotFound indicates no registry entry for the node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeConnected indicates the operation needs the node offline.
	ErrNodeConnected = errors.New("node is connected")
)

// RuntimeInfo is a node's declared execution environment.
type RuntimeInfo struct {
	HostRole               string              `json:"hostRole,omitempty"`
	HostCapabilities       []string            `json:"hostCapabilities,omitempty"`
	ToolCapabilities       map[string][]string `json:"toolCapabilities,omitempty"`
	HostOS                 string              `json:"hostOs,omitempty"`
	HostEnv                string              `json:"hostEnv,omitempty"`
	HostBinStatus          map[string]bool     `json:"hostBinStatus,omitempty"`
	HostBinStatusUpdatedAt time.Time           `json:"hostBinStatusUpdatedAt,omitempty"`
}

// Validate enforces the capability closure: every tool in the registry
// has a capability entry, every listed capability is host-declared, and
// all identifiers come from the closed enumeration.
func (r *RuntimeInfo) Validate(tools []session.ToolDefinition) error {
	declared := map[string]bool{}
	for _, cap := range r.HostCapabilities {
		if !HostCapabilities[cap] {
			return fmt.Errorf("unknown host capability %q", cap)
		}
		declared[cap] = true
	}
	for tool, caps := range r.ToolCapabilities {
		for _, cap := range caps {
			if !HostCapabilities[cap] {
				return fmt.Errorf("unknown capability %q for tool %q", cap, tool)
			}
			if !declared[cap] {
				return fmt.Errorf("tool %q requires capability %q not declared by host", tool, cap)
			}
		}
	}
	for _, tool := range tools {
		if _, ok := r.ToolCapabilities[tool.Name]; !ok {
			return fmt.Errorf("tool %q has no capability entry", tool.Name)
		}
	}
	return nil
}

// HasCapability reports whether the host declares a capability.
func (r *RuntimeInfo) HasCapability(cap string) bool {
	for _, c := range r.HostCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CatalogEntry tracks a node's presence across connects.
type CatalogEntry struct {
	NodeID             string    `json:"nodeId"`
	Online             bool      `json:"online"`
	FirstSeenAt        time.Time `json:"firstSeenAt"`
	LastSeenAt         time.Time `json:"lastSeenAt"`
	LastConnectedAt    time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt time.Time `json:"lastDisconnectedAt,omitempty"`
	ClientPlatform     string    `json:"clientPlatform,omitempty"`
	ClientVersion      string    `json:"clientVersion,omitempty"`
}

// Namespaced forms the outward-facing tool name for a node-local tool.
func Namespaced(nodeID, tool string) string {
	return nodeID + "__" + tool
}

// SplitTool splits a namespaced tool name at the first "__".
func SplitTool(name string) (nodeID, tool string, ok bool) {
	nodeID, tool, ok = strings.Cut(name, "__")
	if !ok || nodeID == "" || tool == "" {
		return "", "", false
	}
	return nodeID, tool, true
}
