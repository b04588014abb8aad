package nodeserv

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/pending"
	"github.com/gsvhq/gsv/internal/session"
	"github.com/gsvhq/gsv/internal/store"
)

// PeerSender delivers event frames to connected node sockets. The
// gateway's connection registry implements it.
type PeerSender interface {
	// SendEventToNode enqueues an event frame on the node's socket.
	// Returns an error when the node has no open socket.
	SendEventToNode(nodeID, event string, payload any) error

	// NodeOnline reports whether the node has a live socket.
	NodeOnline(nodeID string) bool

	// OnlineNodeIDs lists nodes with live sockets.
	OnlineNodeIDs() []string
}

// ExecTracker registers long-running remote execs whose completion will
// arrive later via node.exec.event.
type ExecTracker interface {
	RegisterRunning(ctx context.Context, nodeID, execSessionID, sessionKey, callID string) error
}

// Service is the node subsystem.
type Service struct {
	logger  *slog.Logger
	cfg     *config.Store
	pending *pending.Store
	bridge  session.Bridge
	sender  PeerSender
	exec    ExecTracker

	tools   *store.Namespace // toolRegistry: nodeId -> []ToolDefinition
	runtime *store.Namespace // nodeRuntimeRegistry: nodeId -> RuntimeInfo
	catalog *store.Namespace // nodeCatalog: nodeId -> CatalogEntry

	mu     sync.Mutex
	native []NativeTool

	logMu      sync.Mutex
	logWaiters map[string]logWaiter

	probes *probeQueue

	now func() time.Time
}

// NewService creates the node service over the shared KV store.
func NewService(kv store.KV, cfg *config.Store, pendingOps *pending.Store, bridge session.Bridge, sender PeerSender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:     logger.With("component", "nodeserv"),
		cfg:        cfg,
		pending:    pendingOps,
		bridge:     bridge,
		sender:     sender,
		tools:      store.NewNamespace(kv, "toolRegistry:"),
		runtime:    store.NewNamespace(kv, "nodeRuntimeRegistry:"),
		catalog:    store.NewNamespace(kv, "nodeCatalog:"),
		logWaiters: make(map[string]logWaiter),
		now:        time.Now,
	}
	s.probes = newProbeQueue(s, logger)
	return s
}

// SetExecTracker wires the async-exec pipeline after construction.
func (s *Service) SetExecTracker(t ExecTracker) { s.exec = t }

// HandleNodeConnect registers a node's tools and runtime on handshake.
// The runtime must pass capability-closure validation.
func (s *Service) HandleNodeConnect(ctx context.Context, nodeID, platform, version string, tools []session.ToolDefinition, runtime *RuntimeInfo) error {
	if runtime == nil {
		runtime = &RuntimeInfo{}
	}
	if err := runtime.Validate(tools); err != nil {
		return err
	}

	// Merge prior bin status so probes survive reconnects.
	var prior RuntimeInfo
	if found, err := s.runtime.Get(ctx, nodeID, &prior); err == nil && found {
		if runtime.HostBinStatus == nil && prior.HostBinStatus != nil {
			runtime.HostBinStatus = prior.HostBinStatus
			runtime.HostBinStatusUpdatedAt = prior.HostBinStatusUpdatedAt
		}
	}

	if err := s.tools.Put(ctx, nodeID, tools); err != nil {
		return err
	}
	if err := s.runtime.Put(ctx, nodeID, runtime); err != nil {
		return err
	}

	now := s.now()
	var entry CatalogEntry
	found, err := s.catalog.Get(ctx, nodeID, &entry)
	if err != nil {
		return err
	}
	if !found {
		entry = CatalogEntry{NodeID: nodeID, FirstSeenAt: now}
	}
	entry.Online = true
	entry.LastSeenAt = now
	entry.LastConnectedAt = now
	entry.ClientPlatform = platform
	entry.ClientVersion = version
	if err := s.catalog.Put(ctx, nodeID, entry); err != nil {
		return err
	}

	s.logger.Info("node connected", "node_id", nodeID, "tools", len(tools), "platform", platform, "version", version)
	return nil
}

// HandleNodeDisconnect marks a node offline. Tool registry entries are
// retained for inventory listing; pending log calls for the node are
// failed by the caller using the returned ops.
func (s *Service) HandleNodeDisconnect(ctx context.Context, nodeID string) ([]pending.Op, error) {
	now := s.now()
	var entry CatalogEntry
	found, err := s.catalog.Get(ctx, nodeID, &entry)
	if err == nil && found {
		entry.Online = false
		entry.LastSeenAt = now
		entry.LastDisconnectedAt = now
		if err := s.catalog.Put(ctx, nodeID, entry); err != nil {
			s.logger.Warn("catalog update failed", "node_id", nodeID, "error", err)
		}
	}
	s.probes.dropNode(nodeID)
	failed, err := s.pending.FailLogsForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("node disconnected", "node_id", nodeID, "failed_log_calls", len(failed))
	return failed, nil
}

// Forget removes a disconnected node's registry entries. Forgetting a
// connected node is a conflict; the caller maps it to 409.
func (s *Service) Forget(ctx context.Context, nodeID string) error {
	if s.sender.NodeOnline(nodeID) {
		return ErrNodeConnected
	}
	var entry CatalogEntry
	found, err := s.catalog.Get(ctx, nodeID, &entry)
	if err != nil {
		return err
	}
	if !found {
		if toolsFound, err := s.tools.Get(ctx, nodeID, nil); err != nil || !toolsFound {
			return ErrNodeNotFound
		}
	}
	if err := s.tools.Delete(ctx, nodeID); err != nil {
		return err
	}
	if err := s.runtime.Delete(ctx, nodeID); err != nil {
		return err
	}
	if err := s.catalog.Delete(ctx, nodeID); err != nil {
		return err
	}
	s.logger.Info("node forgotten", "node_id", nodeID)
	return nil
}

// ReconcileStartup forces offline any catalog entry whose socket
// vanished across a restart.
func (s *Service) ReconcileStartup(ctx context.Context) {
	now := s.now()
	err := store.Each(ctx, s.catalog, func(nodeID string, entry CatalogEntry) error {
		if entry.Online && !s.sender.NodeOnline(nodeID) {
			entry.Online = false
			entry.LastDisconnectedAt = now
			if err := s.catalog.Put(ctx, nodeID, entry); err != nil {
				return err
			}
			s.logger.Info("reconciled stale node", "node_id", nodeID)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("startup reconciliation failed", "error", err)
	}
}

// NodeTools returns the registered tools for one node.
func (s *Service) NodeTools(ctx context.Context, nodeID string) ([]session.ToolDefinition, bool, error) {
	var tools []session.ToolDefinition
	found, err := s.tools.Get(ctx, nodeID, &tools)
	return tools, found, err
}

// NodeRuntime returns the runtime info for one node.
func (s *Service) NodeRuntime(ctx context.Context, nodeID string) (*RuntimeInfo, bool, error) {
	var info RuntimeInfo
	found, err := s.runtime.Get(ctx, nodeID, &info)
	if err != nil || !found {
		return nil, found, err
	}
	return &info, true, nil
}

// Catalog returns presence entries for all known nodes, sorted by id.
func (s *Service) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	err := store.Each(ctx, s.catalog, func(_ string, e CatalogEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })
	return entries, nil
}

// ToolsList returns every exposed tool: all native tools first, then the
// namespaced tools of every registered node (offline nodes included, so
// the inventory survives disconnects).
func (s *Service) ToolsList(ctx context.Context) ([]session.ToolDefinition, error) {
	out := make([]session.ToolDefinition, 0, 16)
	for _, nt := range s.NativeTools() {
		out = append(out, nt.Definition)
	}

	raw, err := s.tools.List(ctx)
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, 0, len(raw))
	for nodeID := range raw {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		var tools []session.ToolDefinition
		if _, err := s.tools.Get(ctx, nodeID, &tools); err != nil {
			return nil, err
		}
		for _, t := range tools {
			t.Name = Namespaced(nodeID, t.Name)
			out = append(out, t)
		}
	}
	return out, nil
}

// RuntimeSnapshot builds the runtime inventory handed to sessions.
func (s *Service) RuntimeSnapshot(ctx context.Context) ([]session.RuntimeNode, error) {
	entries, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]session.RuntimeNode, 0, len(entries))
	for _, entry := range entries {
		node := session.RuntimeNode{NodeID: entry.NodeID, Online: entry.Online}
		if info, found, err := s.NodeRuntime(ctx, entry.NodeID); err == nil && found {
			node.HostRole = info.HostRole
			node.HostCapabilities = info.HostCapabilities
			node.ToolCapabilities = info.ToolCapabilities
			node.HostOS = info.HostOS
			node.HostEnv = info.HostEnv
			node.HostBinStatus = info.HostBinStatus
		}
		out = append(out, node)
	}
	return session.CopyRuntimeNodes(out), nil
}
