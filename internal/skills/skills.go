// Package skills tracks which agent skills are enabled and whether the
// binaries they require are present on connected nodes. Presence is
// learned through the node service's bin probes.
package skills

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/gsvhq/gsv/internal/config"
	"github.com/gsvhq/gsv/internal/nodeserv"
	"github.com/gsvhq/gsv/internal/protocol"
)

// Entry is one configured skill.
type Entry struct {
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Requires []string `json:"requires,omitempty"`
}

// BinReport is per-binary presence across nodes.
type BinReport struct {
	Bin     string   `json:"bin"`
	Present bool     `json:"present"`
	Nodes   []string `json:"nodes,omitempty"` // nodes that have it
	Unknown bool     `json:"unknown"`         // no node has reported yet
}

// Status is one skill's resolved state.
type Status struct {
	Name    string      `json:"name"`
	Enabled bool        `json:"enabled"`
	Ready   bool        `json:"ready"` // enabled and every required bin present somewhere
	Bins    []BinReport `json:"bins,omitempty"`
}

// Service resolves skill status against the node catalog.
type Service struct {
	logger *slog.Logger
	cfg    *config.Store
	nodes  *nodeserv.Service
}

// NewService wires the skill resolver.
func NewService(cfg *config.Store, nodes *nodeserv.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger: logger.With("component", "skills"),
		cfg:    cfg,
		nodes:  nodes,
	}
}

// Entries reads the configured skill table, sorted by name.
func (s *Service) Entries() []Entry {
	raw, ok := s.cfg.GetPath("skills.entries")
	if !ok {
		return nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(table))
	for name, v := range table {
		entry := Entry{Name: name, Enabled: true}
		if m, ok := v.(map[string]any); ok {
			if b, ok := m["enabled"].(bool); ok {
				entry.Enabled = b
			}
			if reqs, ok := m["requires"].([]any); ok {
				for _, r := range reqs {
					if bin, ok := r.(string); ok && bin != "" {
						entry.Requires = append(entry.Requires, bin)
					}
				}
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusAll resolves every configured skill against current node bin
// status, queuing probes for bins no node has reported on.
func (s *Service) StatusAll(ctx context.Context, agentID string) ([]Status, error) {
	snapshot, err := s.nodes.RuntimeSnapshot(ctx)
	if err != nil {
		return nil, protocol.Errf(protocol.CodeInternal, "skills status failed: %v", err)
	}

	var statuses []Status
	probeWants := map[string][]string{} // nodeId -> bins to probe
	for _, entry := range s.Entries() {
		st := Status{Name: entry.Name, Enabled: entry.Enabled}
		ready := entry.Enabled
		for _, bin := range entry.Requires {
			report := BinReport{Bin: bin, Unknown: true}
			for _, node := range snapshot {
				present, known := node.HostBinStatus[bin]
				if !known {
					probeWants[node.NodeID] = append(probeWants[node.NodeID], bin)
					continue
				}
				report.Unknown = false
				if present {
					report.Present = true
					report.Nodes = append(report.Nodes, node.NodeID)
				}
			}
			sort.Strings(report.Nodes)
			if !report.Present {
				ready = false
			}
			st.Bins = append(st.Bins, report)
		}
		st.Ready = ready
		statuses = append(statuses, st)
	}

	for nodeID, bins := range probeWants {
		if err := s.nodes.QueueBinProbe(ctx, nodeID, agentID, dedupe(bins)); err != nil {
			s.logger.Debug("bin probe not queued", "node_id", nodeID, "error", err)
		}
	}
	return statuses, nil
}

// Update patches one skill's config entry. A nil enabled leaves the
// flag alone; a nil requires leaves the bin list alone.
func (s *Service) Update(ctx context.Context, name string, enabled *bool, requires []string) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, protocol.Errf(protocol.CodeBadParams, "Skill name is required")
	}
	base := "skills.entries." + name
	if enabled != nil {
		if err := s.cfg.SetPath(ctx, base+".enabled", *enabled); err != nil {
			return Entry{}, protocol.Errf(protocol.CodeInternal, "skill update failed: %v", err)
		}
	}
	if requires != nil {
		list := make([]any, 0, len(requires))
		for _, bin := range requires {
			if bin = strings.TrimSpace(bin); bin != "" {
				list = append(list, bin)
			}
		}
		if err := s.cfg.SetPath(ctx, base+".requires", list); err != nil {
			return Entry{}, protocol.Errf(protocol.CodeInternal, "skill update failed: %v", err)
		}
	}
	for _, entry := range s.Entries() {
		if entry.Name == name {
			return entry, nil
		}
	}
	return Entry{Name: name, Enabled: enabled == nil || *enabled, Requires: requires}, nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
