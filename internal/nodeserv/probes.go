package nodeserv

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// probeResendAfter is how long a probe may stay unanswered before the
// sweep resends it (once).
const probeResendAfter = 15 * time.Second

// maxProbeAttempts bounds resends per probe.
const maxProbeAttempts = 2

type binProbe struct {
	ProbeID  string
	NodeID   string
	AgentID  string
	Bins     []string
	Attempts int
	SentAt   time.Time
}

type binProbePayload struct {
	ProbeID string   `json:"probeId"`
	Bins    []string `json:"bins"`
}

// probeQueue asks nodes which executables exist on their host so skill
// eligibility can be decided without a round trip per message. Probes
// are deduplicated per (node, agent, bin set) within the configured
// max-age window and retried at most once.
type probeQueue struct {
	svc    *Service
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*binProbe // probeId -> probe
	recent   map[string]time.Time // dedupe key -> last queued
}

func newProbeQueue(svc *Service, logger *slog.Logger) *probeQueue {
	return &probeQueue{
		svc:      svc,
		logger:   logger.With("component", "binprobe"),
		inflight: make(map[string]*binProbe),
		recent:   make(map[string]time.Time),
	}
}

func probeKey(nodeID, agentID string, bins []string) string {
	return nodeID + "|" + agentID + "|" + strings.Join(bins, ",")
}

// QueueBinProbe sends a bin presence probe to a node. Nodes without the
// shell.exec capability are skipped, as are probes whose bin status is
// already fresh or that were queued within the freshness window.
func (s *Service) QueueBinProbe(ctx context.Context, nodeID, agentID string, bins []string) error {
	return s.probes.queue(ctx, nodeID, agentID, bins)
}

func (q *probeQueue) queue(ctx context.Context, nodeID, agentID string, bins []string) error {
	if len(bins) == 0 {
		return nil
	}
	bins = append([]string(nil), bins...)
	sort.Strings(bins)

	info, found, err := q.svc.NodeRuntime(ctx, nodeID)
	if err != nil {
		return err
	}
	if !found || !info.HasCapability("shell.exec") {
		return nil
	}

	now := q.svc.now()
	maxAge := q.svc.cfg.SkillProbeMaxAge()
	if info.HostBinStatus != nil && now.Sub(info.HostBinStatusUpdatedAt) < maxAge {
		missing := false
		for _, bin := range bins {
			if _, ok := info.HostBinStatus[bin]; !ok {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}
	}

	key := probeKey(nodeID, agentID, bins)
	q.mu.Lock()
	if queued, ok := q.recent[key]; ok && now.Sub(queued) < maxAge {
		q.mu.Unlock()
		return nil
	}
	probe := &binProbe{
		ProbeID:  uuid.NewString(),
		NodeID:   nodeID,
		AgentID:  agentID,
		Bins:     bins,
		Attempts: 1,
		SentAt:   now,
	}
	q.inflight[probe.ProbeID] = probe
	q.recent[key] = now
	q.mu.Unlock()

	if err := q.svc.sender.SendEventToNode(nodeID, "skills.bins.probe", binProbePayload{ProbeID: probe.ProbeID, Bins: bins}); err != nil {
		q.mu.Lock()
		delete(q.inflight, probe.ProbeID)
		delete(q.recent, key)
		q.mu.Unlock()
		return nil
	}
	q.logger.Debug("bin probe sent", "node_id", nodeID, "bins", len(bins))
	return nil
}

// HandleBinProbeResult merges a node's probe answer into its runtime
// record. Results from the wrong node or for unknown probe ids are
// dropped.
func (s *Service) HandleBinProbeResult(ctx context.Context, fromNodeID, probeID string, status map[string]bool) error {
	q := s.probes
	q.mu.Lock()
	probe, ok := q.inflight[probeID]
	if ok && probe.NodeID == fromNodeID {
		delete(q.inflight, probeID)
	} else {
		ok = false
	}
	q.mu.Unlock()
	if !ok {
		q.logger.Debug("dropping stray probe result", "node_id", fromNodeID, "probe_id", probeID)
		return nil
	}

	var info RuntimeInfo
	found, err := s.runtime.Get(ctx, fromNodeID, &info)
	if err != nil || !found {
		return err
	}
	if info.HostBinStatus == nil {
		info.HostBinStatus = make(map[string]bool, len(status))
	}
	for bin, present := range status {
		info.HostBinStatus[bin] = present
	}
	info.HostBinStatusUpdatedAt = s.now()
	if err := s.runtime.Put(ctx, fromNodeID, &info); err != nil {
		return err
	}
	q.logger.Info("bin status updated", "node_id", fromNodeID, "bins", len(status))
	return nil
}

// Sweep resends overdue probes (one retry) and drops exhausted ones,
// then garbage-collects dedupe entries past the freshness window.
func (q *probeQueue) sweep() {
	now := q.svc.now()
	maxAge := q.svc.cfg.SkillProbeMaxAge()

	q.mu.Lock()
	var resend []*binProbe
	for id, probe := range q.inflight {
		if now.Sub(probe.SentAt) < probeResendAfter {
			continue
		}
		if probe.Attempts >= maxProbeAttempts || !q.svc.sender.NodeOnline(probe.NodeID) {
			delete(q.inflight, id)
			q.logger.Warn("bin probe abandoned", "node_id", probe.NodeID, "attempts", probe.Attempts)
			continue
		}
		probe.Attempts++
		probe.SentAt = now
		resend = append(resend, probe)
	}
	for key, queued := range q.recent {
		if now.Sub(queued) >= maxAge {
			delete(q.recent, key)
		}
	}
	q.mu.Unlock()

	for _, probe := range resend {
		if err := q.svc.sender.SendEventToNode(probe.NodeID, "skills.bins.probe", binProbePayload{ProbeID: probe.ProbeID, Bins: probe.Bins}); err != nil {
			q.mu.Lock()
			delete(q.inflight, probe.ProbeID)
			q.mu.Unlock()
		}
	}
}

// nextDue returns when the sweep next has work, or zero when idle.
func (q *probeQueue) nextDue() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, probe := range q.inflight {
		due := probe.SentAt.Add(probeResendAfter)
		if earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	return earliest
}

func (q *probeQueue) dropNode(nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, probe := range q.inflight {
		if probe.NodeID == nodeID {
			delete(q.inflight, id)
		}
	}
}

// SweepProbes runs one probe maintenance pass. The alarm orchestrator
// calls it.
func (s *Service) SweepProbes(context.Context) { s.probes.sweep() }

// ProbesNextDue reports when the probe queue next needs a sweep.
func (s *Service) ProbesNextDue() time.Time { return s.probes.nextDue() }
