// Package config holds the gateway configuration: a dot-path addressable
// tree with typed defaults layered under persisted overrides.
//
// Reads merge defaults, the seed file, and the durable overlay; writes
// deep-merge into the overlay and persist immediately. Secret-bearing
// paths are redacted in safe snapshots.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

const overlayKey = "overrides"

// Paths redacted in safe snapshots.
var redactedPaths = []string{
	"apiKeys.anthropic",
	"apiKeys.openai",
	"apiKeys.google",
	"auth.token",
}

// Defaults returns the typed default tree. Every path read by the
// gateway resolves here when no file or overlay value is present.
func Defaults() map[string]any {
	return map[string]any{
		"model": map[string]any{
			"provider": "anthropic",
			"id":       "claude-sonnet-4-5",
		},
		"apiKeys": map[string]any{},
		"auth":    map[string]any{},
		"timeouts": map[string]any{
			"llmMs":              int64(120_000),
			"toolMs":             int64(60_000),
			"skillProbeMaxAgeMs": int64(10 * 60 * 1000),
		},
		"session": map[string]any{
			"mainKey": "agent:main:main",
			"dmScope": "main",
		},
		"agents": map[string]any{
			"list": []any{map[string]any{"id": "main"}},
			"defaultHeartbeat": map[string]any{
				"every":       "30m",
				"activeHours": "",
				"target":      "last",
				"prompt":      "Check in. Reply HEARTBEAT_OK if nothing needs attention.",
			},
		},
		"cron": map[string]any{
			"enabled":              true,
			"maxJobs":              int64(200),
			"maxRunsPerJobHistory": int64(50),
			"maxConcurrentRuns":    int64(4),
		},
		"userTimezone": "UTC",
		"channels":     map[string]any{},
		"skills": map[string]any{
			"entries": map[string]any{},
		},
	}
}

// Store is the live configuration. Mutations persist through the KV
// overlay under the "config:" namespace.
type Store struct {
	mu       sync.RWMutex
	defaults map[string]any
	seed     map[string]any
	overlay  map[string]any
	ns       *store.Namespace
}

// NewStore builds the config store. seed holds values loaded from the
// config file (may be nil); the persisted overlay is rehydrated from kv.
func NewStore(ctx context.Context, kv store.KV, seed map[string]any) (*Store, error) {
	s := &Store{
		defaults: Defaults(),
		seed:     seed,
		overlay:  map[string]any{},
		ns:       store.NewNamespace(kv, "config:"),
	}
	var persisted map[string]any
	found, err := s.ns.Get(ctx, overlayKey, &persisted)
	if err != nil {
		return nil, fmt.Errorf("load config overlay: %w", err)
	}
	if found && persisted != nil {
		s.overlay = persisted
	}
	return s, nil
}

// Snapshot returns the fully merged config tree as plain data.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := mergeMaps(copyTree(s.defaults), copyTree(s.seed))
	return mergeMaps(merged, copyTree(s.overlay))
}

// SafeSnapshot returns the merged tree with secret values replaced by "***".
func (s *Store) SafeSnapshot() map[string]any {
	snap := s.Snapshot()
	for _, path := range redactedPaths {
		if v, ok := lookupPath(snap, path); ok {
			if str, isStr := v.(string); !isStr || str != "" {
				setPath(snap, path, "***")
			}
		}
	}
	return snap
}

// GetPath resolves a dot path against the merged tree.
func (s *Store) GetPath(path string) (any, bool) {
	return lookupPath(s.Snapshot(), path)
}

// SafeGetPath resolves a dot path against the redacted tree.
func (s *Store) SafeGetPath(path string) (any, bool) {
	return lookupPath(s.SafeSnapshot(), path)
}

// SetPath deep-merges value at the dot path into the persisted overlay.
func (s *Store) SetPath(ctx context.Context, path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	patch := map[string]any{}
	setPath(patch, path, value)
	s.overlay = mergeMaps(s.overlay, patch)
	return s.ns.Put(ctx, overlayKey, s.overlay)
}

// ToolTimeout is the pending tool call TTL, clamped to [1s, 120s].
func (s *Store) ToolTimeout() time.Duration {
	return s.durationMs("timeouts.toolMs", 60*time.Second, time.Second, 120*time.Second)
}

// LogTimeout is the pending log call TTL.
func (s *Store) LogTimeout() time.Duration {
	return clampDuration(20*time.Second, time.Second, 120*time.Second)
}

// SkillProbeMaxAge bounds probe garbage collection, clamped to [1s, 24h].
func (s *Store) SkillProbeMaxAge() time.Duration {
	return s.durationMs("timeouts.skillProbeMaxAgeMs", 10*time.Minute, time.Second, 24*time.Hour)
}

// MainKey is the canonical address of the main DM session.
func (s *Store) MainKey() string {
	return s.stringPath("session.mainKey", "agent:main:main")
}

// DMScope decides where direct messages land: "main" folds them into
// the main session, "per-peer" isolates each peer.
func (s *Store) DMScope() string {
	return s.stringPath("session.dmScope", "main")
}

// DefaultAgentID scopes bare session keys.
func (s *Store) DefaultAgentID() string {
	agents := s.AgentIDs()
	if len(agents) > 0 {
		return agents[0]
	}
	return "main"
}

// AgentIDs lists the configured agents.
func (s *Store) AgentIDs() []string {
	v, ok := s.GetPath("agents.list")
	if !ok {
		return []string{"main"}
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return []string{"main"}
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			if id, ok := m["id"].(string); ok && id != "" {
				out = append(out, id)
			}
		}
	}
	if len(out) == 0 {
		return []string{"main"}
	}
	return out
}

// AuthToken is the optional shared bearer token checked on connect.
func (s *Store) AuthToken() string {
	return s.stringPath("auth.token", "")
}

// UserTimezone is the IANA zone natural-language times resolve in.
func (s *Store) UserTimezone() *time.Location {
	name := s.stringPath("userTimezone", "UTC")
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HeartbeatEvery is the heartbeat interval for an agent, with the
// per-agent override layered over the default.
func (s *Store) HeartbeatEvery(agentID string) time.Duration {
	if v, ok := s.GetPath("agents." + agentID + ".heartbeat.every"); ok {
		if d, err := parseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if v, ok := s.GetPath("agents.defaultHeartbeat.every"); ok {
		if d, err := parseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Minute
}

// HeartbeatPrompt is the prompt run on each heartbeat tick.
func (s *Store) HeartbeatPrompt() string {
	return s.stringPath("agents.defaultHeartbeat.prompt",
		"Check in. Reply HEARTBEAT_OK if nothing needs attention.")
}

// HeartbeatActiveHours returns the optional "HH:MM-HH:MM" window.
func (s *Store) HeartbeatActiveHours() string {
	return s.stringPath("agents.defaultHeartbeat.activeHours", "")
}

// HeartbeatTarget names the configured delivery target ("last" routes to
// the last-active channel context).
func (s *Store) HeartbeatTarget() string {
	return s.stringPath("agents.defaultHeartbeat.target", "last")
}

// CronEnabled gates the cron scheduler.
func (s *Store) CronEnabled() bool {
	if v, ok := s.GetPath("cron.enabled"); ok {
		if b, isBool := v.(bool); isBool {
			return b
		}
	}
	return true
}

// CronMaxJobs caps the job table.
func (s *Store) CronMaxJobs() int {
	return s.intPath("cron.maxJobs", 200)
}

// CronMaxRunsPerJob caps retained run history per job.
func (s *Store) CronMaxRunsPerJob() int {
	return s.intPath("cron.maxRunsPerJobHistory", 50)
}

// CronMaxConcurrentRuns caps jobs executed per scheduler tick.
func (s *Store) CronMaxConcurrentRuns() int {
	n := s.intPath("cron.maxConcurrentRuns", 5)
	if n < 1 {
		return 1
	}
	return n
}

func (s *Store) stringPath(path, fallback string) string {
	if v, ok := s.GetPath(path); ok {
		if str, isStr := v.(string); isStr && str != "" {
			return str
		}
	}
	return fallback
}

func (s *Store) intPath(path string, fallback int) int {
	if v, ok := s.GetPath(path); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func (s *Store) durationMs(path string, fallback, min, max time.Duration) time.Duration {
	d := fallback
	if v, ok := s.GetPath(path); ok {
		switch n := v.(type) {
		case int:
			d = time.Duration(n) * time.Millisecond
		case int64:
			d = time.Duration(n) * time.Millisecond
		case float64:
			d = time.Duration(n) * time.Millisecond
		}
	}
	return clampDuration(d, min, max)
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func parseDuration(v any) (time.Duration, error) {
	switch n := v.(type) {
	case string:
		return time.ParseDuration(n)
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("unsupported duration value %T", v)
	}
}

// lookupPath walks a dot path through nested maps.
func lookupPath(tree map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(tree)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dot path, creating intermediate maps.
func setPath(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// mergeMaps deep-merges src over dst, returning dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
	return dst
}

// copyTree deep-copies a config tree.
func copyTree(tree map[string]any) map[string]any {
	if tree == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = copyTree(typed)
		case []any:
			cp := make([]any, len(typed))
			for i, item := range typed {
				if m, ok := item.(map[string]any); ok {
					cp[i] = copyTree(m)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
