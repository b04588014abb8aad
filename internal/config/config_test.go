package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

func newTestStore(t *testing.T, seed map[string]any) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), store.NewMemoryKV(), seed)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestGetPathDefaults(t *testing.T) {
	s := newTestStore(t, nil)
	v, ok := s.GetPath("session.mainKey")
	if !ok || v != "agent:main:main" {
		t.Errorf("session.mainKey = %v, %v", v, ok)
	}
	if _, ok := s.GetPath("no.such.path"); ok {
		t.Error("missing path reported present")
	}
}

func TestSetPathDeepMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s, err := NewStore(ctx, kv, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetPath(ctx, "timeouts.toolMs", 90_000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPath(ctx, "model.id", "claude-opus-4-5"); err != nil {
		t.Fatal(err)
	}

	// Sibling defaults survive the nested write.
	if v, _ := s.GetPath("model.provider"); v != "anthropic" {
		t.Errorf("model.provider = %v", v)
	}
	if got := s.ToolTimeout(); got != 90*time.Second {
		t.Errorf("ToolTimeout = %v", got)
	}

	// A rehydrated store sees the persisted overlay.
	reloaded, err := NewStore(ctx, kv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := reloaded.GetPath("model.id"); v != "claude-opus-4-5" {
		t.Errorf("reloaded model.id = %v", v)
	}
}

func TestSafeSnapshotRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	if err := s.SetPath(ctx, "apiKeys.anthropic", "sk-ant-secret"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPath(ctx, "auth.token", "bearer-secret"); err != nil {
		t.Fatal(err)
	}

	safe := s.SafeSnapshot()
	if v, _ := lookupPath(safe, "apiKeys.anthropic"); v != "***" {
		t.Errorf("apiKeys.anthropic = %v, want ***", v)
	}
	if v, _ := lookupPath(safe, "auth.token"); v != "***" {
		t.Errorf("auth.token = %v, want ***", v)
	}

	// The live tree keeps the real values.
	if v, _ := s.GetPath("auth.token"); v != "bearer-secret" {
		t.Errorf("live auth.token = %v", v)
	}
}

func TestTimeoutClamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_ = s.SetPath(ctx, "timeouts.toolMs", 10) // below 1s floor
	if got := s.ToolTimeout(); got != time.Second {
		t.Errorf("floor clamp = %v", got)
	}

	_ = s.SetPath(ctx, "timeouts.toolMs", 600_000) // above 120s ceiling
	if got := s.ToolTimeout(); got != 120*time.Second {
		t.Errorf("ceiling clamp = %v", got)
	}

	_ = s.SetPath(ctx, "timeouts.skillProbeMaxAgeMs", 100)
	if got := s.SkillProbeMaxAge(); got != time.Second {
		t.Errorf("probe floor clamp = %v", got)
	}
}

func TestSeedLayersUnderOverlay(t *testing.T) {
	ctx := context.Background()
	seed := map[string]any{
		"model": map[string]any{"id": "from-file"},
	}
	s := newTestStore(t, seed)
	if v, _ := s.GetPath("model.id"); v != "from-file" {
		t.Errorf("seed not visible: %v", v)
	}
	_ = s.SetPath(ctx, "model.id", "from-overlay")
	if v, _ := s.GetPath("model.id"); v != "from-overlay" {
		t.Errorf("overlay not layered over seed: %v", v)
	}
}

func TestLoadFileWithInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json5")
	main := filepath.Join(dir, "gsv.json5")

	if err := os.WriteFile(base, []byte(`{userTimezone: "America/New_York"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(main, []byte(`{
		// main config
		"$include": "base.json5",
		session: { mainKey: "agent:ops:main" },
	}`), 0o600); err != nil {
		t.Fatal(err)
	}

	raw, err := LoadFile(main)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if v, _ := lookupPath(raw, "userTimezone"); v != "America/New_York" {
		t.Errorf("included value missing: %v", v)
	}
	if v, _ := lookupPath(raw, "session.mainKey"); v != "agent:ops:main" {
		t.Errorf("main value missing: %v", v)
	}
}

func TestAgentIDs(t *testing.T) {
	s := newTestStore(t, map[string]any{
		"agents": map[string]any{
			"list": []any{
				map[string]any{"id": "ops"},
				map[string]any{"id": "research"},
			},
		},
	})
	ids := s.AgentIDs()
	if len(ids) != 2 || ids[0] != "ops" || ids[1] != "research" {
		t.Errorf("AgentIDs = %v", ids)
	}
	if s.DefaultAgentID() != "ops" {
		t.Errorf("DefaultAgentID = %q", s.DefaultAgentID())
	}
}
