package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsvhq/gsv/internal/protocol"
)

// Surface states.
const (
	SurfaceOpen      = "open"
	SurfaceMinimized = "minimized"
	SurfaceClosed    = "closed"
)

var surfaceKinds = map[string]bool{
	"app":       true,
	"media":     true,
	"component": true,
	"webview":   true,
}

// Rect is a surface's placement on the client viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Surface is one shared UI panel. The gateway holds the authoritative
// copy in memory; clients replicate via surface.update events.
type Surface struct {
	SurfaceID      string    `json:"surfaceId"`
	Kind           string    `json:"kind"`
	Label          string    `json:"label,omitempty"`
	ContentRef     string    `json:"contentRef,omitempty"`
	TargetClientID string    `json:"targetClientId,omitempty"`
	SourceClientID string    `json:"sourceClientId,omitempty"`
	State          string    `json:"state"`
	Rect           *Rect     `json:"rect,omitempty"`
	ZIndex         int       `json:"zIndex"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// surfaceTable is the in-memory surface registry. Surfaces do not
// survive a gateway restart.
type surfaceTable struct {
	mu       sync.Mutex
	surfaces map[string]*Surface
	topZ     int
}

func newSurfaceTable() *surfaceTable {
	return &surfaceTable{surfaces: make(map[string]*Surface)}
}

func (t *surfaceTable) list() []Surface {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Surface, 0, len(t.surfaces))
	for _, s := range t.surfaces {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// broadcastSurface replicates a surface change to every client except
// the one that caused it.
func (s *Server) broadcastSurface(surf Surface, originClientID string) {
	for _, client := range s.conns.allClients() {
		if client.id == originClientID {
			continue
		}
		_ = client.sendEvent("surface.update", surf)
	}
}

func (s *Server) handleSurfaceOpen(_ context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		SurfaceID      string `json:"surfaceId"`
		Kind           string `json:"kind"`
		Label          string `json:"label"`
		ContentRef     string `json:"contentRef"`
		TargetClientID string `json:"targetClientId"`
		Rect           *Rect  `json:"rect"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if !surfaceKinds[req.Kind] {
		return nil, protocol.Errf(protocol.CodeBadParams, "Unknown surface kind %q", req.Kind)
	}
	if req.SurfaceID == "" {
		req.SurfaceID = uuid.NewString()
	}

	now := s.now()
	s.surfaces.mu.Lock()
	if _, exists := s.surfaces.surfaces[req.SurfaceID]; exists {
		s.surfaces.mu.Unlock()
		return nil, protocol.Errf(protocol.CodeConflict, "Surface already open: %s", req.SurfaceID)
	}
	s.surfaces.topZ++
	surf := &Surface{
		SurfaceID:      req.SurfaceID,
		Kind:           req.Kind,
		Label:          req.Label,
		ContentRef:     req.ContentRef,
		TargetClientID: req.TargetClientID,
		SourceClientID: p.id,
		State:          SurfaceOpen,
		Rect:           req.Rect,
		ZIndex:         s.surfaces.topZ,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.surfaces.surfaces[req.SurfaceID] = surf
	snapshot := *surf
	s.surfaces.mu.Unlock()

	s.broadcastSurface(snapshot, p.id)
	return map[string]any{"surface": snapshot}, nil
}

func (s *Server) handleSurfaceUpdate(_ context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		SurfaceID  string  `json:"surfaceId"`
		Label      *string `json:"label"`
		ContentRef *string `json:"contentRef"`
		State      *string `json:"state"`
		Rect       *Rect   `json:"rect"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.SurfaceID == "" {
		return nil, protocol.Errf(protocol.CodeBadParams, "surfaceId is required")
	}
	if req.State != nil && *req.State != SurfaceOpen && *req.State != SurfaceMinimized {
		return nil, protocol.Errf(protocol.CodeBadParams, "Unknown surface state %q", *req.State)
	}

	s.surfaces.mu.Lock()
	surf, ok := s.surfaces.surfaces[req.SurfaceID]
	if !ok {
		s.surfaces.mu.Unlock()
		return nil, protocol.Errf(protocol.CodeNotFound, "Unknown surface: %s", req.SurfaceID)
	}
	if req.Label != nil {
		surf.Label = *req.Label
	}
	if req.ContentRef != nil {
		surf.ContentRef = *req.ContentRef
	}
	if req.State != nil {
		surf.State = *req.State
	}
	if req.Rect != nil {
		surf.Rect = req.Rect
	}
	surf.UpdatedAt = s.now()
	snapshot := *surf
	s.surfaces.mu.Unlock()

	s.broadcastSurface(snapshot, p.id)
	return map[string]any{"surface": snapshot}, nil
}

func (s *Server) handleSurfaceFocus(_ context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		SurfaceID string `json:"surfaceId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	s.surfaces.mu.Lock()
	surf, ok := s.surfaces.surfaces[req.SurfaceID]
	if !ok {
		s.surfaces.mu.Unlock()
		return nil, protocol.Errf(protocol.CodeNotFound, "Unknown surface: %s", req.SurfaceID)
	}
	s.surfaces.topZ++
	surf.ZIndex = s.surfaces.topZ
	surf.State = SurfaceOpen
	surf.UpdatedAt = s.now()
	snapshot := *surf
	s.surfaces.mu.Unlock()

	s.broadcastSurface(snapshot, p.id)
	return map[string]any{"surface": snapshot}, nil
}

func (s *Server) handleSurfaceClose(_ context.Context, p *peer, _ string, params json.RawMessage) (any, error) {
	var req struct {
		SurfaceID string `json:"surfaceId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	s.surfaces.mu.Lock()
	surf, ok := s.surfaces.surfaces[req.SurfaceID]
	if !ok {
		s.surfaces.mu.Unlock()
		return nil, protocol.Errf(protocol.CodeNotFound, "Unknown surface: %s", req.SurfaceID)
	}
	delete(s.surfaces.surfaces, req.SurfaceID)
	surf.State = SurfaceClosed
	surf.UpdatedAt = s.now()
	snapshot := *surf
	s.surfaces.mu.Unlock()

	s.broadcastSurface(snapshot, p.id)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSurfaceList(_ context.Context, _ *peer, _ string, _ json.RawMessage) (any, error) {
	return map[string]any{"surfaces": s.surfaces.list()}, nil
}
