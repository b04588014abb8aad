// Package pending tracks in-flight tool and log calls keyed by callId.
//
// Each record carries a tagged route: session-routed results are queued
// into the session actor, client-routed results answer the original RPC
// frame. Consumption is atomic so a duplicate result is rejected instead
// of delivered twice.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

// Op kinds.
const (
	KindTool = "tool"
	KindLog  = "log"
)

// Route kinds.
const (
	RouteSession = "session"
	RouteClient  = "client"
)

// Route is the tagged destination of a pending result.
type Route struct {
	Kind       string `json:"kind"`
	SessionKey string `json:"sessionKey,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	FrameID    string `json:"frameId,omitempty"`
}

// Op is one pending operation. NodeID records the node the call was
// dispatched to; results from any other node are unauthorized.
type Op struct {
	Kind      string    `json:"kind"`
	CallID    string    `json:"callId"`
	NodeID    string    `json:"nodeId"`
	Tool      string    `json:"tool,omitempty"`
	Route     Route     `json:"route"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the op's deadline has passed.
func (o Op) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Store is the durable pending-operations table. The mutex serializes
// register/consume so at-most-once delivery holds even when results race.
type Store struct {
	mu  sync.Mutex
	ns  *store.Namespace
	now func() time.Time
}

// NewStore creates the store over the shared KV.
func NewStore(kv store.KV) *Store {
	return &Store{
		ns:  store.NewNamespace(kv, "pendingOperations:"),
		now: time.Now,
	}
}

// Register writes a new pending op. Registering an existing callId is an
// internal error: callIds are freshly minted UUIDs.
func (s *Store) Register(ctx context.Context, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now()
	}
	return s.ns.Put(ctx, op.CallID, op)
}

// Consume atomically reads and deletes the op for callId. The boolean is
// false when no entry exists (already consumed, expired, or never made).
func (s *Store) Consume(ctx context.Context, callID string) (Op, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var op Op
	found, err := s.ns.Get(ctx, callID, &op)
	if err != nil || !found {
		return Op{}, false, err
	}
	if err := s.ns.Delete(ctx, callID); err != nil {
		return Op{}, false, err
	}
	return op, true, nil
}

// ConsumeAuthorized atomically consumes the op for callID only when the
// check passes. A failed check leaves the entry in place and returns the
// check's error, so an unauthorized result cannot destroy the pending op.
func (s *Store) ConsumeAuthorized(ctx context.Context, callID string, check func(Op) error) (Op, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var op Op
	found, err := s.ns.Get(ctx, callID, &op)
	if err != nil || !found {
		return Op{}, false, err
	}
	if check != nil {
		if err := check(op); err != nil {
			return Op{}, true, err
		}
	}
	if err := s.ns.Delete(ctx, callID); err != nil {
		return Op{}, false, err
	}
	return op, true, nil
}

// Peek reads an op without consuming it.
func (s *Store) Peek(ctx context.Context, callID string) (Op, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var op Op
	found, err := s.ns.Get(ctx, callID, &op)
	if err != nil || !found {
		return Op{}, false, err
	}
	return op, true, nil
}

// CleanupExpired removes and returns every op past its deadline. The
// caller emits 504s for client routes and warnings for session routes.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) ([]Op, error) {
	return s.removeMatching(ctx, func(op Op) bool { return op.Expired(now) })
}

// EvictClient removes every op routed to a disconnected client; their
// results would have nowhere to go.
func (s *Store) EvictClient(ctx context.Context, clientID string) ([]Op, error) {
	return s.removeMatching(ctx, func(op Op) bool {
		return op.Route.Kind == RouteClient && op.Route.ClientID == clientID
	})
}

// FailLogsForNode removes every pending log call targeting a node whose
// socket just closed. The caller answers their clients with 503.
func (s *Store) FailLogsForNode(ctx context.Context, nodeID string) ([]Op, error) {
	return s.removeMatching(ctx, func(op Op) bool {
		return op.Kind == KindLog && op.NodeID == nodeID
	})
}

// NextDue returns the earliest expiry across all pending ops, or zero
// time when none carries a deadline.
func (s *Store) NextDue(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	err := store.Each(ctx, s.ns, func(_ string, op Op) error {
		if op.ExpiresAt.IsZero() {
			return nil
		}
		if earliest.IsZero() || op.ExpiresAt.Before(earliest) {
			earliest = op.ExpiresAt
		}
		return nil
	})
	return earliest, err
}

// Count returns the number of pending ops.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.ns.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) removeMatching(ctx context.Context, match func(Op) bool) ([]Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Op
	err := store.Each(ctx, s.ns, func(key string, op Op) error {
		if !match(op) {
			return nil
		}
		if err := s.ns.Delete(ctx, key); err != nil {
			return err
		}
		removed = append(removed, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
