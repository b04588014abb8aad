package session

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gsvhq/gsv/internal/store"
)

// Registry is the durable session discovery index.
type Registry struct {
	ns     *store.Namespace
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates the registry over the shared KV store.
func NewRegistry(kv store.KV, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ns:     store.NewNamespace(kv, "sessionRegistry:"),
		logger: logger.With("component", "session.registry"),
		now:    time.Now,
	}
}

// Touch records activity on a session, creating its entry if needed.
func (r *Registry) Touch(ctx context.Context, sessionKey string) {
	now := r.now()
	var entry Entry
	found, err := r.ns.Get(ctx, sessionKey, &entry)
	if err != nil {
		r.logger.Warn("session registry read failed", "session_key", sessionKey, "error", err)
		return
	}
	if !found {
		entry = Entry{SessionKey: sessionKey, CreatedAt: now}
	}
	entry.LastActiveAt = now
	if err := r.ns.Put(ctx, sessionKey, entry); err != nil {
		r.logger.Warn("session registry write failed", "session_key", sessionKey, "error", err)
	}
}

// SetLabel attaches a display label to a session entry.
func (r *Registry) SetLabel(ctx context.Context, sessionKey, label string) error {
	var entry Entry
	found, err := r.ns.Get(ctx, sessionKey, &entry)
	if err != nil {
		return err
	}
	if !found {
		now := r.now()
		entry = Entry{SessionKey: sessionKey, CreatedAt: now, LastActiveAt: now}
	}
	entry.Label = label
	return r.ns.Put(ctx, sessionKey, entry)
}

// List returns all known sessions, most recently active first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := store.Each(ctx, r.ns, func(_ string, e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActiveAt.After(entries[j].LastActiveAt)
	})
	return entries, nil
}
