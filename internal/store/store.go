// Package store provides the gateway's persistence adapter: a keyed,
// single-writer KV store with prefix-separated logical namespaces, plus a
// SQL handle for the cron tables.
//
// Values are stored as JSON so snapshots are always plain data; callers
// never receive a live reference into the store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound indicates the key doesn't exist.
var ErrNotFound = errors.New("not found")

// KV is a keyed write-through store. Implementations must be safe for
// concurrent use; the gateway remains the single logical writer per key.
type KV interface {
	// Get decodes the value at key into out. The boolean reports presence.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Put writes value at key, replacing any prior value.
	Put(ctx context.Context, key string, value any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// List returns raw values for all keys with the given prefix.
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

// Namespace scopes a KV under a fixed key prefix (e.g. "pendingOperations:").
type Namespace struct {
	kv     KV
	prefix string
}

// NewNamespace wraps kv so every key is prefixed.
func NewNamespace(kv KV, prefix string) *Namespace {
	return &Namespace{kv: kv, prefix: prefix}
}

// Prefix returns the namespace prefix.
func (n *Namespace) Prefix() string { return n.prefix }

func (n *Namespace) Get(ctx context.Context, key string, out any) (bool, error) {
	return n.kv.Get(ctx, n.prefix+key, out)
}

func (n *Namespace) Put(ctx context.Context, key string, value any) error {
	return n.kv.Put(ctx, n.prefix+key, value)
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

// Keys lists namespace-local keys (prefix stripped).
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.kv.Keys(ctx, n.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}

// List returns namespace-local raw values (prefix stripped from keys).
func (n *Namespace) List(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := n.kv.List(ctx, n.prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.prefix)] = v
	}
	return out, nil
}

// Each decodes every value in the namespace into a fresh T and calls fn.
func Each[T any](ctx context.Context, n *Namespace, fn func(key string, value T) error) error {
	raw, err := n.List(ctx)
	if err != nil {
		return err
	}
	for k, v := range raw {
		var decoded T
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}
		if err := fn(k, decoded); err != nil {
			return err
		}
	}
	return nil
}
