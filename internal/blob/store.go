// Package blob is the gateway's object store: a filesystem-backed keyed
// byte store with JSON metadata sidecars. Transfers, workspace files,
// and the media endpoints all read and write through it.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("blob not found")

// ErrBadKey reports a key that escapes the store root.
var ErrBadKey = errors.New("invalid blob key")

// Meta is the sidecar record kept alongside each object.
type Meta struct {
	Size      int64             `json:"size"`
	Mime      string            `json:"mime,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store keeps objects under root/objects and sidecars under root/meta,
// mirroring the key's path structure.
type Store struct {
	root string
	now  func() time.Time
}

// Open creates the store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("blob store init: %w", err)
		}
	}
	return &Store{root: dir, now: time.Now}, nil
}

// CleanKey validates and normalizes a key. Keys are slash-separated
// relative paths; anything that walks out of the root is rejected.
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrBadKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrBadKey
		}
	}
	return key, nil
}

func (s *Store) objectPath(key string) string {
	return filepath.Join(s.root, "objects", filepath.FromSlash(key))
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.root, "meta", filepath.FromSlash(key)+".json")
}

// Stat returns an object's metadata.
func (s *Store) Stat(key string) (Meta, error) {
	key, err := CleanKey(key)
	if err != nil {
		return Meta{}, err
	}
	raw, err := os.ReadFile(s.metaPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("blob meta %s: %w", key, err)
	}
	return m, nil
}

// OpenRead opens an object for streaming, returning its size and mime.
func (s *Store) OpenRead(_ context.Context, key string) (io.ReadCloser, int64, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, 0, "", err
	}
	meta, err := s.Stat(key)
	if err != nil {
		return nil, 0, "", err
	}
	f, err := os.Open(s.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, "", ErrNotFound
	}
	if err != nil {
		return nil, 0, "", err
	}
	return f, meta.Size, meta.Mime, nil
}

// OpenWrite opens an object for streaming writes. The object and its
// sidecar become visible atomically when the writer is closed; a partial
// write left unclosed never replaces an existing object.
func (s *Store) OpenWrite(_ context.Context, key string, size int64, mime string) (io.WriteCloser, error) {
	return s.openWrite(key, size, mime, nil)
}

// PutWithMeta stores a full object with custom metadata in one call.
func (s *Store) PutWithMeta(_ context.Context, key string, data []byte, mime string, custom map[string]string) error {
	w, err := s.openWrite(key, int64(len(data)), mime, custom)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *Store) openWrite(key string, size int64, mime string, custom map[string]string) (io.WriteCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	objPath := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.metaPath(key)), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".put-*")
	if err != nil {
		return nil, err
	}
	return &writer{
		store:  s,
		key:    key,
		tmp:    tmp,
		mime:   mime,
		custom: custom,
		want:   size,
	}, nil
}

type writer struct {
	store   *Store
	key     string
	tmp     *os.File
	mime    string
	custom  map[string]string
	want    int64
	written int64
	done    bool
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if w.want > 0 && w.written != w.want {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob %s: wrote %d bytes, declared %d", w.key, w.written, w.want)
	}
	meta := Meta{
		Size:      w.written,
		Mime:      w.mime,
		Custom:    w.custom,
		CreatedAt: w.store.now(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.WriteFile(w.store.metaPath(w.key), raw, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, w.store.objectPath(w.key))
}

// Abort discards a partial write.
func (w *writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	name := w.tmp.Name()
	_ = w.tmp.Close()
	_ = os.Remove(name)
}

// Delete removes an object and its sidecar.
func (s *Store) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	objErr := os.Remove(s.objectPath(key))
	if errors.Is(objErr, os.ErrNotExist) {
		return ErrNotFound
	}
	_ = os.Remove(s.metaPath(key))
	return objErr
}

// Entry is one listing row.
type Entry struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
}

// List enumerates objects under a key prefix, sorted by key.
func (s *Store) List(_ context.Context, prefix string) ([]Entry, error) {
	base := filepath.Join(s.root, "objects")
	var out []Entry
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		entry := Entry{Key: key}
		if meta, err := s.Stat(key); err == nil {
			entry.Size = meta.Size
			entry.Mime = meta.Mime
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
