// Package workspace exposes the agent's file area: a prefix of the blob
// store addressed by relative paths, served through the workspace RPC
// methods.
package workspace

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gsvhq/gsv/internal/blob"
	"github.com/gsvhq/gsv/internal/protocol"
)

// prefix roots all workspace paths inside the blob store.
const prefix = "workspace/"

// maxFileSize caps a single workspace file.
const maxFileSize = 10 << 20

// Service implements the workspace file operations.
type Service struct {
	logger *slog.Logger
	blobs  *blob.Store
}

// NewService wires the workspace over the blob store.
func NewService(blobs *blob.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger: logger.With("component", "workspace"),
		blobs:  blobs,
	}
}

func workspaceKey(path string) (string, error) {
	key, err := blob.CleanKey(path)
	if err != nil {
		return "", protocol.Errf(protocol.CodeBadParams, "Invalid workspace path: %s", path)
	}
	return prefix + key, nil
}

// File is one workspace read result. Binary content rides as base64.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "base64" when set
	Size     int64  `json:"size"`
	Mime     string `json:"mime,omitempty"`
}

// List enumerates workspace files, optionally under a sub-path.
func (s *Service) List(ctx context.Context, path string) ([]blob.Entry, error) {
	keyPrefix := prefix
	if strings.TrimSpace(path) != "" {
		key, err := workspaceKey(path)
		if err != nil {
			return nil, err
		}
		keyPrefix = key + "/"
	}
	entries, err := s.blobs.List(ctx, keyPrefix)
	if err != nil {
		return nil, protocol.Errf(protocol.CodeInternal, "workspace list failed: %v", err)
	}
	out := make([]blob.Entry, 0, len(entries))
	for _, e := range entries {
		e.Key = strings.TrimPrefix(e.Key, prefix)
		out = append(out, e)
	}
	return out, nil
}

// Read returns one file's content.
func (s *Service) Read(ctx context.Context, path string) (File, error) {
	key, err := workspaceKey(path)
	if err != nil {
		return File{}, err
	}
	rc, size, mime, err := s.blobs.OpenRead(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return File{}, protocol.Errf(protocol.CodeNotFound, "No workspace file: %s", path)
	}
	if err != nil {
		return File{}, protocol.Errf(protocol.CodeInternal, "workspace read failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxFileSize))
	if err != nil {
		return File{}, protocol.Errf(protocol.CodeInternal, "workspace read failed: %v", err)
	}

	f := File{Path: strings.TrimPrefix(key, prefix), Size: size, Mime: mime}
	if utf8.Valid(data) {
		f.Content = string(data)
	} else {
		f.Content = base64.StdEncoding.EncodeToString(data)
		f.Encoding = "base64"
	}
	return f, nil
}

// Write stores a file. Set encoding "base64" for binary content.
func (s *Service) Write(ctx context.Context, path, content, encoding, mime string) (blob.Entry, error) {
	key, err := workspaceKey(path)
	if err != nil {
		return blob.Entry{}, err
	}
	data := []byte(content)
	if encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return blob.Entry{}, protocol.Errf(protocol.CodeBadParams, "Invalid base64 content")
		}
		data = decoded
	} else if encoding != "" {
		return blob.Entry{}, protocol.Errf(protocol.CodeBadParams, "Unknown encoding: %s", encoding)
	}
	if len(data) > maxFileSize {
		return blob.Entry{}, protocol.Errf(protocol.CodeBadParams, "Workspace file exceeds %d bytes", maxFileSize)
	}
	if err := s.blobs.PutWithMeta(ctx, key, data, mime, nil); err != nil {
		return blob.Entry{}, protocol.Errf(protocol.CodeInternal, "workspace write failed: %v", err)
	}
	s.logger.Debug("workspace file written", "path", path, "size", len(data))
	return blob.Entry{Key: strings.TrimPrefix(key, prefix), Size: int64(len(data)), Mime: mime}, nil
}

// Delete removes a file.
func (s *Service) Delete(ctx context.Context, path string) error {
	key, err := workspaceKey(path)
	if err != nil {
		return err
	}
	err = s.blobs.Delete(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return protocol.Errf(protocol.CodeNotFound, "No workspace file: %s", path)
	}
	if err != nil {
		return protocol.Errf(protocol.CodeInternal, "workspace delete failed: %v", err)
	}
	return nil
}
