package blob

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxPutSize caps /fs PUT bodies.
const maxPutSize = 50 << 20

// metaHeader carries custom object metadata as a JSON object of strings.
const metaHeader = "X-R2-Meta"

// expiresAtKey is the custom-metadata key gating /media reads.
const expiresAtKey = "expiresAt"

// HTTPHandler serves the authorized /fs tree and the legacy /media tree.
type HTTPHandler struct {
	logger *slog.Logger
	store  *Store
	grants *GrantService
	now    func() time.Time
}

// NewHTTPHandler wires the blob HTTP surface.
func NewHTTPHandler(store *Store, grants *GrantService, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		logger: logger.With("component", "blob-http"),
		store:  store,
		grants: grants,
		now:    time.Now,
	}
}

// ServeFS handles GET and PUT under /fs/{key}.
func (h *HTTPHandler) ServeFS(w http.ResponseWriter, r *http.Request) {
	rawKey := strings.TrimPrefix(r.URL.Path, "/fs/")
	if strings.Contains(rawKey, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	key, err := CleanKey(rawKey)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	grant, ok := h.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !grant.Allows(key, ModeRead) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h.serveObject(w, r, key)
	case http.MethodPut:
		if !grant.Allows(key, ModeWrite) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h.putObject(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) authorize(r *http.Request) (Grant, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return Grant{}, false
	}
	grant, err := h.grants.Verify(token)
	if err != nil {
		return Grant{}, false
	}
	return grant, true
}

func (h *HTTPHandler) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	rc, size, mime, err := h.store.OpenRead(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("blob read failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if mime != "" {
		w.Header().Set("Content-Type", mime)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if meta, err := h.store.Stat(key); err == nil && len(meta.Custom) > 0 {
		if raw, err := json.Marshal(meta.Custom); err == nil {
			w.Header().Set(metaHeader, string(raw))
		}
	}
	_, _ = io.Copy(w, rc)
}

func (h *HTTPHandler) putObject(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPutSize+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxPutSize {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	custom := parseMetaHeader(r.Header.Get(metaHeader))
	mime := r.Header.Get("Content-Type")
	if err := h.store.PutWithMeta(r.Context(), key, body, mime, custom); err != nil {
		h.logger.Error("blob write failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"key": key, "size": len(body)})
}

// parseMetaHeader decodes the custom-metadata header. Malformed values
// are ignored rather than rejected.
func parseMetaHeader(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var loose map[string]any
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil
	}
	out := map[string]string{}
	for k, v := range loose {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ServeMedia handles GET /media/{name}: unauthenticated reads gated by
// the object's expiry metadata.
func (h *HTTPHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/media/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	key := "media/" + name

	meta, err := h.store.Stat(key)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if expired(meta.Custom[expiresAtKey], h.now()) {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	h.serveObject(w, r, key)
}

// expired parses an expiry stamp (epoch millis or RFC 3339) and reports
// whether it has passed. Unparseable stamps never expire.
func expired(stamp string, now time.Time) bool {
	if stamp == "" {
		return false
	}
	if ms, err := strconv.ParseInt(stamp, 10, 64); err == nil {
		return time.UnixMilli(ms).Before(now)
	}
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		return t.Before(now)
	}
	return false
}
