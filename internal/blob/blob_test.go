package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.OpenWrite(ctx, "workspace/notes/today.md", 11, "text/markdown")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	rc, size, mime, err := s.OpenRead(ctx, "workspace/notes/today.md")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" || size != 11 || mime != "text/markdown" {
		t.Fatalf("read = %q size=%d mime=%q", data, size, mime)
	}
}

func TestDeclaredSizeEnforced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.OpenWrite(ctx, "short", 100, "")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("only a few bytes"))
	if err := w.Close(); err == nil {
		t.Fatal("short write accepted")
	}
	if _, _, _, err := s.OpenRead(ctx, "short"); err != ErrNotFound {
		t.Fatalf("partial object visible: %v", err)
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	for _, bad := range []string{"", "..", "../etc/passwd", "a/../b", "a//b", "./a", "a/."} {
		if _, err := CleanKey(bad); err == nil {
			t.Errorf("CleanKey(%q) accepted", bad)
		}
	}
	if key, err := CleanKey("/media/x.png"); err != nil || key != "media/x.png" {
		t.Errorf("CleanKey leading slash = %q, %v", key, err)
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, key := range []string{"ws/a.txt", "ws/b.txt", "media/c.png"} {
		if err := s.PutWithMeta(ctx, key, []byte("x"), "", nil); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List(ctx, "ws/")
	if err != nil || len(entries) != 2 {
		t.Fatalf("list = %v, %v", entries, err)
	}
	if entries[0].Key != "ws/a.txt" || entries[1].Key != "ws/b.txt" {
		t.Fatalf("entries = %v", entries)
	}

	if err := s.Delete(ctx, "ws/a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "ws/a.txt"); err != ErrNotFound {
		t.Fatalf("double delete = %v", err)
	}
}

func TestGrantIssueVerify(t *testing.T) {
	svc := NewGrantService("test-secret")
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	token, grant, err := svc.Issue("uploads/job-1", ModeWrite, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if grant.PathPrefix != "uploads/job-1" || grant.Mode != ModeWrite {
		t.Fatalf("grant = %+v", grant)
	}

	parsed, err := svc.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Allows("uploads/job-1/result.bin", ModeWrite) {
		t.Error("grant does not cover its own prefix")
	}
	if parsed.Allows("other/key", ModeRead) {
		t.Error("grant leaked outside its prefix")
	}

	// Read-only grants cannot write; write grants can read.
	roToken, _, err := svc.Issue("uploads", ModeRead, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ro, _ := svc.Verify(roToken)
	if ro.Allows("uploads/x", ModeWrite) {
		t.Error("read grant allowed write")
	}
	if !parsed.Allows("uploads/job-1/x", ModeRead) {
		t.Error("write grant refused read")
	}

	// Expired tokens fail verification.
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := svc.Verify(token); err != ErrInvalidGrant {
		t.Fatalf("expired token verified: %v", err)
	}

	// Foreign signatures fail.
	other := NewGrantService("different-secret")
	if _, err := other.Verify(token); err != ErrInvalidGrant {
		t.Fatalf("cross-secret token verified: %v", err)
	}
}

func newTestHandler(t *testing.T) (*HTTPHandler, *Store, *GrantService) {
	t.Helper()
	s := newTestStore(t)
	grants := NewGrantService("test-secret")
	return NewHTTPHandler(s, grants, nil), s, grants
}

func fsRequest(method, key, token string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, "/fs/"+key, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, "/fs/"+key, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestFSPutThenGet(t *testing.T) {
	h, _, grants := newTestHandler(t)
	token, _, err := grants.Issue("uploads", ModeWrite, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	put := fsRequest(http.MethodPut, "uploads/report.txt", token, []byte("contents"))
	put.Header.Set("Content-Type", "text/plain")
	put.Header.Set("X-R2-Meta", `{"origin":"laptop","count":3}`)
	w := httptest.NewRecorder()
	h.ServeFS(w, put)
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d: %s", w.Code, w.Body)
	}

	w = httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodGet, "uploads/report.txt", token, nil))
	if w.Code != http.StatusOK || w.Body.String() != "contents" {
		t.Fatalf("get = %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content-type = %q", ct)
	}
	// Non-string metadata values are dropped, string ones kept.
	if meta := w.Header().Get("X-R2-Meta"); !strings.Contains(meta, "laptop") || strings.Contains(meta, "count") {
		t.Errorf("meta header = %q", meta)
	}
}

func TestFSAuthorization(t *testing.T) {
	h, _, grants := newTestHandler(t)
	readToken, _, _ := grants.Issue("uploads", ModeRead, time.Hour)

	// No token.
	w := httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodGet, "uploads/x", "", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}

	// Read grant cannot PUT.
	w = httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodPut, "uploads/x", readToken, []byte("x")))
	if w.Code != http.StatusForbidden {
		t.Fatalf("read-grant put = %d", w.Code)
	}

	// Out-of-prefix access.
	w = httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodGet, "secrets/x", readToken, nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("out-of-prefix get = %d", w.Code)
	}

	// Traversal is rejected before auth.
	w = httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodGet, "a/../b", readToken, nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("traversal = %d", w.Code)
	}

	// Missing key.
	w = httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodGet, "uploads/missing", readToken, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", w.Code)
	}
}

func TestFSPutSizeCap(t *testing.T) {
	h, _, grants := newTestHandler(t)
	token, _, _ := grants.Issue("big", ModeWrite, time.Hour)

	w := httptest.NewRecorder()
	h.ServeFS(w, fsRequest(http.MethodPut, "big/blob", token, make([]byte, maxPutSize+1)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize put = %d", w.Code)
	}
}

func TestMediaExpiryGate(t *testing.T) {
	ctx := context.Background()
	h, s, _ := newTestHandler(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	live := strconv.FormatInt(now.Add(time.Hour).UnixMilli(), 10)
	dead := strconv.FormatInt(now.Add(-time.Hour).UnixMilli(), 10)
	if err := s.PutWithMeta(ctx, "media/live.png", []byte("png"), "image/png", map[string]string{"expiresAt": live}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutWithMeta(ctx, "media/dead.png", []byte("png"), "image/png", map[string]string{"expiresAt": dead}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutWithMeta(ctx, "media/forever.png", []byte("png"), "image/png", nil); err != nil {
		t.Fatal(err)
	}

	for name, want := range map[string]int{
		"live.png":    http.StatusOK,
		"dead.png":    http.StatusGone,
		"forever.png": http.StatusOK,
		"missing.png": http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		h.ServeMedia(w, httptest.NewRequest(http.MethodGet, "/media/"+name, nil))
		if w.Code != want {
			t.Errorf("media %s = %d, want %d", name, w.Code, want)
		}
	}
}
