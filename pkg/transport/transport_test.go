package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseServerLocationRoundTrip(t *testing.T) {
	server, location := "myserver", "path/to/file.tar"
	formatted := FormatServerLocation(server, location)
	gotServer, gotLocation, err := ParseServerLocation(formatted)
	if err != nil {
		t.Fatalf("ParseServerLocation returned error: %v", err)
	}
	if gotServer != server || gotLocation != location {
		t.Fatalf("round trip mismatch: got (%s,%s) want (%s,%s)", gotServer, gotLocation, server, location)
	}
}

func TestParseServerLocationRejectsTraversalAndAbsolute(t *testing.T) {
	cases := []string{"srv:../escape", "srv:/abs/path", "srv:a/../../b"}
	for _, c := range cases {
		if _, _, err := ParseServerLocation(c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
}

func TestRemoveTrailingSlashesIsIdempotent(t *testing.T) {
	once := RemoveTrailingSlashes("a/b///")
	twice := RemoveTrailingSlashes(once)
	if once != twice {
		t.Fatalf("expected idempotent result, got %q then %q", once, twice)
	}
	if once != "a/b" {
		t.Fatalf("unexpected trim result: %q", once)
	}
}

func TestGitProjectionMapsSchemes(t *testing.T) {
	cases := map[string]string{
		"ssh://host/path":       "git+ssh://host/path",
		"scp://host/path":       "git+ssh://host/path",
		"rsync+ssh://host/path": "git+ssh://host/path",
		"file:///abs/path":      "/abs/path",
		"https://host/path":     "https://host/path",
		"git://host/path":       "git://host/path",
	}
	for in, want := range cases {
		if got := GitProjection(in); got != want {
			t.Fatalf("GitProjection(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileTransportFetchIsAtomic(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	tr, err := ForScheme("file")
	if err != nil {
		t.Fatalf("ForScheme: %v", err)
	}
	dstPath := filepath.Join(dir, "nested", "dst.txt")
	if err := tr.Fetch(context.Background(), URL{Scheme: "file", Path: srcPath}, dstPath); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestFileTransportFetchMissingSourceIsNotFound(t *testing.T) {
	dir := t.TempDir()
	tr, _ := ForScheme("file")
	err := tr.Fetch(context.Background(), URL{Scheme: "file", Path: filepath.Join(dir, "missing.txt")}, filepath.Join(dir, "out.txt"))
	if err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestFileTransportFetchRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	tr, _ := ForScheme("file")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Fetch(ctx, URL{Scheme: "file", Path: srcPath}, filepath.Join(dir, "out.txt"))
	if err == nil {
		t.Fatalf("expected an error from an already-cancelled context")
	}
}

func TestHTTPTransportFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote-content"))
	}))
	defer srv.Close()

	tr, err := ForScheme("http")
	if err != nil {
		t.Fatalf("ForScheme: %v", err)
	}
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.txt")
	u, _ := Parse(srv.URL)
	if err := tr.Fetch(context.Background(), u, dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "remote-content" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestHTTPTransportPushIsReadOnly(t *testing.T) {
	tr, _ := ForScheme("https")
	if err := tr.Push(context.Background(), "irrelevant", URL{}); err != ErrReadOnlyTransport {
		t.Fatalf("expected ErrReadOnlyTransport, got %v", err)
	}
}

func TestHTTPTransportFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr, _ := ForScheme("http")
	u, _ := Parse(srv.URL)
	dir := t.TempDir()
	err := tr.Fetch(context.Background(), u, filepath.Join(dir, "out.txt"))
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestHTTPTransportFetchRespectsCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("too-late"))
	}))
	defer srv.Close()
	defer close(release)

	tr, _ := ForScheme("http")
	u, _ := Parse(srv.URL)
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Fetch(ctx, u, filepath.Join(dir, "out.txt"))
	if err == nil {
		t.Fatalf("expected Fetch to be cancelled before the handler released its response")
	}
}

func TestForSchemeRejectsUnknownScheme(t *testing.T) {
	if _, err := ForScheme("gopher"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
