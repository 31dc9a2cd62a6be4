package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnforge/kiln/pkg/cache"
	"github.com/kilnforge/kiln/pkg/model"
)

func writeArtifact(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	root := filepath.Join(dir, "artifact")
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestPutThenContainsAndGet(t *testing.T) {
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, map[string]string{
		"bin/tool":     "binary-bytes",
		"share/doc.md": "docs",
	})

	s := New(filepath.Join(dir, "store"), nil, nil)
	const buildID = "abc123"

	if s.Contains(context.Background(), buildID) {
		t.Fatalf("expected Contains to be false before Put")
	}
	if err := s.Put(context.Background(), buildID, artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Contains(context.Background(), buildID) {
		t.Fatalf("expected Contains to be true after Put")
	}

	got, err := s.Get(context.Background(), buildID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(got, "bin", "tool"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(content) != "binary-bytes" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil, nil)
	if _, err := s.Get(context.Background(), "missing-build"); err == nil {
		t.Fatalf("expected error for missing build")
	}
}

func TestWorkingCopySentinelIsNeverCachable(t *testing.T) {
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, map[string]string{"f": "x"})
	s := New(filepath.Join(dir, "store"), nil, nil)

	if s.Contains(context.Background(), model.WorkingCopySentinel) {
		t.Fatalf("sentinel must never report as contained")
	}
	if err := s.Put(context.Background(), model.WorkingCopySentinel, artifact); err != ErrNonCachable {
		t.Fatalf("expected ErrNonCachable, got %v", err)
	}
	if _, err := s.Get(context.Background(), model.WorkingCopySentinel); err != ErrNonCachable {
		t.Fatalf("expected ErrNonCachable, got %v", err)
	}
}

func TestPutPushesToWritebackServers(t *testing.T) {
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, map[string]string{"payload.bin": "data"})

	mirrorDir := filepath.Join(dir, "mirror")
	c := cache.New("file://"+mirrorDir+"/%u", []cache.ServerEntry{
		{Name: "remote", URL: "file://" + filepath.Join(dir, "remote-root"), CacheLocally: true, Writeback: false},
	})

	s := New(filepath.Join(dir, "store"), c, []string{"remote"})
	if err := s.Put(context.Background(), "buildid-1", artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mirrored := filepath.Join(mirrorDir, "remote", "results", "buildid-1", "payload.bin")
	if _, err := os.Stat(mirrored); err != nil {
		t.Fatalf("expected artifact mirrored to cache: %v", err)
	}
}

func TestContainsFallsBackToRemoteExists(t *testing.T) {
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, map[string]string{"payload.bin": "data"})

	mirrorDir := filepath.Join(dir, "mirror")
	c := cache.New("file://"+mirrorDir+"/%u", []cache.ServerEntry{
		{Name: "remote", URL: "file://" + filepath.Join(dir, "remote-root"), Writeback: true},
	})

	producer := New(filepath.Join(dir, "producer-store"), c, []string{"remote"})
	if err := producer.Put(context.Background(), "buildid-1", artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A second store backed by the same remote, with nothing in its own
	// local results/ tree, must still find buildid-1 via the remote probe.
	consumer := New(filepath.Join(dir, "consumer-store"), c, []string{"remote"})
	if !consumer.Contains(context.Background(), "buildid-1") {
		t.Fatalf("expected Contains to find buildid-1 via remote completeMarker probe")
	}
	if consumer.Contains(context.Background(), "buildid-missing") {
		t.Fatalf("expected Contains to report false for a buildid never pushed")
	}
}

func TestContainsCachedShortCircuitsViaRunLock(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"), nil, nil)

	rlPath := filepath.Join(dir, ".kiln", "run-lock.yaml")
	rl, err := LoadRunLock(rlPath)
	if err != nil {
		t.Fatalf("LoadRunLock: %v", err)
	}
	s = s.WithRunLock(rl)

	if s.ContainsCached(context.Background(), "r1", "buildid-1") {
		t.Fatalf("expected ContainsCached to report false with nothing stored and no prior confirmation")
	}

	artifact := writeArtifact(t, dir, map[string]string{"v": "one"})
	if err := s.Put(context.Background(), "buildid-1", artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.ContainsCached(context.Background(), "r1", "buildid-1") {
		t.Fatalf("expected ContainsCached to report true once stored")
	}
	if !rl.Confirmed("r1", "buildid-1") {
		t.Fatalf("expected a confirmed hit to be recorded into the run-lock")
	}

	// A fresh Store sharing the same on-disk run-lock trusts the prior
	// confirmation without needing its own local copy of the artifact.
	other := New(filepath.Join(dir, "other-store"), nil, nil)
	reloaded, err := LoadRunLock(rlPath)
	if err != nil {
		t.Fatalf("LoadRunLock: %v", err)
	}
	other = other.WithRunLock(reloaded)
	if !other.ContainsCached(context.Background(), "r1", "buildid-1") {
		t.Fatalf("expected ContainsCached to trust the persisted run-lock record")
	}
}

func TestPutIsAtomicOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	first := writeArtifact(t, dir, map[string]string{"v": "one"})

	s := New(filepath.Join(dir, "store"), nil, nil)
	if err := s.Put(context.Background(), "buildid-x", first); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	second := filepath.Join(dir, "artifact2")
	if err := os.MkdirAll(second, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(second, "v"), []byte("two"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Put(context.Background(), "buildid-x", second); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := s.Get(context.Background(), "buildid-x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(got, "v"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "two" {
		t.Fatalf("expected overwritten content, got %q", content)
	}
}
