package scm

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnforge/kiln/pkg/model"
)

func sha1Hex(t *testing.T, content string) string {
	t.Helper()
	sum := sha1.Sum([]byte(content)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func fakeFetcher(root string) FileFetcher {
	return func(ctx context.Context, server, location string) (string, error) {
		path := filepath.Join(root, server, location)
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
}

func TestFilesSourceIDIsOrderAndFlagSensitive(t *testing.T) {
	f := NewFiles(nil)
	src := &model.Source{
		Name: "pkg1", Type: model.SourceFiles,
		Files: []model.FileRef{
			{Server: "srv", Location: "a.tar.gz", SHA1: "aaa", Unpack: true},
			{Server: "srv", Location: "b.patch", SHA1: "bbb", Patch: true},
		},
	}
	id1, _, err := f.SourceID(context.Background(), src, model.SourceSetTag, Inputs{EnvironmentID: "env"})
	if err != nil {
		t.Fatalf("SourceID: %v", err)
	}

	reordered := &model.Source{
		Name: "pkg1", Type: model.SourceFiles,
		Files: []model.FileRef{
			{Server: "srv", Location: "b.patch", SHA1: "bbb", Patch: true},
			{Server: "srv", Location: "a.tar.gz", SHA1: "aaa", Unpack: true},
		},
	}
	id2, _, err := f.SourceID(context.Background(), reordered, model.SourceSetTag, Inputs{EnvironmentID: "env"})
	if err != nil {
		t.Fatalf("SourceID reordered: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("declared file order must affect sourceid")
	}
}

func TestFilesFetchVerifiesChecksum(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "srv"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "archive-bytes"
	path := filepath.Join(root, "srv", "a.tar.gz")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := NewFiles(fakeFetcher(root))
	src := &model.Source{
		Name: "pkg1", Type: model.SourceFiles,
		Files: []model.FileRef{{Server: "srv", Location: "a.tar.gz", SHA1: sha1Hex(t, content)}},
	}
	if err := f.Fetch(context.Background(), src); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFilesFetchRejectsChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "srv"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(root, "srv", "a.tar.gz")
	if err := os.WriteFile(path, []byte("actual"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := NewFiles(fakeFetcher(root))
	src := &model.Source{
		Name: "pkg1", Type: model.SourceFiles,
		Files: []model.FileRef{{Server: "srv", Location: "a.tar.gz", SHA1: sha1Hex(t, "expected-different")}},
	}
	if err := f.Fetch(context.Background(), src); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestFilesSourceIDWorkingCopyIsSentinel(t *testing.T) {
	f := NewFiles(nil)
	src := &model.Source{Name: "pkg1", Type: model.SourceFiles}
	id, nonCachable, err := f.SourceID(context.Background(), src, model.SourceSetWorkingCopy, Inputs{})
	if err != nil {
		t.Fatalf("SourceID: %v", err)
	}
	if !nonCachable || id != model.WorkingCopySentinel {
		t.Fatalf("expected sentinel/non-cachable, got id=%q nonCachable=%v", id, nonCachable)
	}
}
