package chroot

import (
	"archive/tar"
	"bytes"
	"testing"
)

func buildRawTar(t *testing.T, names []string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: 4}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte("data")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return &buf
}

func TestExtractArchiveRejectsPathTraversal(t *testing.T) {
	cases := [][]string{
		{"../escape.txt"},
		{"/abs/escape.txt"},
		{"a/../../escape.txt"},
	}
	for _, names := range cases {
		buf := buildRawTar(t, names)
		dest := t.TempDir()
		if err := extractArchive(buf, "tar", dest); err == nil {
			t.Fatalf("expected rejection for entry %v", names)
		}
	}
}

func TestExtractArchiveAcceptsNestedPaths(t *testing.T) {
	buf := buildRawTar(t, []string{"a/b/c.txt"})
	dest := t.TempDir()
	if err := extractArchive(buf, "tar", dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
}
