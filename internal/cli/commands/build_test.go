package commands

import (
	"crypto/sha1" //nolint:gosec // test fixture checksum, not a security boundary
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// filesBackedProject lays out a ".kiln" tree with a single "files"
// source and result, served from a local on-disk server, so build/ls/
// status never need git, svn or the network.
func filesBackedProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dotDir := filepath.Join(dir, ".kiln")

	serverDir := filepath.Join(dir, "srv")
	payload := []byte("payload\n")
	writeTestFile(t, filepath.Join(serverDir, "data.txt"), string(payload))
	sum := sha1.Sum(payload) //nolint:gosec
	sha1Hex := hex.EncodeToString(sum[:])

	writeTestFile(t, filepath.Join(dotDir, "version"), "main v1\n")
	writeTestFile(t, filepath.Join(dotDir, "config"), ""+
		"servers:\n"+
		"  - name: local\n"+
		"    url: file://"+serverDir+"\n"+
		"    is_local: true\n")
	writeTestFile(t, filepath.Join(dotDir, "sources", "app.yaml"), ""+
		"type: files\n"+
		"files:\n"+
		"  - server: local\n"+
		"    location: data.txt\n"+
		"    sha1: \""+sha1Hex+"\"\n")
	writeTestFile(t, filepath.Join(dotDir, "results", "build.sh"), "#!/bin/sh\necho build\n")
	writeTestFile(t, filepath.Join(dotDir, "results", "app.yaml"), ""+
		"sources: [app]\n"+
		"script_file: build.sh\n")

	return dir
}

func writeFakeSuHelper(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln-su")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake su helper: %v", err)
	}
	t.Setenv("KILN_SU_HELPER", path)
}

func TestBuildCommandEndToEnd(t *testing.T) {
	writeFakeSuHelper(t)
	dir := filesBackedProject(t)

	cmd := NewRootCmd("test")
	cmd.SetArgs([]string{"--project", dir, "build", "app", "--mode", "branch"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("build command failed: %v", err)
	}
}

func TestStatusCommandReportsBuildID(t *testing.T) {
	dir := filesBackedProject(t)

	cmd := NewRootCmd("test")
	cmd.SetArgs([]string{"--project", dir, "status", "app", "--mode", "branch"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status command failed: %v", err)
	}
}

func TestLsCommandListsEverything(t *testing.T) {
	dir := filesBackedProject(t)

	cmd := NewRootCmd("test")
	cmd.SetArgs([]string{"--project", dir, "ls"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ls command failed: %v", err)
	}
}
