package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// rsyncTransport shells out to the rsync binary — the one scheme kiln
// does not reimplement in pure Go, since rsync's delta-transfer protocol
// has no suitable library in reach and the design already treats it as an
// external tool invocation (spec.md §4.2).
type rsyncTransport struct{}

func (rsyncTransport) remoteSpec(u URL) string {
	if u.Host == "" {
		return u.Path
	}
	return fmt.Sprintf("%s:%s", u.Host, u.Path)
}

func (t rsyncTransport) Fetch(ctx context.Context, u URL, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return t.run(ctx, t.remoteSpec(u), localPath)
}

func (t rsyncTransport) Push(ctx context.Context, localPath string, u URL) error {
	return t.run(ctx, localPath, t.remoteSpec(u))
}

func (rsyncTransport) Mkdir(ctx context.Context, u URL) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "ssh", u.Host, "mkdir", "-p", u.Path)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (rsyncTransport) Exists(ctx context.Context, u URL) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "ssh", u.Host, "test", "-e", u.Path)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return true, nil
}

func (rsyncTransport) run(ctx context.Context, src, dst string) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cctx, "rsync", "-az", "-e", "ssh", src, dst)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
