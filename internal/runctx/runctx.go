// Package runctx replaces the original tool's process-wide global state
// (temp directories, the logger, the interrupt flag) with a single
// explicit context record threaded through the CLI layer, per the
// design note in spec.md §9.
package runctx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/kilnforge/kiln/pkg/cache"
	"github.com/kilnforge/kiln/pkg/errchain"
)

// Context is the one object every command handler receives instead of
// reaching for package-level globals. RunID is a fresh uuid per
// invocation; New does not attach it to Logger.
type Context struct {
	Logger *slog.Logger
	Cache  *cache.Cache
	RunID  string

	mu      sync.Mutex
	tmpDirs []string
	closed  bool
}

// New builds a Context around an already-initialized cache and a
// logger configured for the requested verbosity.
func New(logger *slog.Logger, c *cache.Cache) *Context {
	return &Context{
		Logger: logger,
		Cache:  c,
		RunID:  uuid.NewString(),
	}
}

// TempDir creates a fresh temporary directory under base (falling back
// to os.TempDir when base is empty) and registers it for cleanup by
// Close, so a single deferred Close reclaims every directory handed out
// here. Chroot staging roots and SCM working copies are not created
// through TempDir; they live under the driver's work directory.
func (c *Context) TempDir(base, pattern string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("runctx: %w", err)
	}
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return "", fmt.Errorf("runctx: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		os.RemoveAll(dir)
		return "", fmt.Errorf("runctx: TempDir called after Close")
	}
	c.tmpDirs = append(c.tmpDirs, dir)
	return dir, nil
}

// Close removes every directory handed out by TempDir, in reverse
// order, and is safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	dirs := c.tmpDirs
	c.tmpDirs = nil
	c.closed = true
	c.mu.Unlock()

	var causes []error
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.RemoveAll(dirs[i]); err != nil {
			causes = append(causes, fmt.Errorf("runctx: removing %s: %w", filepath.Clean(dirs[i]), err))
		}
	}
	return errchain.Join(causes...)
}

// WithInterrupt derives a cancellable context from parent and arms
// SIGINT/SIGTERM handling: the first signal logs and cancels the
// derived context so in-flight work can shut down cleanly; a second
// signal before that shutdown completes force-exits the process
// immediately rather than waiting on a build script that may never
// notice the first one. Callers must invoke the returned stop func
// once shutdown is complete (normally via defer) to release the signal
// registration and stop the background goroutine.
func WithInterrupt(parent context.Context, logger *slog.Logger, exitInterrupted int) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		for range sigCh {
			count++
			if count == 1 {
				logger.Warn("received interrupt, shutting down")
				cancel()
			} else {
				logger.Warn("received second interrupt, exiting immediately")
				os.Exit(exitInterrupted)
			}
		}
	}()

	stop := func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}
	return ctx, stop
}
