// Package store implements the content-addressed result store (C10):
// each artifact lives at results/<buildid>/..., looked up and written
// through pkg/cache so local/remote mirroring stays uniform with every
// other fetched artifact.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kilnforge/kiln/pkg/cache"
	"github.com/kilnforge/kiln/pkg/model"
)

// ErrNonCachable is returned by Put/Contains/Get when asked to operate on
// the working-copy sentinel buildid: such builds must never be read from
// or written to the store (§8 invariant 5).
var ErrNonCachable = errors.New("store: working-copy builds are never cached")

// ErrNotFound is returned by Get when no artifact exists for buildID.
var ErrNotFound = errors.New("store: artifact not found")

// completeMarker is written into every stored artifact's directory (and
// therefore pushed to every writeback server alongside it) so a remote
// Exists check has one well-known path to probe instead of needing to
// list an artifact's whole file set.
const completeMarker = ".kiln-complete"

// Store is a content-addressed artifact cache keyed by buildid.
type Store struct {
	root             string
	cache            *cache.Cache
	writebackServers []string
	runLock          *RunLock
}

// New returns a Store rooted at a local "results/" directory. writeback
// lists the server names that artifacts are pushed to via cache on Put.
func New(root string, c *cache.Cache, writebackServers []string) *Store {
	return &Store{root: root, cache: c, writebackServers: writebackServers}
}

// WithRunLock attaches a persisted run-lock loaded from
// ".kiln/run-lock.yaml", enabling ContainsCached's remote-round-trip
// short-circuit. A Store with no run-lock attached still works —
// ContainsCached just always falls through to Contains.
func (s *Store) WithRunLock(rl *RunLock) *Store {
	s.runLock = rl
	return s
}

func (s *Store) artifactDir(buildID string) string {
	return filepath.Join(s.root, "results", buildID)
}

// Contains reports whether an artifact for buildID is already present,
// either in the local results/ tree or on any writeback server. A local
// miss falls through to one cache.Exists round-trip per writeback
// server, checking for completeMarker rather than listing the whole
// artifact — this is the round-trip ContainsCached exists to avoid
// repeating once confirmed. ctx bounds that remote round-trip, so a
// cancelled run doesn't hang on a slow server's Exists probe.
func (s *Store) Contains(ctx context.Context, buildID string) bool {
	if buildID == model.WorkingCopySentinel {
		return false
	}
	info, err := os.Stat(s.artifactDir(buildID))
	if err == nil && info.IsDir() {
		return true
	}
	if s.cache == nil {
		return false
	}
	location := filepath.ToSlash(filepath.Join("results", buildID, completeMarker))
	for _, server := range s.writebackServers {
		if ctx.Err() != nil {
			return false
		}
		if ok, err := s.cache.Exists(ctx, server, location); err == nil && ok {
			return true
		}
	}
	return false
}

// ContainsCached is Contains with a run-lock fast path: once a
// (result, buildid) pair has been confirmed present this run, later
// calls trust that record instead of repeating Contains' remote
// round-trip. A confirmed hit is recorded back into the run-lock so
// the next call for the same pair skips straight past it too; a miss
// is not recorded.
func (s *Store) ContainsCached(ctx context.Context, result, buildID string) bool {
	if s.runLock != nil && s.runLock.Confirmed(result, buildID) {
		return true
	}
	found := s.Contains(ctx, buildID)
	if found && s.runLock != nil {
		_ = s.runLock.Record(result, buildID) // best-effort: a write failure just costs a repeated round-trip next time
	}
	return found
}

// Get returns the local path of the stored artifact directory for
// buildID.
func (s *Store) Get(ctx context.Context, buildID string) (string, error) {
	if buildID == model.WorkingCopySentinel {
		return "", ErrNonCachable
	}
	dir := s.artifactDir(buildID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}
	return dir, nil
}

// Put moves the built artifact tree at srcDir into the store under
// buildID, atomically (a staging rename), then pushes it through cache to
// every writeback-enabled server.
func (s *Store) Put(ctx context.Context, buildID, srcDir string) error {
	if buildID == model.WorkingCopySentinel {
		return ErrNonCachable
	}

	dst := s.artifactDir(buildID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	staging := dst + ".staging-" + uuid.NewString()
	if err := copyTree(srcDir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("store: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, completeMarker), []byte(buildID+"\n"), 0o644); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("store: %w", err)
	}
	// buildid is content-addressed, so an existing dst is bit-identical in
	// practice; clear it first since os.Rename refuses a non-empty directory.
	_ = os.RemoveAll(dst)
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("store: %w", err)
	}

	if s.cache == nil {
		return nil
	}
	return s.pushArtifact(ctx, buildID, dst)
}

func (s *Store) pushArtifact(ctx context.Context, buildID, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		location := filepath.ToSlash(filepath.Join("results", buildID, rel))
		for _, server := range s.writebackServers {
			if err := s.cache.PushFile(ctx, path, server, location); err != nil {
				return fmt.Errorf("push to %s: %w", server, err)
			}
		}
		return nil
	})
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(srcPath, dstPath, entryInfo.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
