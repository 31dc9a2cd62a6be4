// Package chroot implements the build-root manager (C8): acquiring an
// exclusive, crash-safe lock per result, staging a filesystem from an
// ordered list of chroot-group archives, and delegating the operations
// that need elevated privilege to an external helper binary.
package chroot

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kilnforge/kiln/pkg/model"
)

const defaultSUHelper = "kiln-su"

// Manager creates and tracks Root instances rooted under a single base
// directory (one subtree for locks, one for staging).
type Manager struct {
	root     string
	suHelper string
}

// NewManager returns a Manager staging build roots under root. The
// elevated-operations helper binary is read from KILN_SU_HELPER,
// defaulting to "kiln-su" — mirroring the source design's su-helper
// boundary without kiln itself needing CAP_SETUID.
func NewManager(root string) *Manager {
	helper := os.Getenv("KILN_SU_HELPER")
	if helper == "" {
		helper = defaultSUHelper
	}
	return &Manager{root: root, suHelper: helper}
}

// Acquire takes the exclusive build lock for result and returns a fresh,
// empty staging Root. The lock is held until Root.Dismantle releases it.
func (m *Manager) Acquire(ctx context.Context, result string) (*Root, error) {
	lockDir := filepath.Join(m.root, "locks", result)
	lock, err := acquireLock(lockDir)
	if err != nil {
		return nil, err
	}

	stageDir := filepath.Join(m.root, "staging", result)
	if err := os.RemoveAll(stageDir); err != nil {
		_ = lock.release()
		return nil, fmt.Errorf("chroot: %w", err)
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		_ = lock.release()
		return nil, fmt.Errorf("chroot: %w", err)
	}

	return &Root{manager: m, result: result, dir: stageDir, lock: lock}, nil
}

// FileFetcher resolves a (server, location) pair to a local path.
// pkg/cache.Cache.FetchFile satisfies this signature; it is redeclared
// here (rather than imported from pkg/scm) so pkg/chroot has no
// dependency on the SCM layer.
type FileFetcher func(ctx context.Context, server, location string) (string, error)

// Root is one acquired, staged build-root directory.
type Root struct {
	manager *Manager
	result  string
	dir     string
	lock    *dirLock
}

// Dir returns the staging root's filesystem path.
func (r *Root) Dir() string { return r.dir }

// Install extracts every chroot group's files into the root, in
// declared order: archives (by TarType) are unpacked with a path-escape
// guard on every entry; non-archive, non-patch files are copied in
// flat; patch files are applied via the system "patch" binary.
func (r *Root) Install(ctx context.Context, groups []*model.ChrootGroup, fetch FileFetcher) error {
	for _, group := range groups {
		for _, file := range group.Files {
			local, err := fetch(ctx, file.Server, file.Location)
			if err != nil {
				return fmt.Errorf("chroot: fetch %s:%s: %w", file.Server, file.Location, err)
			}
			switch {
			case file.Patch:
				if err := r.applyPatch(ctx, local); err != nil {
					return err
				}
			case file.TarType != "" || file.Unpack:
				if err := r.extractFile(local, file.TarType); err != nil {
					return fmt.Errorf("chroot: extract %s: %w", file.Location, err)
				}
			default:
				dst := filepath.Join(r.dir, filepath.Base(file.Location))
				if err := copyFlat(local, dst); err != nil {
					return fmt.Errorf("chroot: %w", err)
				}
			}
		}
	}
	return nil
}

func (r *Root) extractFile(local, tarType string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return extractArchive(f, tarType, r.dir)
}

func (r *Root) applyPatch(ctx context.Context, patchFile string) error {
	cmd := exec.CommandContext(ctx, "patch", "-p1", "-i", patchFile)
	cmd.Dir = r.dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("chroot: apply patch %s: %w", patchFile, err)
	}
	return nil
}

// Dismantle tears the staging root down unless keep is set (playground
// mode / keep_chroot), then releases the build lock.
func (r *Root) Dismantle(ctx context.Context, keep bool) error {
	defer r.lock.release() //nolint:errcheck
	if keep {
		return nil
	}
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	return nil
}

func (r *Root) runHelper(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.manager.suHelper, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("chroot: %s %v: %w", r.manager.suHelper, args, err)
	}
	return nil
}

// FixOwnership hands ownership of the staged root to the build's
// elevated helper, correcting whatever uid/gid archive extraction left
// entries under.
func (r *Root) FixOwnership(ctx context.Context) error {
	return r.runHelper(ctx, "chown-root", r.dir)
}

// RunScript executes scriptPath inside the root via the elevated helper,
// which is responsible for the chroot(2) call and the final privilege
// drop before the build script runs.
func (r *Root) RunScript(ctx context.Context, scriptPath string, env []string) error {
	args := append([]string{"exec", r.dir, scriptPath}, env...)
	return r.runHelper(ctx, args...)
}

func copyFlat(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
