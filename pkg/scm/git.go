package scm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kilnforge/kiln/pkg/hashid"
	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/transport"
)

// Git implements SCM for model.SourceGit sources. Working copies are
// plain git repositories on local disk at src.WCPath; revision resolution
// always happens against that local clone, never by querying the remote
// directly (checkRemote is the one exception, and only for a mismatch
// check, never as the resolution path itself).
type Git struct {
	workRoot      string
	resolveServer ServerResolver
}

// NewGit returns a Git plug-in rooted at workRoot (used when src.WCPath
// is unset) and resolving server names via resolveServer.
func NewGit(workRoot string, resolveServer ServerResolver) *Git {
	return &Git{workRoot: workRoot, resolveServer: resolveServer}
}

func (g *Git) wcPath(src *model.Source) string {
	if src.WCPath != "" {
		return src.WCPath
	}
	return filepath.Join(g.workRoot, src.Name)
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s (in %s): %w: %s", strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// resolveCommit returns the 40-char commit id under refs/tags/<tag> or
// refs/heads/<branch>, per the source set (§4.4). set must already be
// resolved through model.EffectiveSourceSet — Git never re-derives
// lazytag on its own, so the rule can't drift between call sites.
func (g *Git) resolveCommit(ctx context.Context, src *model.Source, set model.SourceSet) (string, error) {
	dir := g.wcPath(src)
	switch set {
	case model.SourceSetTag:
		commit, err := g.run(ctx, dir, "rev-parse", "refs/tags/"+src.Tag+"^{commit}")
		if err != nil {
			return "", fmt.Errorf("resolve tag %q: %w", src.Tag, err)
		}
		if src.CheckRemote {
			remote, err := g.run(ctx, dir, "ls-remote", "origin", "refs/tags/"+src.Tag)
			if err != nil {
				return "", fmt.Errorf("resolve remote tag %q: %w", src.Tag, err)
			}
			fields := strings.Fields(remote)
			if len(fields) == 0 || fields[0] != commit {
				return "", fmt.Errorf("%w: tag %q local=%s remote=%q", ErrTagMismatch, src.Tag, commit, remote)
			}
		}
		return commit, nil
	case model.SourceSetBranch:
		commit, err := g.run(ctx, dir, "rev-parse", "refs/heads/"+src.Branch)
		if err != nil {
			return "", fmt.Errorf("resolve branch %q: %w", src.Branch, err)
		}
		return commit, nil
	default:
		return "", fmt.Errorf("scm: git does not resolve source set %q directly", set)
	}
}

// SourceID implements SCM.SourceID. working-copy short-circuits to the
// sentinel before any commit resolution happens, per §4.6 invariant 4.
func (g *Git) SourceID(ctx context.Context, src *model.Source, set model.SourceSet, in Inputs) (string, bool, error) {
	resolved := model.EffectiveSourceSet(src, set)
	if resolved == model.SourceSetWorkingCopy {
		return model.WorkingCopySentinel, true, nil
	}

	commit, err := g.resolveCommit(ctx, src, resolved)
	if err != nil {
		return "", false, err
	}

	licenceIDs := append([]string(nil), in.LicenceIDs...)
	sort.Strings(licenceIDs)

	sink := hashid.NewSink().
		AppendString(src.Name).
		AppendString(string(src.Type)).
		AppendString(in.EnvironmentID)
	for _, id := range licenceIDs {
		sink.AppendString(id)
	}
	sink.AppendString(src.Server).AppendString(src.Location).AppendString(src.WCPath).AppendString(commit)
	return sink.Finish(), false, nil
}

// Fetch clones src's working copy if it doesn't already exist.
func (g *Git) Fetch(ctx context.Context, src *model.Source) error {
	dir := g.wcPath(src)
	if g.WorkingCopyAvailable(src) {
		return nil
	}
	remote, err := g.remoteURL(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	if _, err := g.run(ctx, filepath.Dir(dir), "clone", remote, dir); err != nil {
		return fmt.Errorf("scm: clone %s: %w", src.Name, err)
	}
	return nil
}

// Update fetches and fast-forward-merges the current branch's upstream.
// On a detached HEAD, or when the current branch has no configured
// remote, it warns (by returning a nil error with no change made) rather
// than failing the build — per §4.4 "warns and skips". This performs
// exactly one "git fetch --tags" call; the original's duplicated fetch
// is not carried forward.
func (g *Git) Update(ctx context.Context, src *model.Source) error {
	dir := g.wcPath(src)
	if !g.WorkingCopyAvailable(src) {
		return ErrNoWorkingCopy
	}

	branch, err := g.run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil || branch == "" {
		return nil // detached HEAD: warn-and-skip, not an error
	}
	if remote, _ := g.run(ctx, dir, "config", "--get", "branch."+branch+".remote"); remote == "" {
		return nil // no upstream configured: warn-and-skip
	}

	if _, err := g.run(ctx, dir, "fetch", "--tags", "origin"); err != nil {
		return fmt.Errorf("scm: fetch %s: %w", src.Name, err)
	}
	if _, err := g.run(ctx, dir, "merge", "--ff-only", "origin/"+branch); err != nil {
		return fmt.Errorf("scm: fast-forward %s: %w", src.Name, err)
	}
	return nil
}

// Prepare materializes src's content at the resolved revision into
// buildPath. tag/branch use "git archive" from the local clone;
// working-copy copies the work tree, excluding .git.
func (g *Git) Prepare(ctx context.Context, src *model.Source, set model.SourceSet, buildPath string) error {
	dir := g.wcPath(src)
	resolved := model.EffectiveSourceSet(src, set)

	if err := os.MkdirAll(buildPath, 0o755); err != nil {
		return fmt.Errorf("scm: %w", err)
	}

	if resolved == model.SourceSetWorkingCopy {
		return copyWorkTreeExcludingGit(dir, buildPath)
	}

	var ref string
	switch resolved {
	case model.SourceSetTag:
		ref = "refs/tags/" + src.Tag
	case model.SourceSetBranch:
		ref = "refs/heads/" + src.Branch
	default:
		return fmt.Errorf("scm: git cannot prepare source set %q", set)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "archive", "--format=tar", ref)
	cmd.Dir = dir
	untar := exec.CommandContext(ctx, "tar", "-x", "-C", buildPath)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	untar.Stdin = pipe
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	untar.Stderr = &stderr
	if err := untar.Start(); err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("scm: git archive %s: %w: %s", src.Name, err, stderr.String())
	}
	if err := untar.Wait(); err != nil {
		return fmt.Errorf("scm: extract archive %s: %w: %s", src.Name, err, stderr.String())
	}
	return nil
}

// WorkingCopyAvailable reports whether the working copy directory exists
// and holds a .git entry.
func (g *Git) WorkingCopyAvailable(src *model.Source) bool {
	_, err := os.Stat(filepath.Join(g.wcPath(src), ".git"))
	return err == nil
}

// HasWorkingCopy reports whether the working copy is present and is
// actually a git repository.
func (g *Git) HasWorkingCopy(src *model.Source) bool {
	return g.WorkingCopyAvailable(src)
}

// CheckWorkingCopy verifies the working copy's branch and remote
// configuration match src's declared server/location (§4.4).
func (g *Git) CheckWorkingCopy(ctx context.Context, src *model.Source) error {
	dir := g.wcPath(src)
	branch, err := g.run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil || branch == "" {
		return ErrDetachedHead
	}
	remoteName, err := g.run(ctx, dir, "config", "--get", "branch."+branch+".remote")
	if err != nil || remoteName != "origin" {
		return fmt.Errorf("scm: branch %q does not track origin", branch)
	}
	originURL, err := g.run(ctx, dir, "config", "--get", "remote.origin.url")
	if err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	canonical, err := g.remoteURL(src)
	if err != nil {
		return err
	}
	if transport.RemoveTrailingSlashes(originURL) != transport.RemoveTrailingSlashes(canonical) {
		return fmt.Errorf("scm: remote.origin.url %q does not match canonical %q", originURL, canonical)
	}
	return nil
}

// ToResult records the resolved commit into dir as a one-line revision
// marker, returning the commit id.
func (g *Git) ToResult(ctx context.Context, src *model.Source, set model.SourceSet, dir string) (string, error) {
	resolved := model.EffectiveSourceSet(src, set)
	if resolved == model.SourceSetWorkingCopy {
		return model.WorkingCopySentinel, nil
	}
	commit, err := g.resolveCommit(ctx, src, resolved)
	if err != nil {
		return "", err
	}
	marker := filepath.Join(dir, ".kiln-source-"+src.Name)
	if err := os.WriteFile(marker, []byte(commit+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("scm: %w", err)
	}
	return commit, nil
}

// Display renders a short summary of src.
func (g *Git) Display(src *model.Source) string {
	if src.Tag != "" {
		return fmt.Sprintf("%s (git tag=%s)", src.Name, src.Tag)
	}
	return fmt.Sprintf("%s (git branch=%s)", src.Name, src.Branch)
}

func (g *Git) remoteURL(src *model.Source) (string, error) {
	base, err := g.resolveServer(src.Server)
	if err != nil {
		return "", fmt.Errorf("scm: %w", err)
	}
	joined := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(src.Location, "/")
	return transport.GitProjection(joined), nil
}

func copyWorkTreeExcludingGit(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
