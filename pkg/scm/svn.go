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

	"github.com/kilnforge/kiln/pkg/hashid"
	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/transport"
)

// SVN implements SCM for model.SourceSVN sources. Its sourceid schema
// follows the same shape as the git plug-in's, since both are
// revision-controlled sources sharing the bulk of the identity-relevant
// fields (name, type, envid, licences, server, location, working-path,
// revision).
type SVN struct {
	workRoot      string
	resolveServer ServerResolver
}

// NewSVN returns an SVN plug-in rooted at workRoot.
func NewSVN(workRoot string, resolveServer ServerResolver) *SVN {
	return &SVN{workRoot: workRoot, resolveServer: resolveServer}
}

func (s *SVN) wcPath(src *model.Source) string {
	if src.WCPath != "" {
		return src.WCPath
	}
	return filepath.Join(s.workRoot, src.Name)
}

func (s *SVN) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "svn", args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("svn %s (in %s): %w: %s", strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (s *SVN) revision(ctx context.Context, src *model.Source) (string, error) {
	out, err := s.run(ctx, s.wcPath(src), "info", "--show-item", "revision")
	if err != nil {
		return "", fmt.Errorf("scm: svn info %s: %w", src.Name, err)
	}
	return out, nil
}

// SourceID hashes name, type, environmentid, sorted licence ids, server,
// location, working-path, revision — mirroring the git plug-in's schema.
func (s *SVN) SourceID(ctx context.Context, src *model.Source, set model.SourceSet, in Inputs) (string, bool, error) {
	resolved := model.EffectiveSourceSet(src, set)
	if resolved == model.SourceSetWorkingCopy {
		return model.WorkingCopySentinel, true, nil
	}
	rev, err := s.revision(ctx, src)
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
	sink.AppendString(src.Server).AppendString(src.Location).AppendString(src.WCPath).AppendString(rev)
	return sink.Finish(), false, nil
}

// Fetch checks out a working copy if none exists.
func (s *SVN) Fetch(ctx context.Context, src *model.Source) error {
	if s.WorkingCopyAvailable(src) {
		return nil
	}
	remote, err := s.remoteURL(src)
	if err != nil {
		return err
	}
	dir := s.wcPath(src)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	if _, err := s.run(ctx, filepath.Dir(dir), "checkout", remote, dir); err != nil {
		return fmt.Errorf("scm: svn checkout %s: %w", src.Name, err)
	}
	return nil
}

// Update runs "svn update" against the existing working copy.
func (s *SVN) Update(ctx context.Context, src *model.Source) error {
	if !s.WorkingCopyAvailable(src) {
		return ErrNoWorkingCopy
	}
	if _, err := s.run(ctx, s.wcPath(src), "update"); err != nil {
		return fmt.Errorf("scm: svn update %s: %w", src.Name, err)
	}
	return nil
}

// Prepare exports a clean copy of the working copy into buildPath,
// excluding .svn metadata.
func (s *SVN) Prepare(ctx context.Context, src *model.Source, set model.SourceSet, buildPath string) error {
	if err := os.MkdirAll(filepath.Dir(buildPath), 0o755); err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	_ = os.RemoveAll(buildPath)
	if _, err := s.run(ctx, "", "export", s.wcPath(src), buildPath); err != nil {
		return fmt.Errorf("scm: svn export %s: %w", src.Name, err)
	}
	return nil
}

// WorkingCopyAvailable reports whether a .svn metadata directory exists.
func (s *SVN) WorkingCopyAvailable(src *model.Source) bool {
	_, err := os.Stat(filepath.Join(s.wcPath(src), ".svn"))
	return err == nil
}

// HasWorkingCopy mirrors WorkingCopyAvailable.
func (s *SVN) HasWorkingCopy(src *model.Source) bool { return s.WorkingCopyAvailable(src) }

// CheckWorkingCopy verifies the working copy's URL matches src's
// declared server/location.
func (s *SVN) CheckWorkingCopy(ctx context.Context, src *model.Source) error {
	url, err := s.run(ctx, s.wcPath(src), "info", "--show-item", "url")
	if err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	canonical, err := s.remoteURL(src)
	if err != nil {
		return err
	}
	if transport.RemoveTrailingSlashes(url) != transport.RemoveTrailingSlashes(canonical) {
		return fmt.Errorf("scm: working copy url %q does not match canonical %q", url, canonical)
	}
	return nil
}

// ToResult records the resolved revision into dir.
func (s *SVN) ToResult(ctx context.Context, src *model.Source, set model.SourceSet, dir string) (string, error) {
	resolved := model.EffectiveSourceSet(src, set)
	if resolved == model.SourceSetWorkingCopy {
		return model.WorkingCopySentinel, nil
	}
	rev, err := s.revision(ctx, src)
	if err != nil {
		return "", err
	}
	marker := filepath.Join(dir, ".kiln-source-"+src.Name)
	if err := os.WriteFile(marker, []byte(rev+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("scm: %w", err)
	}
	return rev, nil
}

// Display renders a short summary of src.
func (s *SVN) Display(src *model.Source) string {
	return fmt.Sprintf("%s (svn %s)", src.Name, src.Location)
}

func (s *SVN) remoteURL(src *model.Source) (string, error) {
	base, err := s.resolveServer(src.Server)
	if err != nil {
		return "", fmt.Errorf("scm: %w", err)
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(src.Location, "/"), nil
}
