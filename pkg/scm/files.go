package scm

import (
	"context"
	"crypto/sha1" //nolint:gosec // declared-checksum verification, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilnforge/kiln/pkg/hashid"
	"github.com/kilnforge/kiln/pkg/model"
)

// FileFetcher resolves a (server, location) pair to a local path,
// fetching and mirroring it if necessary. pkg/cache.Cache.FetchFile
// satisfies this signature.
type FileFetcher func(ctx context.Context, server, location string) (string, error)

// Files implements SCM for model.SourceFiles sources: a source is an
// ordered list of file references, each individually fetched through
// Cache and verified against its declared sha1 (§4.4).
type Files struct {
	fetch FileFetcher
}

// NewFiles returns a Files plug-in that fetches through fetcher.
func NewFiles(fetcher FileFetcher) *Files {
	return &Files{fetch: fetcher}
}

// SourceID hashes name, type, envid, sorted licence ids, and for each
// file in declared order: server, location, sha1, unpack/patch flags.
func (f *Files) SourceID(ctx context.Context, src *model.Source, set model.SourceSet, in Inputs) (string, bool, error) {
	resolved := model.EffectiveSourceSet(src, set)
	if resolved == model.SourceSetWorkingCopy {
		return model.WorkingCopySentinel, true, nil
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
	for _, file := range src.Files {
		sink.AppendString(file.Server).AppendString(file.Location).AppendString(file.SHA1).
			AppendString(boolFlag(file.Unpack)).AppendString(boolFlag(file.Patch))
	}
	return sink.Finish(), false, nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Fetch downloads every listed file through Cache and verifies its
// declared sha1.
func (f *Files) Fetch(ctx context.Context, src *model.Source) error {
	for _, file := range src.Files {
		local, err := f.fetch(ctx, file.Server, file.Location)
		if err != nil {
			return fmt.Errorf("scm: fetch %s:%s: %w", file.Server, file.Location, err)
		}
		if file.SHA1 == "" {
			continue
		}
		sum, err := sha1File(local)
		if err != nil {
			return fmt.Errorf("scm: %w", err)
		}
		if sum != file.SHA1 {
			return fmt.Errorf("scm: checksum mismatch for %s:%s: got %s want %s", file.Server, file.Location, sum, file.SHA1)
		}
	}
	return nil
}

// Update is a no-op: file sources have no upstream to fast-forward.
func (f *Files) Update(ctx context.Context, src *model.Source) error { return nil }

// Prepare fetches (if needed) and copies every file, as fetched, into
// buildPath under its base name. Files flagged Unpack or Patch are
// copied the same way; they are not unpacked or applied.
func (f *Files) Prepare(ctx context.Context, src *model.Source, set model.SourceSet, buildPath string) error {
	if err := f.Fetch(ctx, src); err != nil {
		return err
	}
	if err := os.MkdirAll(buildPath, 0o755); err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	for _, file := range src.Files {
		local, err := f.fetch(ctx, file.Server, file.Location)
		if err != nil {
			return fmt.Errorf("scm: %w", err)
		}
		dst := filepath.Join(buildPath, filepath.Base(file.Location))
		if err := copyFileFlat(local, dst); err != nil {
			return fmt.Errorf("scm: %w", err)
		}
	}
	return nil
}

// WorkingCopyAvailable is always true for file sources: there is no
// clone step, only a fetch cache.
func (f *Files) WorkingCopyAvailable(src *model.Source) bool { return true }

// HasWorkingCopy mirrors WorkingCopyAvailable for file sources.
func (f *Files) HasWorkingCopy(src *model.Source) bool { return true }

// CheckWorkingCopy is always satisfied: file sources have no remote
// branch/tracking configuration to validate.
func (f *Files) CheckWorkingCopy(ctx context.Context, src *model.Source) error { return nil }

// ToResult records the list of fetched file locations into dir.
func (f *Files) ToResult(ctx context.Context, src *model.Source, set model.SourceSet, dir string) (string, error) {
	marker := filepath.Join(dir, ".kiln-source-"+src.Name)
	var content []byte
	for _, file := range src.Files {
		content = append(content, []byte(file.Server+":"+file.Location+" "+file.SHA1+"\n")...)
	}
	if err := os.WriteFile(marker, content, 0o644); err != nil {
		return "", fmt.Errorf("scm: %w", err)
	}
	return hashid.Hex(content), nil
}

// Display renders a short summary of src.
func (f *Files) Display(src *model.Source) string {
	return fmt.Sprintf("%s (files, %d entries)", src.Name, len(src.Files))
}

func sha1File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha1.New() //nolint:gosec
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFileFlat(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
