// Package scm implements the SCM plug-in contract (C4): a uniform
// capability set over version-controlled and file-based sources, kept as
// a compile-time dispatch table rather than a dynamic plug-in loader
// (spec.md §7 "polymorphism by duck typing").
package scm

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilnforge/kiln/pkg/model"
)

// Errors in the "scm" taxonomy bucket (spec.md §8 error taxonomy).
var (
	ErrWorkingCopyDirty = errors.New("scm: working copy is dirty")
	ErrTagMismatch      = errors.New("scm: local and remote tag resolve to different commits")
	ErrDetachedHead     = errors.New("scm: working copy has a detached HEAD")
	ErrNoWorkingCopy    = errors.New("scm: no working copy present")
)

// Inputs bundles the already-resolved identity pieces a plug-in needs in
// order to compute a sourceid; these come from the identity engine and
// the validated project model, not from the plug-in itself.
type Inputs struct {
	EnvironmentID string
	LicenceIDs    []string // unsorted; plug-ins sort before hashing
}

// SCM is the capability set every source type must implement (spec.md
// §4.4). The pipeline treats sources polymorphically over this interface.
type SCM interface {
	// SourceID computes the content-addressed id of src under the given
	// source set. nonCachable is true only for SourceSetWorkingCopy.
	SourceID(ctx context.Context, src *model.Source, set model.SourceSet, in Inputs) (id string, nonCachable bool, err error)

	// Fetch ensures a local working copy exists, cloning it if absent.
	Fetch(ctx context.Context, src *model.Source) error

	// Update brings an existing working copy up to date with its remote.
	Update(ctx context.Context, src *model.Source) error

	// Prepare materializes src's content, at the revision selected by
	// set, into buildPath.
	Prepare(ctx context.Context, src *model.Source, set model.SourceSet, buildPath string) error

	// WorkingCopyAvailable reports whether src's working copy directory
	// exists on disk at all.
	WorkingCopyAvailable(src *model.Source) bool

	// HasWorkingCopy reports whether the working copy is usable (present
	// and, where applicable, the right kind of repository).
	HasWorkingCopy(src *model.Source) bool

	// CheckWorkingCopy validates the working copy's remote configuration
	// against src's declared server/location.
	CheckWorkingCopy(ctx context.Context, src *model.Source) error

	// ToResult records a human-readable description of the resolved
	// revision into dir (e.g. a manifest entry for the built artifact).
	ToResult(ctx context.Context, src *model.Source, set model.SourceSet, dir string) (string, error)

	// Display renders a short human-readable summary of src.
	Display(src *model.Source) string
}

// Registry dispatches a model.SourceType to its SCM implementation. There
// is no dynamic loading: every entry is registered at construction time.
type Registry struct {
	plugins map[model.SourceType]SCM
}

// ServerResolver maps a server name to its base URL, as declared in the
// project's server list. Git and svn need it to compute the canonical
// remote URL a working copy must match.
type ServerResolver func(name string) (string, error)

// NewRegistry returns a Registry pre-populated with the git, svn and
// files plug-ins. resolveServer resolves a source's server name to its
// configured URL.
func NewRegistry(workRoot string, resolveServer ServerResolver, fetcher FileFetcher) *Registry {
	return &Registry{
		plugins: map[model.SourceType]SCM{
			model.SourceGit:   NewGit(workRoot, resolveServer),
			model.SourceSVN:   NewSVN(workRoot, resolveServer),
			model.SourceFiles: NewFiles(fetcher),
		},
	}
}

// Register installs or overrides the plug-in for typ. Exposed so tests
// (and embedders) can substitute a fake without touching the default
// table.
func (r *Registry) Register(typ model.SourceType, impl SCM) {
	if r.plugins == nil {
		r.plugins = map[model.SourceType]SCM{}
	}
	r.plugins[typ] = impl
}

// For returns the plug-in registered for src's type.
func (r *Registry) For(src *model.Source) (SCM, error) {
	impl, ok := r.plugins[src.Type]
	if !ok {
		return nil, fmt.Errorf("scm: no plug-in registered for source type %q", src.Type)
	}
	return impl, nil
}
