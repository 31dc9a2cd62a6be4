// Package model defines the project's typed records — sources, results,
// chroot groups, licences, environments — and their cross-reference
// validator (C5).
package model

// SourceType identifies which SCM plug-in owns a Source.
type SourceType string

const (
	SourceGit   SourceType = "git"
	SourceSVN   SourceType = "svn"
	SourceFiles SourceType = "files"
)

// SourceSet selects which revision of a source a build id binds to.
type SourceSet string

const (
	SourceSetTag         SourceSet = "tag"
	SourceSetBranch      SourceSet = "branch"
	SourceSetWorkingCopy SourceSet = "working-copy"
	SourceSetLazyTag     SourceSet = "lazytag"
)

// WorkingCopySentinel is the constant sourceid/buildid produced whenever a
// working-copy source set is in play. Builds computed under it are never
// cached (§8 invariant 4).
const WorkingCopySentinel = "working-copy"

// FileRef is a single archive or patch file referenced by a source or a
// chroot group.
type FileRef struct {
	Server  string
	Location string
	SHA1    string
	TarType string // "", "tar", "tar.gz", "tar.xz", "tar.zst"
	Unpack  bool
	Patch   bool
}

// Source is a named, typed reference to a version-controlled or
// file-based input.
type Source struct {
	Name     string
	Type     SourceType
	Licences []string
	Env      string // environment record name
	Server   string
	WCPath   string // working-copy path on disk

	// git-specific
	Location    string
	Branch      string
	Tag         string
	CheckRemote bool

	// files-specific
	Files []FileRef
}

// ResolveLazyTag resolves the SourceSet §4.4 lazytag rule in exactly one
// place: it returns SourceSetTag unless the source's pseudo tag ("^") is
// in effect, in which case it falls back to SourceSetBranch. Every call
// site that needs lazytag resolution goes through this helper so the
// rule can never drift between sites.
func ResolveLazyTag(src *Source) SourceSet {
	if src.Tag == "^" {
		return SourceSetBranch
	}
	return SourceSetTag
}

// EffectiveSourceSet resolves set, expanding SourceSetLazyTag via
// ResolveLazyTag. All other sets pass through unchanged.
func EffectiveSourceSet(src *Source, set SourceSet) SourceSet {
	if set == SourceSetLazyTag {
		return ResolveLazyTag(src)
	}
	return set
}

// Result is a node in the build DAG: it names its sources, chroot groups,
// dependencies, environment and the build script payload that produces
// one artifact.
type Result struct {
	Name        string
	Sources     []string
	ChrootGroups []string
	Depends     []string
	Env         string
	Script      []byte // opaque build-script payload
}

// ChrootGroup is an ordered list of archive files that compose a build
// root, plus an optional identity override.
type ChrootGroup struct {
	Name        string
	Files       []FileRef
	GroupIDOverride string
}

// Licence is a name plus an ordered list of file references.
type Licence struct {
	Name  string
	Files []FileRef
}

// Environment is an ordered mapping from name to value. Its identity is
// the hash over sorted "k=v" lines (§8 invariant 1): equal environments
// have equal ids regardless of insertion order.
type Environment struct {
	Name   string
	values map[string]string
	order  []string // insertion order, for display only — never for hashing
}

// NewEnvironment returns an empty, named environment.
func NewEnvironment(name string) *Environment {
	return &Environment{Name: name, values: map[string]string{}}
}

// Set assigns a value and returns the environment for chaining.
func (e *Environment) Set(key, value string) *Environment {
	if _, exists := e.values[key]; !exists {
		e.order = append(e.order, key)
	}
	e.values[key] = value
	return e
}

// Get returns the value for key and whether it was present.
func (e *Environment) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Merge copies other's keys into e. When override is false, keys already
// present in e are left unchanged (§8 invariant 2); when true, other's
// values win.
func (e *Environment) Merge(other *Environment, override bool) *Environment {
	if other == nil {
		return e
	}
	for _, k := range other.sortedKeys() {
		if _, exists := e.values[k]; exists && !override {
			continue
		}
		e.Set(k, other.values[k])
	}
	return e
}

// SortedPairs returns "k=v" strings in lexicographic key order — the view
// the hasher consumes.
func (e *Environment) SortedPairs() []string {
	keys := e.sortedKeys()
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + e.values[k]
	}
	return pairs
}

func (e *Environment) sortedKeys() []string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

// Version is the two-token ".kiln/version" file record.
type Version struct {
	Branch string
	Tag    string
}

// Server describes one pluggable remote cache/transport endpoint.
type Server struct {
	Name            string
	URL             string
	Cachable        bool
	CacheLocally    bool
	IsLocal         bool
	Writeback       bool
	PushPermissions *string
	Flags           map[string]string
}

// BuildMode bundles a source-set selector with storage, signing and
// deploy policy.
type BuildMode struct {
	Name         string
	SourceSet    SourceSet
	Push         bool
	Sign         bool
	Deploy       bool
}

// Standard build modes, §3.
var (
	BuildModeRelease     = BuildMode{Name: "release", SourceSet: SourceSetTag, Push: true, Sign: true, Deploy: true}
	BuildModeTag         = BuildMode{Name: "tag", SourceSet: SourceSetTag, Push: true}
	BuildModeBranch      = BuildMode{Name: "branch", SourceSet: SourceSetBranch, Push: true}
	BuildModeWorkingCopy = BuildMode{Name: "working-copy", SourceSet: SourceSetWorkingCopy}
)

// Project is the fully loaded, validated, immutable project model.
//
// DefaultEnv names the project-wide environment record (possibly empty)
// that every result's own environment is composed on top of: §4.9 build
// preparation merges (project env ∪ result env), result values
// overriding project values.
type Project struct {
	Version      Version
	DefaultEnv   string
	Sources      map[string]*Source
	Results      map[string]*Result
	ChrootGroups map[string]*ChrootGroup
	Licences     map[string]*Licence
	Environments map[string]*Environment
	Servers      map[string]*Server
}
