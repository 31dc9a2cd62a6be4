package hashid

import (
	"sort"
	"sync"

	"github.com/kilnforge/kiln/pkg/model"
)

// Engine memoizes identity computations per (kind, name, sourceSet) so a
// pipeline run never recomputes an unchanged id twice (§4.6). The memo
// key is the entity's name, not its content: a second entity of the same
// kind and name passed to the same Engine gets the first one's id.
//
// Engine only knows the generic parts of the identity scheme
// (environmentid, licenceid, chrootgroupid, resultid, buildid). sourceid
// is per-SCM-schema (§4.4) and is computed by pkg/scm, which calls Sink
// directly; Engine.ResultID accepts already-resolved sourceids so it
// never needs to import pkg/scm.
type Engine struct {
	memo sync.Map // key -> string
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{}
}

type memoKey struct {
	kind string
	name string
	set  model.SourceSet
}

func (e *Engine) cached(kind, name string, set model.SourceSet, compute func() string) string {
	key := memoKey{kind: kind, name: name, set: set}
	if v, ok := e.memo.Load(key); ok {
		return v.(string)
	}
	id := compute()
	e.memo.Store(key, id)
	return id
}

// EnvironmentID hashes env's sorted "k=v" pairs.
func (e *Engine) EnvironmentID(env *model.Environment) string {
	if env == nil {
		return e.cached("env", "", "", func() string { return NewSink().Finish() })
	}
	return e.cached("env", env.Name, "", func() string {
		sink := NewSink()
		for _, pair := range env.SortedPairs() {
			sink.AppendString(pair)
		}
		return sink.Finish()
	})
}

// LicenceID hashes a licence's name, then the declared sha1 of each file
// reference in the licence's order.
func (e *Engine) LicenceID(lic *model.Licence) string {
	return e.cached("licence", lic.Name, "", func() string {
		sink := NewSink().AppendString(lic.Name)
		for _, f := range lic.Files {
			sink.AppendString(f.SHA1)
		}
		return sink.Finish()
	})
}

// ChrootGroupID hashes a chroot group's name, then per file reference in
// declared order: server, location, sha1, tartype.
func (e *Engine) ChrootGroupID(group *model.ChrootGroup) string {
	if group.GroupIDOverride != "" {
		return group.GroupIDOverride
	}
	return e.cached("chrootgroup", group.Name, "", func() string {
		sink := NewSink().AppendString(group.Name)
		for _, f := range group.Files {
			sink.AppendString(f.Server).AppendString(f.Location).AppendString(f.SHA1).AppendString(f.TarType)
		}
		return sink.Finish()
	})
}

// ResultInputs carries the already-resolved pieces a caller (pkg/pipeline)
// must supply to compute a resultid, since sourceids require SCM access
// outside this package's scope.
type ResultInputs struct {
	EnvironmentID string
	SourceIDs     []string // unsorted; ResultID sorts them
	ChrootGroupIDs []string
	LicenceIDs    []string
}

// ResultID hashes name, environmentid, sorted sourceids, sorted
// chrootgroupids, sorted licenceids, and the build-script content hash.
func (e *Engine) ResultID(res *model.Result, set model.SourceSet, in ResultInputs) string {
	return e.cached("result", res.Name, set, func() string {
		sourceIDs := append([]string(nil), in.SourceIDs...)
		sort.Strings(sourceIDs)
		groupIDs := append([]string(nil), in.ChrootGroupIDs...)
		sort.Strings(groupIDs)
		licIDs := append([]string(nil), in.LicenceIDs...)
		sort.Strings(licIDs)

		sink := NewSink().AppendString(res.Name).AppendString(in.EnvironmentID)
		for _, id := range sourceIDs {
			sink.AppendString(id)
		}
		for _, id := range groupIDs {
			sink.AppendString(id)
		}
		for _, id := range licIDs {
			sink.AppendString(id)
		}
		sink.AppendString(Hex(res.Script))
		return sink.Finish()
	})
}

// BuildID hashes resultid then the sorted buildids of direct dependencies.
// NonCachable reports whether any input was the working-copy sentinel, in
// which case the returned id is model.WorkingCopySentinel and must never
// be looked up in or written to the result store (§8 invariant 4).
func (e *Engine) BuildID(res *model.Result, set model.SourceSet, resultID string, depBuildIDs []string, nonCachableInputs bool) (id string, nonCachable bool) {
	if nonCachableInputs || resultID == model.WorkingCopySentinel {
		return model.WorkingCopySentinel, true
	}
	for _, d := range depBuildIDs {
		if d == model.WorkingCopySentinel {
			return model.WorkingCopySentinel, true
		}
	}
	id = e.cached("build", res.Name, set, func() string {
		deps := append([]string(nil), depBuildIDs...)
		sort.Strings(deps)
		sink := NewSink().AppendString(resultID)
		for _, d := range deps {
			sink.AppendString(d)
		}
		return sink.Finish()
	})
	return id, false
}
