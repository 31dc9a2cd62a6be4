// Package pipeline implements the build pipeline (C9): it walks a
// project's result DAG, computes every build id up front, and drives
// each result through prepare, build and store while respecting
// dependency order and the configured worker concurrency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kilnforge/kiln/pkg/cache"
	"github.com/kilnforge/kiln/pkg/chroot"
	"github.com/kilnforge/kiln/pkg/dag"
	"github.com/kilnforge/kiln/pkg/errchain"
	"github.com/kilnforge/kiln/pkg/hashid"
	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/scm"
	"github.com/kilnforge/kiln/pkg/store"
)

// State is a result's position in the §4.9 state machine.
type State string

const (
	StateNew       State = "new"
	StateScheduled State = "scheduled"
	StateSkipped   State = "skipped"
	StatePrepared  State = "prepared"
	StateBuilt     State = "built"
	StateStored    State = "stored"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ErrPlaygroundMultiResult is returned when playground mode is requested
// against more than one selected result (§4.9: playground stops after
// preparing a single chroot for inspection, so it refuses ambiguity over
// which one).
var ErrPlaygroundMultiResult = errors.New("pipeline: playground mode accepts exactly one result")

// ErrReleaseGuard is returned when release mode is requested against a
// project whose version tag is still the lazytag pseudo-value ("^"):
// release builds must bind to a real tag.
var ErrReleaseGuard = errors.New("pipeline: release mode requires a concrete version tag, not the lazytag pseudo-tag")

// Outcome records one result's final disposition.
type Outcome struct {
	Result      string
	BuildID     string
	State       State
	NonCachable bool
	Err         error
}

// Report is the result of one Driver.Run call.
type Report struct {
	Outcomes map[string]*Outcome
	Order    []string // the order results were visited in, for display
}

// Failed reports whether any result in the report ended in StateFailed.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			return true
		}
	}
	return false
}

// Options configures one Driver.Run call.
type Options struct {
	Mode         model.BuildMode
	Workers      int  // bounded concurrency; <= 0 means 1
	ForceRebuild bool // skip the store.Contains short-circuit
	KeepChroot   bool // §4.9 keep_chroot: leave the staging root on disk whatever the outcome
	Playground   bool // stop every selected result at "prepared" and keep its chroot
}

// Driver wires together every subsystem the pipeline drives: the
// identity engine, the SCM registry, the chroot manager, the result
// cache and the result store.
type Driver struct {
	Project *model.Project
	Hasher  *hashid.Engine
	SCM     *scm.Registry
	Chroot  *chroot.Manager
	Cache   *cache.Cache
	Store   *store.Store
}

// NewDriver wires a Driver from a validated project and a base
// directory under which the SCM working copies, chroot staging area,
// local cache mirror and result store all live.
func NewDriver(p *model.Project, baseDir string) *Driver {
	c := cache.New(filepath.Join(baseDir, "cache", "%u"), cache.ServersFromModel(p.Servers))
	c.Init()

	resolver := func(name string) (string, error) {
		s, ok := p.Servers[name]
		if !ok {
			return "", fmt.Errorf("pipeline: unknown server %q", name)
		}
		return s.URL, nil
	}

	s := store.New(filepath.Join(baseDir, "store"), c, writebackServerNames(p.Servers))
	// run-lock.yaml lives alongside the rest of the run's state, not inside
	// store/: it tracks a per-run fact about Contains checks, not a stored
	// artifact. A load failure just means Contains repeats every remote
	// round-trip this run instead of short-circuiting them (§10); it never
	// fails NewDriver.
	if rl, err := store.LoadRunLock(filepath.Join(baseDir, ".kiln", "run-lock.yaml")); err == nil {
		s = s.WithRunLock(rl)
	}

	return &Driver{
		Project: p,
		Hasher:  hashid.New(),
		SCM:     scm.NewRegistry(filepath.Join(baseDir, "scm"), resolver, c.FetchFile),
		Chroot:  chroot.NewManager(filepath.Join(baseDir, "chroot")),
		Cache:   c,
		Store:   s,
	}
}

func writebackServerNames(servers map[string]*model.Server) []string {
	var names []string
	for name, s := range servers {
		if s.Writeback {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run computes the build id of every result in seeds' closure, then
// drives each through the state machine in dependency order, bounded
// by Options.Workers concurrent workers.
func (d *Driver) Run(ctx context.Context, seeds []string, opts Options) (*Report, error) {
	if opts.Playground && len(seeds) != 1 {
		return nil, ErrPlaygroundMultiResult
	}
	if opts.Playground && opts.Mode.Name == model.BuildModeRelease.Name {
		return nil, fmt.Errorf("pipeline: playground mode cannot be combined with release mode")
	}
	if opts.Mode.Name == model.BuildModeRelease.Name && d.Project.Version.Tag == "^" {
		return nil, ErrReleaseGuard
	}

	order, err := dag.Closure(d.Project, seeds)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	buildIDs, nonCachable, err := d.computeBuildIDs(ctx, order, opts.Mode.SourceSet)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	report := &Report{Outcomes: make(map[string]*Outcome, len(order)), Order: order}
	for _, name := range order {
		report.Outcomes[name] = &Outcome{
			Result:      name,
			BuildID:     buildIDs[name],
			State:       StateNew,
			NonCachable: nonCachable[name],
		}
	}

	active, skippable := d.planSchedule(ctx, order, seeds, buildIDs, nonCachable, opts)

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range order {
		name := name
		res := d.Project.Results[name]
		outcome := report.Outcomes[name]

		if !active[name] || skippable[name] {
			// Either nothing in this run's seed closure still needs name
			// (it was only a dependency of a result that itself hit the
			// cache), or name's own buildid is already in the store: §4.9
			// "dependencies that were only needed to materialize [a
			// skipped] artifact are not built". No chroot is acquired, no
			// source is fetched.
			outcome.State = StateSkipped
			close(done[name])
			continue
		}

		g.Go(func() error {
			defer close(done[name])

			if err := waitForDeps(gctx, res.Depends, done, report); err != nil {
				outcome.State = StateFailed
				outcome.Err = err
				return nil
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				outcome.State = StateFailed
				outcome.Err = err
				return nil
			}
			defer sem.Release(1)

			outcome.State = StateScheduled
			if err := d.runOne(gctx, res, outcome, opts); err != nil {
				outcome.State = StateFailed
				outcome.Err = err
			}
			return nil
		})
	}

	_ = g.Wait() // workers never return an error themselves; failures live in Outcome
	return report, nil
}

// planSchedule decides, for every result in order, whether it is active
// (reachable from seeds through a chain of results that themselves need
// building) and, among the active ones, which already have their
// buildid in the store and can skip straight to StateSkipped.
//
// order is topological (dependencies before dependents), so a single
// reverse pass — dependents visited before the dependencies they might
// or might not still need — is enough: by the time a result is visited,
// every one of its consumers has already made its own skip/build
// decision, so active[name] is final. A result that only a skipped
// consumer depended on is never marked active, and its dependencies are
// therefore never considered either: the cache hit short-circuits the
// whole unneeded subtree, not just the one result that hit it.
func (d *Driver) planSchedule(ctx context.Context, order, seeds []string, buildIDs map[string]string, nonCachable map[string]bool, opts Options) (active, skippable map[string]bool) {
	active = make(map[string]bool, len(order))
	for _, seed := range seeds {
		active[seed] = true
	}
	skippable = make(map[string]bool, len(order))

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !active[name] {
			continue
		}
		skip := !opts.ForceRebuild && !nonCachable[name] && d.Store.ContainsCached(ctx, name, buildIDs[name])
		skippable[name] = skip
		if skip {
			continue
		}
		for _, dep := range d.Project.Results[name].Depends {
			active[dep] = true
		}
	}
	return active, skippable
}

// Status reports a single result's build id and whether the store
// already holds its artifact, without driving any build work (§10
// supplemented feature: `kiln status <result>`). It recomputes the
// build id fresh each call under the given source set rather than
// reading back a prior Run's report, since a CLI invocation doesn't
// otherwise retain state between commands.
func (d *Driver) Status(ctx context.Context, name string, set model.SourceSet) (*Outcome, error) {
	order, err := dag.Closure(d.Project, []string{name})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	buildIDs, nonCachable, err := d.computeBuildIDs(ctx, order, set)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	outcome := &Outcome{
		Result:      name,
		BuildID:     buildIDs[name],
		NonCachable: nonCachable[name],
		State:       StateNew,
	}
	if !outcome.NonCachable && d.Store.ContainsCached(ctx, name, outcome.BuildID) {
		outcome.State = StateDone
	}
	return outcome, nil
}

// waitForDeps blocks until every one of deps has finished (successfully
// or not), then fails fast with a dependency-failed error if any of
// them did not reach StateDone or StateSkipped. The happens-before
// edge each done channel's close gives its receivers is what makes
// reading the dependency's Outcome safe without further locking.
func waitForDeps(ctx context.Context, deps []string, done map[string]chan struct{}, report *Report) error {
	for _, dep := range deps {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if state := report.Outcomes[dep].State; state != StateDone && state != StateSkipped {
			return fmt.Errorf("dependency-failed: %s", dep)
		}
	}
	return nil
}

// runOne drives a single result from "scheduled" through to its
// terminal state, short-circuiting to "skipped" when the artifact is
// already in the store.
func (d *Driver) runOne(ctx context.Context, res *model.Result, outcome *Outcome, opts Options) error {
	if !opts.ForceRebuild && !outcome.NonCachable && d.Store.ContainsCached(ctx, res.Name, outcome.BuildID) {
		outcome.State = StateSkipped
		return nil
	}

	root, err := d.Chroot.Acquire(ctx, res.Name)
	if err != nil {
		return err
	}
	keep := opts.KeepChroot || opts.Playground
	defer func() {
		if derr := root.Dismantle(ctx, keep); derr != nil {
			outcome.Err = errchain.Join(outcome.Err, derr)
		}
	}()

	groups := make([]*model.ChrootGroup, 0, len(res.ChrootGroups))
	for _, name := range res.ChrootGroups {
		group, ok := d.Project.ChrootGroups[name]
		if !ok {
			return fmt.Errorf("unknown chroot group %q", name)
		}
		groups = append(groups, group)
	}
	if err := root.Install(ctx, groups, d.Cache.FetchFile); err != nil {
		return err
	}

	srcRoot := filepath.Join(root.Dir(), "src")
	for _, srcName := range res.Sources {
		src := d.Project.Sources[srcName]
		impl, err := d.SCM.For(src)
		if err != nil {
			return err
		}
		if err := impl.Fetch(ctx, src); err != nil {
			return err
		}
		effective := model.EffectiveSourceSet(src, opts.Mode.SourceSet)
		if err := impl.Prepare(ctx, src, effective, filepath.Join(srcRoot, src.Name)); err != nil {
			return err
		}
		if _, err := impl.ToResult(ctx, src, effective, srcRoot); err != nil {
			return err
		}
	}

	outDir := filepath.Join(root.Dir(), "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	env := composeEnv(d.Project, res)
	env.Set("KILN_SRC", "/src")
	env.Set("KILN_OUT", "/out")

	scriptPath := filepath.Join(root.Dir(), "build.sh")
	if err := os.WriteFile(scriptPath, res.Script, 0o755); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	outcome.State = StatePrepared
	if opts.Playground {
		return nil
	}

	if err := root.FixOwnership(ctx); err != nil {
		return err
	}
	if err := root.RunScript(ctx, "/build.sh", env.SortedPairs()); err != nil {
		return fmt.Errorf("build-script-failed: %w", err)
	}
	outcome.State = StateBuilt

	if outcome.NonCachable {
		outcome.State = StateDone
		return nil
	}

	if err := d.Store.Put(ctx, outcome.BuildID, outDir); err != nil {
		return err
	}
	outcome.State = StateStored
	outcome.State = StateDone
	return nil
}

// composeEnv builds a result's runtime environment by merging the
// project-wide default environment with the result's own (§4.9:
// "project env ∪ result env", result values override project values).
func composeEnv(p *model.Project, res *model.Result) *model.Environment {
	merged := model.NewEnvironment(res.Name + "-env")
	if p.DefaultEnv != "" {
		merged.Merge(p.Environments[p.DefaultEnv], true)
	}
	if res.Env != "" {
		merged.Merge(p.Environments[res.Env], true)
	}
	return merged
}

// computeBuildIDs runs the pre-pass (§4.6): every result's sourceid,
// resultid and buildid are resolved in dependency order before any
// result is scheduled, so a failure downstream in the closure is
// visible before any chroot work begins upstream.
func (d *Driver) computeBuildIDs(ctx context.Context, order []string, set model.SourceSet) (map[string]string, map[string]bool, error) {
	buildIDs := make(map[string]string, len(order))
	nonCachable := make(map[string]bool, len(order))

	for _, name := range order {
		res := d.Project.Results[name]

		sourceIDs := make([]string, 0, len(res.Sources))
		licenceSet := map[string]struct{}{}
		resultNonCachable := false

		for _, srcName := range res.Sources {
			src := d.Project.Sources[srcName]
			impl, err := d.SCM.For(src)
			if err != nil {
				return nil, nil, err
			}

			licIDs := make([]string, 0, len(src.Licences))
			for _, licName := range src.Licences {
				lic, ok := d.Project.Licences[licName]
				if !ok {
					return nil, nil, fmt.Errorf("result %s: source %s: unknown licence %q", name, srcName, licName)
				}
				id := d.Hasher.LicenceID(lic)
				licIDs = append(licIDs, id)
				licenceSet[id] = struct{}{}
			}

			var srcEnv *model.Environment
			if src.Env != "" {
				srcEnv = d.Project.Environments[src.Env]
			}
			envID := d.Hasher.EnvironmentID(srcEnv)

			effective := model.EffectiveSourceSet(src, set)
			id, nc, err := impl.SourceID(ctx, src, effective, scm.Inputs{EnvironmentID: envID, LicenceIDs: licIDs})
			if err != nil {
				return nil, nil, fmt.Errorf("result %s: source %s: %w", name, srcName, err)
			}
			sourceIDs = append(sourceIDs, id)
			if nc {
				resultNonCachable = true
			}
		}

		groupIDs := make([]string, 0, len(res.ChrootGroups))
		for _, groupName := range res.ChrootGroups {
			group, ok := d.Project.ChrootGroups[groupName]
			if !ok {
				return nil, nil, fmt.Errorf("result %s: unknown chroot group %q", name, groupName)
			}
			groupIDs = append(groupIDs, d.Hasher.ChrootGroupID(group))
		}

		licIDs := make([]string, 0, len(licenceSet))
		for id := range licenceSet {
			licIDs = append(licIDs, id)
		}

		var resEnv *model.Environment
		if res.Env != "" {
			resEnv = d.Project.Environments[res.Env]
		}
		resultID := d.Hasher.ResultID(res, set, hashid.ResultInputs{
			EnvironmentID:  d.Hasher.EnvironmentID(resEnv),
			SourceIDs:      sourceIDs,
			ChrootGroupIDs: groupIDs,
			LicenceIDs:     licIDs,
		})

		depBuildIDs := make([]string, 0, len(res.Depends))
		for _, dep := range res.Depends {
			depBuildIDs = append(depBuildIDs, buildIDs[dep])
		}

		buildID, nc := d.Hasher.BuildID(res, set, resultID, depBuildIDs, resultNonCachable)
		buildIDs[name] = buildID
		nonCachable[name] = nc
	}

	return buildIDs, nonCachable, nil
}
