package pipeline

import (
	"context"
	"crypto/sha1" //nolint:gosec // test fixture checksum, not a security boundary
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnforge/kiln/pkg/dag"
	"github.com/kilnforge/kiln/pkg/model"
)

// writeFakeHelper installs a no-op KILN_SU_HELPER so RunScript/FixOwnership
// succeed without ever needing real chroot(2) privilege.
func writeFakeHelper(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln-su")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	t.Setenv("KILN_SU_HELPER", path)
	return path
}

func sha1Hex(t *testing.T, content []byte) string {
	t.Helper()
	sum := sha1.Sum(content) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// filesOnlyProject builds a minimal single-result project backed by a
// "files" source, served from a local on-disk server, so the test
// never shells out to git/svn or the network.
func filesOnlyProject(t *testing.T, resultName string, depends []string) (*model.Project, string) {
	t.Helper()
	serverDir := t.TempDir()
	content := []byte("payload\n")
	if err := os.WriteFile(filepath.Join(serverDir, "data.txt"), content, 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}

	srcName := resultName + "-src"
	p := &model.Project{
		Version: model.Version{Branch: "main", Tag: "v1"},
		Sources: map[string]*model.Source{
			srcName: {
				Name: srcName,
				Type: model.SourceFiles,
				Files: []model.FileRef{
					{Server: "local", Location: "data.txt", SHA1: sha1Hex(t, content)},
				},
			},
		},
		Results: map[string]*model.Result{
			resultName: {
				Name:    resultName,
				Sources: []string{srcName},
				Depends: depends,
				Script:  []byte("#!/bin/sh\necho build\n"),
			},
		},
		ChrootGroups: map[string]*model.ChrootGroup{},
		Licences:     map[string]*model.Licence{},
		Environments: map[string]*model.Environment{},
		Servers: map[string]*model.Server{
			"local": {Name: "local", URL: "file://" + serverDir, IsLocal: true},
		},
	}
	return p, serverDir
}

func TestRunStoresArtifactAndSubsequentRunSkips(t *testing.T) {
	writeFakeHelper(t)
	p, _ := filesOnlyProject(t, "r1", nil)
	d := NewDriver(p, t.TempDir())

	report, err := d.Run(context.Background(), []string{"r1"}, Options{Mode: model.BuildModeBranch})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := report.Outcomes["r1"]
	if out.State != StateDone {
		t.Fatalf("expected StateDone, got %s (err=%v)", out.State, out.Err)
	}
	if !d.Store.Contains(context.Background(), out.BuildID) {
		t.Fatalf("expected artifact %s to be stored", out.BuildID)
	}

	report2, err := d.Run(context.Background(), []string{"r1"}, Options{Mode: model.BuildModeBranch})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report2.Outcomes["r1"].State != StateSkipped {
		t.Fatalf("expected second run to skip, got %s", report2.Outcomes["r1"].State)
	}
}

func TestRunPlaygroundStopsAtPrepared(t *testing.T) {
	writeFakeHelper(t)
	p, _ := filesOnlyProject(t, "r1", nil)
	d := NewDriver(p, t.TempDir())

	report, err := d.Run(context.Background(), []string{"r1"}, Options{Mode: model.BuildModeBranch, Playground: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := report.Outcomes["r1"]
	if out.State != StatePrepared {
		t.Fatalf("expected StatePrepared, got %s (err=%v)", out.State, out.Err)
	}
	if d.Store.Contains(context.Background(), out.BuildID) {
		t.Fatalf("playground must never write to the store")
	}
}

func TestRunRejectsPlaygroundWithMultipleResults(t *testing.T) {
	p, _ := filesOnlyProject(t, "r1", nil)
	p.Results["r2"] = &model.Result{Name: "r2", Sources: []string{"r1-src"}, Script: []byte("x")}
	d := NewDriver(p, t.TempDir())

	_, err := d.Run(context.Background(), []string{"r1", "r2"}, Options{Mode: model.BuildModeBranch, Playground: true})
	if err != ErrPlaygroundMultiResult {
		t.Fatalf("expected ErrPlaygroundMultiResult, got %v", err)
	}
}

func TestRunRejectsReleaseModeWithLazyTag(t *testing.T) {
	p, _ := filesOnlyProject(t, "r1", nil)
	p.Version.Tag = "^"
	d := NewDriver(p, t.TempDir())

	_, err := d.Run(context.Background(), []string{"r1"}, Options{Mode: model.BuildModeRelease})
	if err != ErrReleaseGuard {
		t.Fatalf("expected ErrReleaseGuard, got %v", err)
	}
}

func TestRunPropagatesDependencyFailure(t *testing.T) {
	writeFakeHelper(t)
	p, _ := filesOnlyProject(t, "base", nil)
	// Corrupt base's declared checksum so Fetch fails before base ever
	// reaches the store.
	baseSrc := p.Sources[p.Results["base"].Sources[0]]
	baseSrc.Files[0].SHA1 = "0000000000000000000000000000000000000a"

	depProj, _ := filesOnlyProject(t, "dependent", []string{"base"})
	depSourceName := depProj.Results["dependent"].Sources[0]
	p.Sources[depSourceName] = depProj.Sources[depSourceName]
	p.Results["dependent"] = depProj.Results["dependent"]

	d := NewDriver(p, t.TempDir())
	report, err := d.Run(context.Background(), []string{"dependent"}, Options{Mode: model.BuildModeBranch})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := report.Outcomes["base"]
	if base.State != StateFailed {
		t.Fatalf("expected base to fail, got %s", base.State)
	}
	dep := report.Outcomes["dependent"]
	if dep.State != StateFailed {
		t.Fatalf("expected dependent to fail, got %s", dep.State)
	}
	if dep.Err == nil || !strings.Contains(dep.Err.Error(), "dependency-failed") {
		t.Fatalf("expected dependency-failed error, got %v", dep.Err)
	}
}

// TestRunSkipsDependencyOnlyNeededForSkippedResult covers spec.md:158 /
// SPEC_FULL.md:284-286: a dependency that exists only to materialize an
// already-cached result must never be scheduled at all. "base" has a
// corrupted declared checksum, so if it were ever fetched/built it
// would fail the run; "dependent"'s buildid is pre-seeded into the
// store, so base should never be touched.
func TestRunSkipsDependencyOnlyNeededForSkippedResult(t *testing.T) {
	writeFakeHelper(t)
	p, _ := filesOnlyProject(t, "base", nil)
	baseSrc := p.Sources[p.Results["base"].Sources[0]]
	baseSrc.Files[0].SHA1 = "0000000000000000000000000000000000000a"

	depProj, _ := filesOnlyProject(t, "dependent", []string{"base"})
	depSourceName := depProj.Results["dependent"].Sources[0]
	p.Sources[depSourceName] = depProj.Sources[depSourceName]
	p.Results["dependent"] = depProj.Results["dependent"]

	baseDir := t.TempDir()
	d := NewDriver(p, baseDir)

	order, err := dag.Closure(p, []string{"dependent"})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	buildIDs, _, err := d.computeBuildIDs(context.Background(), order, model.BuildModeBranch.SourceSet)
	if err != nil {
		t.Fatalf("computeBuildIDs: %v", err)
	}
	if err := d.Store.Put(context.Background(), buildIDs["dependent"], t.TempDir()); err != nil {
		t.Fatalf("pre-seed store: %v", err)
	}

	report, err := d.Run(context.Background(), []string{"dependent"}, Options{Mode: model.BuildModeBranch})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dep := report.Outcomes["dependent"]
	if dep.State != StateSkipped {
		t.Fatalf("expected dependent to skip via the pre-seeded store hit, got %s (err=%v)", dep.State, dep.Err)
	}
	base := report.Outcomes["base"]
	if base.State != StateSkipped {
		t.Fatalf("expected base to be skipped as unneeded, got %s (err=%v)", base.State, base.Err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "chroot", "staging", "base")); !os.IsNotExist(err) {
		t.Fatalf("expected base's chroot staging dir to never be created, stat err=%v", err)
	}
}

func TestComposeEnvResultOverridesProjectDefault(t *testing.T) {
	p := &model.Project{
		DefaultEnv: "proj",
		Environments: map[string]*model.Environment{
			"proj": model.NewEnvironment("proj").Set("ARCH", "arm").Set("STAGE", "base"),
			"res":  model.NewEnvironment("res").Set("ARCH", "x86"),
		},
	}
	res := &model.Result{Name: "r1", Env: "res"}

	env := composeEnv(p, res)
	if v, _ := env.Get("ARCH"); v != "x86" {
		t.Fatalf("expected result env to override project default, got %q", v)
	}
	if v, _ := env.Get("STAGE"); v != "base" {
		t.Fatalf("expected project default to survive where result doesn't override, got %q", v)
	}
}
