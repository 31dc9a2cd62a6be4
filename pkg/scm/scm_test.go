package scm

import (
	"context"
	"testing"

	"github.com/kilnforge/kiln/pkg/model"
)

type fakeSCM struct{}

func (fakeSCM) SourceID(ctx context.Context, src *model.Source, set model.SourceSet, in Inputs) (string, bool, error) {
	return "fake-id", false, nil
}
func (fakeSCM) Fetch(ctx context.Context, src *model.Source) error  { return nil }
func (fakeSCM) Update(ctx context.Context, src *model.Source) error { return nil }
func (fakeSCM) Prepare(ctx context.Context, src *model.Source, set model.SourceSet, buildPath string) error {
	return nil
}
func (fakeSCM) WorkingCopyAvailable(src *model.Source) bool { return true }
func (fakeSCM) HasWorkingCopy(src *model.Source) bool       { return true }
func (fakeSCM) CheckWorkingCopy(ctx context.Context, src *model.Source) error { return nil }
func (fakeSCM) ToResult(ctx context.Context, src *model.Source, set model.SourceSet, dir string) (string, error) {
	return "fake-id", nil
}
func (fakeSCM) Display(src *model.Source) string { return "fake" }

func TestRegistryDispatchesByType(t *testing.T) {
	reg := NewRegistry(t.TempDir(), func(name string) (string, error) { return "file:///tmp", nil }, nil)

	gitSrc := &model.Source{Name: "a", Type: model.SourceGit}
	impl, err := reg.For(gitSrc)
	if err != nil {
		t.Fatalf("For(git): %v", err)
	}
	if _, ok := impl.(*Git); !ok {
		t.Fatalf("expected *Git, got %T", impl)
	}

	filesSrc := &model.Source{Name: "b", Type: model.SourceFiles}
	impl, err = reg.For(filesSrc)
	if err != nil {
		t.Fatalf("For(files): %v", err)
	}
	if _, ok := impl.(*Files); !ok {
		t.Fatalf("expected *Files, got %T", impl)
	}
}

func TestRegistryRegisterOverridesDefault(t *testing.T) {
	reg := NewRegistry(t.TempDir(), func(name string) (string, error) { return "file:///tmp", nil }, nil)
	reg.Register(model.SourceGit, fakeSCM{})

	impl, err := reg.For(&model.Source{Name: "a", Type: model.SourceGit})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if _, ok := impl.(fakeSCM); !ok {
		t.Fatalf("expected overridden fakeSCM, got %T", impl)
	}
}

func TestRegistryUnknownTypeErrors(t *testing.T) {
	reg := NewRegistry(t.TempDir(), func(name string) (string, error) { return "file:///tmp", nil }, nil)
	if _, err := reg.For(&model.Source{Name: "a", Type: model.SourceType("unknown")}); err == nil {
		t.Fatalf("expected error for unregistered source type")
	}
}
