package model

import (
	"fmt"
)

// ValidationErrorKind classifies a validation failure.
type ValidationErrorKind string

const (
	ErrDuplicateName      ValidationErrorKind = "duplicate-name"
	ErrDanglingReference  ValidationErrorKind = "reference-not-found"
	ErrBadSourceFields    ValidationErrorKind = "bad-source-fields"
	ErrEmptyScript        ValidationErrorKind = "empty-script"
	ErrDependencyCycle    ValidationErrorKind = "dependency-cycle"
)

// ValidationError carries the offending name alongside its kind, and
// supports chaining onto an underlying cause.
type ValidationError struct {
	Kind  ValidationErrorKind
	Name  string
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Cause)
	}
	return fmt.Sprintf("%s %q", e.Kind, e.Name)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// CycleChecker is satisfied by pkg/dag's CheckCycles; model depends only on
// this narrow interface so it never imports pkg/dag directly (keeping the
// dependency graph leaf-first: dag depends on model, not the reverse).
type CycleChecker func(p *Project) error

// commonSourceInvariant holds for every source regardless of type; the
// per-type field check is validateSourceSchema.
var (
	commonSourceInvariant = func(s *Source) error {
		if s.Name == "" {
			return fmt.Errorf("source name must not be empty")
		}
		return nil
	}
)

// Validate checks every cross-reference invariant from spec.md §4.5. The
// acyclicity check is delegated to checkCycles (typically pkg/dag.TopoSort
// wrapped to return only an error), since pkg/model must not import
// pkg/dag.
func Validate(p *Project, checkCycles CycleChecker) error {
	if p.DefaultEnv != "" {
		if _, ok := p.Environments[p.DefaultEnv]; !ok {
			return &ValidationError{Kind: ErrDanglingReference, Name: p.DefaultEnv, Cause: fmt.Errorf("default env")}
		}
	}

	for name, src := range p.Sources {
		if name != src.Name {
			return &ValidationError{Kind: ErrDuplicateName, Name: name}
		}
		if err := commonSourceInvariant(src); err != nil {
			return &ValidationError{Kind: ErrBadSourceFields, Name: name, Cause: err}
		}
		if err := validateSourceSchema(src); err != nil {
			return &ValidationError{Kind: ErrBadSourceFields, Name: name, Cause: err}
		}
		for _, l := range src.Licences {
			if _, ok := p.Licences[l]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("licence %q", l)}
			}
		}
		if src.Env != "" {
			if _, ok := p.Environments[src.Env]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("env %q", src.Env)}
			}
		}
		if src.Server != "" {
			if _, ok := p.Servers[src.Server]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("server %q", src.Server)}
			}
		}
	}

	for name, group := range p.ChrootGroups {
		if name != group.Name {
			return &ValidationError{Kind: ErrDuplicateName, Name: name}
		}
		for _, f := range group.Files {
			if f.Server != "" {
				if _, ok := p.Servers[f.Server]; !ok {
					return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("server %q", f.Server)}
				}
			}
		}
	}

	for name, res := range p.Results {
		if name != res.Name {
			return &ValidationError{Kind: ErrDuplicateName, Name: name}
		}
		if len(res.Script) == 0 {
			return &ValidationError{Kind: ErrEmptyScript, Name: name}
		}
		for _, s := range res.Sources {
			if _, ok := p.Sources[s]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("source %q", s)}
			}
		}
		for _, g := range res.ChrootGroups {
			if _, ok := p.ChrootGroups[g]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("chroot group %q", g)}
			}
		}
		for _, d := range res.Depends {
			if _, ok := p.Results[d]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("depends %q", d)}
			}
		}
		if res.Env != "" {
			if _, ok := p.Environments[res.Env]; !ok {
				return &ValidationError{Kind: ErrDanglingReference, Name: name, Cause: fmt.Errorf("env %q", res.Env)}
			}
		}
	}

	if checkCycles != nil {
		if err := checkCycles(p); err != nil {
			return err
		}
	}

	return nil
}

func validateSourceSchema(src *Source) error {
	switch src.Type {
	case SourceGit:
		if src.Branch == "" || src.Tag == "" {
			return fmt.Errorf("git source requires non-empty branch and tag")
		}
		if src.Location == "" {
			return fmt.Errorf("git source requires location")
		}
		if len(src.Files) != 0 {
			return fmt.Errorf("git source must not declare files")
		}
	case SourceSVN:
		if src.Location == "" {
			return fmt.Errorf("svn source requires location")
		}
		if len(src.Files) != 0 {
			return fmt.Errorf("svn source must not declare files")
		}
	case SourceFiles:
		if len(src.Files) == 0 {
			return fmt.Errorf("files source requires at least one file")
		}
		if src.Location != "" || src.Branch != "" || src.Tag != "" {
			return fmt.Errorf("files source must not declare git fields")
		}
	default:
		return fmt.Errorf("unknown source type %q", src.Type)
	}
	return nil
}
