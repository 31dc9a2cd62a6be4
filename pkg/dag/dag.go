// Package dag implements the dependency engine (C7): cycle detection,
// topological ordering and transitive closure over a project's result
// graph.
package dag

import (
	"fmt"
	"sort"

	"github.com/kilnforge/kiln/pkg/model"
)

type colour int

const (
	white colour = iota
	grey
	black
)

// CycleError is raised when the depends relation contains a cycle. Cycle
// lists the offending path, starting and ending on the repeated result.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// DirectDeps returns result's direct dependencies, sorted lexicographically.
func DirectDeps(p *model.Project, result string) ([]string, error) {
	res, ok := p.Results[result]
	if !ok {
		return nil, fmt.Errorf("result %q not found", result)
	}
	deps := append([]string(nil), res.Depends...)
	sort.Strings(deps)
	return deps, nil
}

// TopoSort returns the full topological order of every result in the
// project. Ties are broken lexicographically by name for reproducible
// output.
func TopoSort(p *model.Project) ([]string, error) {
	names := make([]string, 0, len(p.Results))
	for name := range p.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return topoVisit(p, names)
}

// Closure returns the topologically ordered closure of results reachable
// from seeds (dlist_recursive), seeds included.
func Closure(p *model.Project, seeds []string) ([]string, error) {
	sorted := append([]string(nil), seeds...)
	sort.Strings(sorted)
	return topoVisit(p, sorted)
}

func topoVisit(p *model.Project, roots []string) ([]string, error) {
	colours := make(map[string]colour, len(p.Results))
	order := make([]string, 0, len(p.Results))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colours[name] {
		case black:
			return nil
		case grey:
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), name)
			return &CycleError{Cycle: cycle}
		}
		res, ok := p.Results[name]
		if !ok {
			return fmt.Errorf("result %q not found", name)
		}
		colours[name] = grey
		path = append(path, name)

		deps := append([]string(nil), res.Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		colours[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CheckCycles adapts TopoSort to model.CycleChecker, so pkg/model can
// validate acyclicity without importing pkg/dag's result types directly
// at the call site.
func CheckCycles(p *model.Project) error {
	_, err := TopoSort(p)
	var cycleErr *CycleError
	if err != nil {
		if ce, ok := err.(*CycleError); ok {
			cycleErr = ce
			return cycleErr
		}
		return err
	}
	return nil
}
