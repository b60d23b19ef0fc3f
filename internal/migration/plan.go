package migration

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ForeignKey is a table-level dependency discovered from the schema
type ForeignKey struct {
	Table      string
	References string
}

// Plan validates the table list and returns the order to migrate in. With
// autoOrder the list is sorted topologically, ties keeping their declared
// order; otherwise the declared order must already place every table after
// its dependencies.
func Plan(specs []models.TableSpec, autoOrder bool) ([]models.TableSpec, error) {
	index := make(map[string]int, len(specs))
	for i, spec := range specs {
		if !tableNamePattern.MatchString(spec.Name) {
			return nil, fmt.Errorf("%w: invalid table name %q", utils.ErrPlan, spec.Name)
		}
		if _, dup := index[spec.Name]; dup {
			return nil, fmt.Errorf("%w: table %s listed twice", utils.ErrPlan, spec.Name)
		}
		index[spec.Name] = i
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on unknown table %s", utils.ErrPlan, spec.Name, dep)
			}
			if dep == spec.Name {
				return nil, fmt.Errorf("%w: %s depends on itself", utils.ErrPlan, spec.Name)
			}
		}
	}

	ordered, err := topoSort(specs, index)
	if err != nil {
		return nil, err
	}
	if autoOrder {
		return ordered, nil
	}

	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if index[dep] > i {
				return nil, fmt.Errorf("%w: %s is listed before its dependency %s (enable auto_order to reorder)",
					utils.ErrPlan, spec.Name, dep)
			}
		}
	}
	return specs, nil
}

// topoSort is Kahn's algorithm over declared positions
func topoSort(specs []models.TableSpec, index map[string]int) ([]models.TableSpec, error) {
	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, spec := range specs {
		seen := make(map[string]bool)
		for _, dep := range spec.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[i]++
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	var ready []int
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]models.TableSpec, 0, len(specs))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, specs[next])

		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(ordered) != len(specs) {
		var cyclic []string
		for i, spec := range specs {
			if indegree[i] > 0 {
				cyclic = append(cyclic, spec.Name)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle between %s", utils.ErrPlan, strings.Join(cyclic, ", "))
	}
	return ordered, nil
}

// Select restricts a planned order to the named tables, keeping the planned
// order. An empty selection keeps every table.
func Select(plan []models.TableSpec, names []string) ([]models.TableSpec, error) {
	if len(names) == 0 {
		return plan, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[strings.TrimSpace(name)] = true
	}

	var selected []models.TableSpec
	for _, spec := range plan {
		if wanted[spec.Name] {
			selected = append(selected, spec)
			delete(wanted, spec.Name)
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for name := range wanted {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown tables %s", utils.ErrPlan, strings.Join(unknown, ", "))
	}
	return selected, nil
}

// MergeForeignKeys adds schema dependencies to the declared ones. Keys that
// point outside the table list or at the table itself are ignored.
func MergeForeignKeys(specs []models.TableSpec, keys []ForeignKey) []models.TableSpec {
	known := make(map[string]bool, len(specs))
	for _, spec := range specs {
		known[spec.Name] = true
	}

	extra := make(map[string][]string)
	for _, fk := range keys {
		if fk.Table == fk.References || !known[fk.Table] || !known[fk.References] {
			continue
		}
		extra[fk.Table] = append(extra[fk.Table], fk.References)
	}

	merged := make([]models.TableSpec, len(specs))
	for i, spec := range specs {
		deps := append([]string(nil), spec.DependsOn...)
		have := make(map[string]bool, len(deps))
		for _, d := range deps {
			have[d] = true
		}
		for _, d := range extra[spec.Name] {
			if !have[d] {
				deps = append(deps, d)
				have[d] = true
			}
		}
		spec.DependsOn = deps
		merged[i] = spec
	}
	return merged
}
