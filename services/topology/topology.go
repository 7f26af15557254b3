// Package topology validates declarative topologies and computes the order
// in which their services must be reconciled.
package topology

import (
	"github.com/caravelhq/caravel/models"
)

// Validate checks name uniqueness, referential integrity of depends_on and
// network references, and acyclicity of the dependency graph. It runs before
// any side effect: an invalid topology never reaches the runtime.
func Validate(t *models.Topology) error {
	seen := make(map[string]struct{}, len(t.Services))
	for _, svc := range t.Services {
		if _, dup := seen[svc.Name]; dup {
			return &models.DuplicateServiceError{Name: svc.Name}
		}
		seen[svc.Name] = struct{}{}
	}

	networks := make(map[string]struct{}, len(t.Networks))
	for _, n := range t.Networks {
		networks[n.Name] = struct{}{}
	}
	volumes := make(map[string]struct{}, len(t.Volumes))
	for _, v := range t.Volumes {
		volumes[v.Name] = struct{}{}
	}

	for _, svc := range t.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := seen[dep]; !ok {
				return &models.UnknownReferenceError{Service: svc.Name, Kind: "service", Name: dep}
			}
		}
		for _, net := range svc.Networks {
			if _, ok := networks[net]; !ok {
				return &models.UnknownReferenceError{Service: svc.Name, Kind: "network", Name: net}
			}
		}
		for _, vm := range svc.Volumes {
			if vm.Volume == "" {
				continue
			}
			if _, ok := volumes[vm.Volume]; !ok {
				return &models.UnknownReferenceError{Service: svc.Name, Kind: "volume", Name: vm.Volume}
			}
		}
	}

	if cycle := findCycle(t); cycle != nil {
		return &models.CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

// DependencyOrder returns the services in reconcile order: every service
// appears after all members of its depends_on set. Kahn's algorithm; ties
// are broken by declaration order so the result is deterministic. The
// topology is validated first and an invalid one is never ordered.
func DependencyOrder(t *models.Topology) ([]models.Service, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(t.Services))
	dependents := make(map[string][]string, len(t.Services))
	for _, svc := range t.Services {
		indegree[svc.Name] += 0
		for _, dep := range svc.DependsOn {
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	order := make([]models.Service, 0, len(t.Services))
	remaining := len(t.Services)
	for remaining > 0 {
		progressed := false
		// Scan in declaration order so ready services emit in the order
		// they were declared.
		for _, svc := range t.Services {
			deg, pending := indegree[svc.Name]
			if !pending || deg != 0 {
				continue
			}
			order = append(order, *t.Service(svc.Name))
			delete(indegree, svc.Name)
			for _, d := range dependents[svc.Name] {
				indegree[d]--
			}
			remaining--
			progressed = true
		}
		if !progressed {
			// Unreachable after Validate, kept as a guard.
			return nil, &models.CyclicDependencyError{Cycle: leftoverNames(t, indegree)}
		}
	}
	return order, nil
}

func leftoverNames(t *models.Topology, indegree map[string]int) []string {
	var names []string
	for _, svc := range t.Services {
		if _, ok := indegree[svc.Name]; ok {
			names = append(names, svc.Name)
		}
	}
	return names
}

// findCycle runs a DFS over depends_on edges and reconstructs the first
// cycle it finds, first node repeated last for readability.
func findCycle(t *models.Topology) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]uint8, len(t.Services))
	var stack []string

	var dfs func(string) []string
	dfs = func(node string) []string {
		state[node] = visiting
		stack = append(stack, node)

		svc := t.Service(node)
		for _, dep := range svc.DependsOn {
			switch state[dep] {
			case visiting:
				// Back-edge: slice the cycle off the stack.
				for i, n := range stack {
					if n == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := dfs(dep); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = visited
		return nil
	}

	for _, svc := range t.Services {
		if state[svc.Name] == unvisited {
			if c := dfs(svc.Name); c != nil {
				return c
			}
		}
	}
	return nil
}
