package config

import (
	"fmt"
	"slices"
)

// Levels groups entities into dependency levels: every entity appears in a
// later level than everything it depends on. Names within a level are
// sorted. Returns an error if depends_on forms a cycle or names an
// unknown entity.
func (p *Pipeline) Levels() ([][]string, error) {
	pending := make(map[string][]string, len(p.Entities))
	for _, e := range p.Entities {
		pending[e.Name] = e.DependsOn
	}
	for name, deps := range pending {
		for _, d := range deps {
			if _, ok := pending[d]; !ok {
				return nil, fmt.Errorf("entity %s depends on unknown entity %q", name, d)
			}
		}
	}

	done := make(map[string]bool, len(pending))
	var levels [][]string
	for len(done) < len(pending) {
		var level []string
		for name, deps := range pending {
			if done[name] {
				continue
			}
			ready := true
			for _, d := range deps {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("dependency cycle among %v", p.dependencyCycles())
		}
		slices.Sort(level)
		for _, name := range level {
			done[name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// dependencyCycles returns each cycle in the depends_on graph as a path
// that starts and ends on the same entity. Unknown dependencies are ignored.
func (p *Pipeline) dependencyCycles() [][]string {
	graph := make(map[string][]string, len(p.Entities))
	for _, e := range p.Entities {
		graph[e.Name] = append(graph[e.Name], e.DependsOn...)
	}
	for name, deps := range graph {
		graph[name] = slices.DeleteFunc(slices.Clone(deps), func(d string) bool {
			_, ok := graph[d]
			return !ok
		})
	}

	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			cycles = append(cycles, cyclePath(scc, graph))
		}
	}
	slices.SortFunc(cycles, func(a, b []string) int { return slices.Compare(a, b) })
	return cycles
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so the output is deterministic.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath walks edges inside scc from its smallest member back to itself.
func cyclePath(scc []string, graph map[string][]string) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if w == start && len(path) > 1 {
				next = w
				break
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}
	return path
}
