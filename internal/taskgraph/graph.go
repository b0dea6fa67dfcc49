// Package taskgraph implements the in-memory dependency DAG over
// currently-pending tasks: cycle-free admission, ready-set computation
// with priority ordering, and topological sort for planning/display.
//
// The graph holds no reference to the Store; the Queue is responsible
// for reconciling it with persisted state at startup.
package taskgraph

import (
	"sort"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
)

// Graph is the pure in-memory dependency structure described in the
// orchestration contract. It is not safe for concurrent use; callers
// (the Queue) serialize access with their own mutex.
type Graph struct {
	deps      map[string]map[string]struct{} // task id -> direct dependencies
	rev       map[string]map[string]struct{} // task id -> direct dependents
	tasks     map[string]*domain.Task        // task id -> snapshot
	completed map[string]struct{}
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		deps:      make(map[string]map[string]struct{}),
		rev:       make(map[string]map[string]struct{}),
		tasks:     make(map[string]*domain.Task),
		completed: make(map[string]struct{}),
	}
}

// Add inserts task into the graph. It rejects self-dependencies and
// any insertion that would introduce a cycle, leaving the graph
// unchanged on rejection (the admission check amortizes cycle
// detection so ready-set reads never re-check).
func (g *Graph) Add(task *domain.Task) error {
	id := task.ID
	if task.HasDependency(id) {
		return apperr.New("taskgraph.Add", apperr.KindCycle, nil)
	}

	deps := make(map[string]struct{}, len(task.Dependencies))
	for _, d := range task.Dependencies {
		deps[d] = struct{}{}
	}

	// Insert in place, remembering the previous entries so the
	// insertion can be undone by hand if it introduces a cycle.
	prevTask, hadTask := g.tasks[id]
	prevDeps, hadDeps := g.deps[id]

	g.tasks[id] = task
	g.deps[id] = deps
	for dep := range deps {
		g.addRevEdge(dep, id)
	}

	if g.hasCycle() {
		for dep := range deps {
			g.removeRevEdge(dep, id)
		}
		if hadTask {
			g.tasks[id] = prevTask
		} else {
			delete(g.tasks, id)
		}
		if hadDeps {
			g.deps[id] = prevDeps
			for dep := range prevDeps {
				g.addRevEdge(dep, id)
			}
		} else {
			delete(g.deps, id)
		}
		return apperr.New("taskgraph.Add", apperr.KindCycle, nil)
	}

	return nil
}

func (g *Graph) addRevEdge(dep, dependent string) {
	set, ok := g.rev[dep]
	if !ok {
		set = make(map[string]struct{})
		g.rev[dep] = set
	}
	set[dependent] = struct{}{}
}

func (g *Graph) removeRevEdge(dep, dependent string) {
	if set, ok := g.rev[dep]; ok {
		delete(set, dependent)
		if len(set) == 0 {
			delete(g.rev, dep)
		}
	}
}

// Remove erases id and all incident edges from the graph.
func (g *Graph) Remove(id string) {
	if _, ok := g.tasks[id]; !ok {
		return
	}
	for dep := range g.deps[id] {
		g.removeRevEdge(dep, id)
	}
	for dependent := range g.rev[id] {
		if s := g.deps[dependent]; s != nil {
			delete(s, id)
		}
	}
	delete(g.deps, id)
	delete(g.rev, id)
	delete(g.tasks, id)
	delete(g.completed, id)
}

// MarkComplete records id as completed, so dependents can observe
// satisfaction in the ready check.
func (g *Graph) MarkComplete(id string) {
	g.completed[id] = struct{}{}
}

// IsComplete reports whether id has been marked complete.
func (g *Graph) IsComplete(id string) bool {
	_, ok := g.completed[id]
	return ok
}

// dependenciesSatisfied reports whether every id in deps is either
// completed or unknown to the graph (an unknown dependency id is
// treated as an externally-satisfied no-op per the edge policy).
func (g *Graph) dependenciesSatisfied(deps map[string]struct{}) bool {
	for dep := range deps {
		if _, known := g.tasks[dep]; !known {
			continue
		}
		if _, done := g.completed[dep]; !done {
			return false
		}
	}
	return true
}

// Ready returns all tasks whose status is pending or queued and whose
// dependencies are all satisfied, sorted by (priority ASC, created_at
// ASC, id ASC).
func (g *Graph) Ready() []*domain.Task {
	var ready []*domain.Task
	for id, task := range g.tasks {
		if _, done := g.completed[id]; done {
			continue
		}
		if task.Status != domain.TaskPending && task.Status != domain.TaskQueued {
			continue
		}
		if g.dependenciesSatisfied(g.deps[id]) {
			ready = append(ready, task)
		}
	}
	sortByPriority(ready)
	return ready
}

func sortByPriority(tasks []*domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Dependencies returns the direct dependency ids of id.
func (g *Graph) Dependencies(id string) []string {
	return setToSlice(g.deps[id])
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return setToSlice(g.rev[id])
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AllTransitiveDeps returns every id reachable from id by following
// dependency edges, for explain/diagnostics.
func (g *Graph) AllTransitiveDeps(id string) map[string]struct{} {
	all := make(map[string]struct{})
	stack := setToSlice(g.deps[id])
	for len(stack) > 0 {
		n := len(stack) - 1
		dep := stack[n]
		stack = stack[:n]
		if _, seen := all[dep]; seen {
			continue
		}
		all[dep] = struct{}{}
		stack = append(stack, setToSlice(g.deps[dep])...)
	}
	return all
}

// TopoSort returns every contained task id in topological order using
// Kahn's algorithm, ordering the frontier by priority within a layer.
// It returns a cycle error if the graph is inconsistent — this should
// be unreachable post-admission and exists as an audit.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = 0
	}
	for id := range g.tasks {
		for dep := range g.deps[id] {
			if _, ok := inDegree[dep]; ok {
				inDegree[id]++
			}
		}
	}

	var frontier []string
	for id, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, id)
		}
	}

	result := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			ti, tj := g.tasks[frontier[i]], g.tasks[frontier[j]]
			if ti.Priority != tj.Priority {
				return ti.Priority < tj.Priority
			}
			return frontier[i] < frontier[j]
		})
		next := frontier[0]
		frontier = frontier[1:]
		result = append(result, next)

		for dependent := range g.rev[next] {
			if _, ok := inDegree[dependent]; !ok {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if len(result) != len(g.tasks) {
		return nil, apperr.New("taskgraph.TopoSort", apperr.KindCycle, nil)
	}
	return result, nil
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		color[id] = white
	}

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for dep := range g.deps[id] {
			if _, known := color[dep]; !known {
				continue
			}
			switch color[dep] {
			case gray:
				return true
			case white:
				if dfs(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.tasks {
		if color[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}

// Stats summarizes the graph's current contents.
type Stats struct {
	TotalTasks     int
	CompletedTasks int
	PendingTasks   int
	ReadyTasks     int
}

// Stats returns graph statistics.
func (g *Graph) Stats() Stats {
	return Stats{
		TotalTasks:     len(g.tasks),
		CompletedTasks: len(g.completed),
		PendingTasks:   len(g.tasks) - len(g.completed),
		ReadyTasks:     len(g.Ready()),
	}
}

// Contains reports whether id is currently held by the graph.
func (g *Graph) Contains(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Clear empties the graph.
func (g *Graph) Clear() {
	g.deps = make(map[string]map[string]struct{})
	g.rev = make(map[string]map[string]struct{})
	g.tasks = make(map[string]*domain.Task)
	g.completed = make(map[string]struct{})
}
