package graph

import (
	"sort"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Graph is the in-memory DAG representation of a workflow definition. Tasks
// live in an arena indexed by position; adjacency is stored as index sets so
// concurrent reads, cycle detection, and serialization need no pointer
// chasing.
type Graph struct {
	Tasks []schema.TaskDefinition // arena, definition order preserved

	index      map[string]int // task_id -> arena index
	deps       [][]int        // arena index -> dependency indices
	dependents [][]int        // arena index -> dependent indices

	// Layers groups arena indices into topological layers: every task's
	// dependencies sit in strictly earlier layers. Computed by Build.
	Layers [][]int
}

// Build constructs a Graph from an already-validated definition. It assumes
// ids are unique, references resolvable, and the graph acyclic; Validate
// enforces that before any Graph is built.
func Build(def *schema.WorkflowDefinition) *Graph {
	g := &Graph{
		Tasks: def.Tasks,
		index: make(map[string]int, len(def.Tasks)),
	}
	for i, t := range def.Tasks {
		g.index[t.TaskID] = i
	}

	g.deps = make([][]int, len(def.Tasks))
	g.dependents = make([][]int, len(def.Tasks))
	for i, t := range def.Tasks {
		for _, dep := range t.DependsOn {
			j := g.index[dep]
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	g.Layers = computeLayers(g)
	return g
}

// Task returns the definition for a task id, or nil if unknown.
func (g *Graph) Task(id string) *schema.TaskDefinition {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.Tasks[i]
}

// Dependencies returns the task ids the given task depends on.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, j := range g.deps[i] {
		out = append(out, g.Tasks[j].TaskID)
	}
	return out
}

// Dependents returns the task ids that directly depend on the given task.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dependents[i]))
	for _, j := range g.dependents[i] {
		out = append(out, g.Tasks[j].TaskID)
	}
	return out
}

// TransitiveDependents returns every task reachable from id through dependent
// edges, in lexical order. Used to cascade cancellation from a terminally
// failed task under continue_on_error.
func (g *Graph) TransitiveDependents(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make(map[int]bool)
	queue := append([]int(nil), g.dependents[start]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.dependents[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, g.Tasks[n].TaskID)
	}
	sort.Strings(out)
	return out
}

// LayerIDs converts Layers to task ids, each layer sorted lexically.
func (g *Graph) LayerIDs() [][]string {
	out := make([][]string, len(g.Layers))
	for i, layer := range g.Layers {
		ids := make([]string, 0, len(layer))
		for _, n := range layer {
			ids = append(ids, g.Tasks[n].TaskID)
		}
		sort.Strings(ids)
		out[i] = ids
	}
	return out
}

// computeLayers groups tasks by topological depth: a task's depth is one more
// than the max depth of its dependencies.
func computeLayers(g *Graph) [][]int {
	depth := make([]int, len(g.Tasks))
	order := topoOrder(g)

	maxDepth := 0
	for _, n := range order {
		d := 0
		for _, dep := range g.deps[n] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[n] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]int, maxDepth+1)
	for _, n := range order {
		layers[depth[n]] = append(layers[depth[n]], n)
	}
	return layers
}

// topoOrder runs Kahn's algorithm over an acyclic graph.
func topoOrder(g *Graph) []int {
	inDegree := make([]int, len(g.Tasks))
	for i := range g.Tasks {
		inDegree[i] = len(g.deps[i])
	}

	queue := make([]int, 0, len(g.Tasks))
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(g.Tasks))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, dep := range g.dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order
}
