// Package depgraph keeps the in-memory adjacency of parent→child job edges
// used for dependency fan-out. It is rebuilt from persisted edges at startup
// and mutated under the same façade lock as the durable edge set.
package depgraph

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrSelfEdge rejects edges from a job to itself.
	ErrSelfEdge = errors.New("job cannot depend on itself")

	// ErrCycle rejects edges that would make a child an (indirect) ancestor
	// of its parent. Cycles would cause unbounded fan-out recursion.
	ErrCycle = errors.New("dependency would create a cycle")
)

type Graph struct {
	mu       sync.RWMutex
	children map[string]map[string]struct{}
	parents  map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{
		children: make(map[string]map[string]struct{}),
		parents:  make(map[string]map[string]struct{}),
	}
}

// AddEdge inserts (parent, child). Re-adding an existing edge is a no-op
// success with added=false. The graph is left untouched on error.
func (g *Graph) AddEdge(parent, child string) (added bool, err error) {
	if parent == child {
		return false, ErrSelfEdge
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.children[parent][child]; ok {
		return false, nil
	}
	// The edge closes a cycle iff parent is already reachable from child.
	if g.reachableLocked(child, parent) {
		return false, ErrCycle
	}

	if g.children[parent] == nil {
		g.children[parent] = make(map[string]struct{})
	}
	if g.parents[child] == nil {
		g.parents[child] = make(map[string]struct{})
	}
	g.children[parent][child] = struct{}{}
	g.parents[child][parent] = struct{}{}
	return true, nil
}

// RemoveEdge deletes (parent, child); absent edges are a no-op.
func (g *Graph) RemoveEdge(parent, child string) (removed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.children[parent][child]; !ok {
		return false
	}
	delete(g.children[parent], child)
	delete(g.parents[child], parent)
	if len(g.children[parent]) == 0 {
		delete(g.children, parent)
	}
	if len(g.parents[child]) == 0 {
		delete(g.parents, child)
	}
	return true
}

// RemoveNode drops the job and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for child := range g.children[id] {
		delete(g.parents[child], id)
		if len(g.parents[child]) == 0 {
			delete(g.parents, child)
		}
	}
	for parent := range g.parents[id] {
		delete(g.children[parent], id)
		if len(g.children[parent]) == 0 {
			delete(g.children, parent)
		}
	}
	delete(g.children, id)
	delete(g.parents, id)
}

// Children returns the direct children of id, sorted for determinism.
func (g *Graph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.children[id]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasParents reports whether id has at least one incoming edge, i.e. whether
// the job is dependency-triggered.
func (g *Graph) HasParents(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.parents[id]) > 0
}

// reachableLocked walks children from `from` looking for `to`.
func (g *Graph) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for c := range g.children[n] {
			if c == to {
				return true
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			stack = append(stack, c)
		}
	}
	return false
}
