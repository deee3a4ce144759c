// Package graph orders interdependent pipelines.
//
// An edge From -> To means pipeline From depends on pipeline To: To must
// complete before From may run. Graph rejects cycle-closing edges on insert
// and recomputes a full, deterministic topological order on Validate.
package graph

import (
	"sort"
	"sync"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Edge declares that From depends on To.
type Edge struct {
	From domain.PipelineID
	To   domain.PipelineID
}

// Set is a set of pipeline identities.
type Set map[domain.PipelineID]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...domain.PipelineID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s Set) Add(id domain.PipelineID) { s[id] = struct{}{} }

// Has reports membership.
func (s Set) Has(id domain.PipelineID) bool {
	_, ok := s[id]
	return ok
}

// Graph is a dependency graph over pipeline identities. Nodes keep their
// declaration order, which breaks ties wherever several nodes are eligible.
//
// It is safe for concurrent use.
type Graph struct {
	mu         sync.RWMutex
	index      map[domain.PipelineID]int
	nodes      []domain.PipelineID
	deps       [][]int // node -> nodes it depends on, ascending
	dependents [][]int // node -> nodes depending on it, ascending
	edges      map[[2]int]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[domain.PipelineID]int),
		edges: make(map[[2]int]struct{}),
	}
}

// Load builds a graph from nodes and edges without incremental cycle checks.
// Nodes referenced only by edges are declared after the explicit nodes, in
// edge order. Callers must run Validate before scheduling from the result.
func Load(nodes []domain.PipelineID, edges []Edge) *Graph {
	g := New()
	for _, id := range nodes {
		g.addNodeLocked(id)
	}
	for _, e := range edges {
		from := g.addNodeLocked(e.From)
		to := g.addNodeLocked(e.To)
		g.linkLocked(from, to)
	}
	return g
}

// AddNode declares a node. Declaring an existing node is a no-op.
func (g *Graph) AddNode(id domain.PipelineID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(id)
}

// AddEdge records that from depends on to, declaring either node if needed.
// It returns a *domain.CycleError, leaving the graph unchanged, when the edge
// is a self-loop or when to can already reach from.
func (g *Graph) AddEdge(from, to domain.PipelineID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to {
		return &domain.CycleError{Path: []domain.PipelineID{from, from}}
	}

	fi, fok := g.index[from]
	ti, tok := g.index[to]
	if fok && tok {
		if _, dup := g.edges[[2]int{fi, ti}]; dup {
			return nil
		}
		if path := g.pathLocked(ti, fi); path != nil {
			cycle := make([]domain.PipelineID, 0, len(path)+1)
			cycle = append(cycle, from)
			for _, idx := range path {
				cycle = append(cycle, g.nodes[idx])
			}
			return &domain.CycleError{Path: cycle}
		}
	}

	fi = g.addNodeLocked(from)
	ti = g.addNodeLocked(to)
	g.linkLocked(fi, ti)
	return nil
}

// Validate computes a total order in which every node appears after all of
// its dependencies. Among nodes that are ready at the same time, declaration
// order wins. It returns a *domain.CycleError if the graph is cyclic.
func (g *Graph) Validate() ([]domain.PipelineID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := len(g.nodes)
	pending := make([]int, n)
	for i := range g.nodes {
		pending[i] = len(g.deps[i])
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]domain.PipelineID, 0, n)
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		order = append(order, g.nodes[u])
		for _, v := range g.dependents[u] {
			pending[v]--
			if pending[v] == 0 {
				ready = insertSorted(ready, v)
			}
		}
	}

	if len(order) != n {
		return nil, &domain.CycleError{Path: g.findCycleLocked(pending)}
	}
	return order, nil
}

// ReadySet returns, in declaration order, every node that is not completed
// and whose dependencies are all completed.
func (g *Graph) ReadySet(completed Set) []domain.PipelineID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []domain.PipelineID
	for i, id := range g.nodes {
		if completed.Has(id) {
			continue
		}
		ok := true
		for _, d := range g.deps[i] {
			if !completed.Has(g.nodes[d]) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []domain.PipelineID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]domain.PipelineID(nil), g.nodes...)
}

// Dependencies returns the direct dependencies of id in declaration order.
func (g *Graph) Dependencies(id domain.PipelineID) []domain.PipelineID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.namesLocked(g.deps[i])
}

// Dependents returns the nodes that directly depend on id, in declaration order.
func (g *Graph) Dependents(id domain.PipelineID) []domain.PipelineID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.namesLocked(g.dependents[i])
}

// Downstream returns every node that transitively depends on id.
func (g *Graph) Downstream(id domain.PipelineID) Set {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(Set)
	start, ok := g.index[id]
	if !ok {
		return out
	}
	stack := append([]int(nil), g.dependents[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Has(g.nodes[u]) {
			continue
		}
		out.Add(g.nodes[u])
		stack = append(stack, g.dependents[u]...)
	}
	return out
}

// Edges returns all edges, ordered by (From, To) declaration index.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pairs := make([][2]int, 0, len(g.edges))
	for p := range g.edges {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	out := make([]Edge, len(pairs))
	for i, p := range pairs {
		out[i] = Edge{From: g.nodes[p[0]], To: g.nodes[p[1]]}
	}
	return out
}

func (g *Graph) addNodeLocked(id domain.PipelineID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.nodes)
	g.index[id] = i
	g.nodes = append(g.nodes, id)
	g.deps = append(g.deps, nil)
	g.dependents = append(g.dependents, nil)
	return i
}

func (g *Graph) linkLocked(from, to int) {
	key := [2]int{from, to}
	if _, dup := g.edges[key]; dup {
		return
	}
	g.edges[key] = struct{}{}
	g.deps[from] = insertSorted(g.deps[from], to)
	g.dependents[to] = insertSorted(g.dependents[to], from)
}

// pathLocked returns the node indices of a dependency path src -> ... -> dst,
// or nil if dst is unreachable from src.
func (g *Graph) pathLocked(src, dst int) []int {
	parent := make(map[int]int, len(g.nodes))
	parent[src] = -1
	queue := []int{src}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if u == dst {
			var path []int
			for v := dst; v != -1; v = parent[v] {
				path = append(path, v)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, v := range g.deps[u] {
			if _, seen := parent[v]; !seen {
				parent[v] = u
				queue = append(queue, v)
			}
		}
	}
	return nil
}

// findCycleLocked walks dependency edges among nodes Kahn could not emit and
// returns one cycle, first node repeated last.
func (g *Graph) findCycleLocked(pending []int) []domain.PipelineID {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	stack := make([]int, 0, len(g.nodes))

	var cycle []domain.PipelineID
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range g.deps[u] {
			if pending[v] == 0 {
				continue
			}
			switch color[v] {
			case grey:
				start := len(stack) - 1
				for stack[start] != v {
					start--
				}
				for _, idx := range stack[start:] {
					cycle = append(cycle, g.nodes[idx])
				}
				cycle = append(cycle, g.nodes[v])
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if pending[i] > 0 && color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) namesLocked(idx []int) []domain.PipelineID {
	out := make([]domain.PipelineID, len(idx))
	for i, v := range idx {
		out[i] = g.nodes[v]
	}
	return out
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
