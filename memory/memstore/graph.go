package memstore

import (
	"context"
	"sync"

	"github.com/memhive/memoryd/memory"
)

type node struct {
	labels []string
	props  map[string]any
}

// Graph is an in-memory GraphStore. Edges are deduplicated on
// (src, dst, type); merging an existing edge refreshes its props.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	edges []memory.Edge
}

// NewGraph returns an empty graph store.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

func (g *Graph) MergeNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		n = &node{props: make(map[string]any)}
		g.nodes[id] = n
	}
	n.labels = append([]string(nil), labels...)
	for k, v := range props {
		n.props[k] = v
	}
	return nil
}

func (g *Graph) MergeEdge(ctx context.Context, src, dst, edgeType string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.edges {
		if e.Src == src && e.Dst == dst && e.Type == edgeType {
			g.edges[i].Props = props
			return nil
		}
	}
	g.edges = append(g.edges, memory.Edge{Src: src, Dst: dst, Type: edgeType, Props: props})
	return nil
}

// Neighborhood walks edges in both directions up to depth hops out from id.
func (g *Graph) Neighborhood(ctx context.Context, id string, depth int, edgeTypes []string) ([]memory.Edge, error) {
	if depth <= 0 {
		depth = 1
	}
	typeOK := func(t string) bool {
		if len(edgeTypes) == 0 {
			return true
		}
		for _, et := range edgeTypes {
			if et == t {
				return true
			}
		}
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	frontier := map[string]bool{id: true}
	visited := map[string]bool{id: true}
	seen := make(map[[3]string]bool)
	var out []memory.Edge
	for hop := 0; hop < depth; hop++ {
		next := make(map[string]bool)
		for _, e := range g.edges {
			if !typeOK(e.Type) {
				continue
			}
			var other string
			switch {
			case frontier[e.Src]:
				other = e.Dst
			case frontier[e.Dst]:
				other = e.Src
			default:
				continue
			}
			key := [3]string{e.Src, e.Dst, e.Type}
			if !seen[key] {
				seen[key] = true
				out = append(out, e)
			}
			if !visited[other] {
				visited[other] = true
				next[other] = true
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return out, nil
}

func (g *Graph) MoveEdges(ctx context.Context, from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.edges[:0]
	seen := make(map[[3]string]bool)
	for _, e := range g.edges {
		if e.Src == from {
			e.Src = to
		}
		if e.Dst == from {
			e.Dst = to
		}
		if e.Src == e.Dst {
			continue
		}
		key := [3]string{e.Src, e.Dst, e.Type}
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, e)
	}
	g.edges = kept
	return nil
}

func (g *Graph) DeleteNode(ctx context.Context, id string, cascade bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	if !cascade {
		return nil
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Src == id || e.Dst == id {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return nil
}

func (g *Graph) Ping(ctx context.Context) error { return nil }

var _ memory.GraphStore = (*Graph)(nil)
