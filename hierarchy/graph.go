/*
Package hierarchy provides the organization hierarchy graph.

PURPOSE:
  Organizational groups (field-agent, district-coordinator, ...) form a
  directed graph: each group has at most one parent and each parent
  edge carries a transactional-boundary flag marking the deepest group
  still participating in order transactions. Rule targeting, commission
  attribution, and report scoping all query this graph for ancestor and
  descendant sets.

INVARIANTS:
  - A group appears as parent in at most one edge.
  - A group appears as child in at most one edge.
  - An edge referencing a missing group is an internal-consistency
    error and should never occur.

TRAVERSAL:
  Pure depth-first search returning a freshly constructed set, safe for
  concurrent callers. With the boundary stop enabled, a flagged edge's
  far node is included but never descended past.
*/
package hierarchy

import (
	"context"
	"sync"
	"time"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// TYPES
// =============================================================================

type Group struct {
	ID        engine.GroupID
	Name      string
	CreatedAt time.Time
}

// Edge links a parent group to its child group. Transactional marks
// the child as the deepest group still tied to order transactions.
type Edge struct {
	Parent        engine.GroupID
	Child         engine.GroupID
	Transactional bool
	CreatedAt     time.Time
}

// Store persists groups and edges. Traversal never touches the store
// directly; the Service snapshots it into a Graph.
type Store interface {
	SaveGroup(ctx context.Context, group Group) error
	ListGroups(ctx context.Context) ([]Group, error)
	SaveEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, parent engine.GroupID) error
	ListEdges(ctx context.Context) ([]Edge, error)
}

// =============================================================================
// GRAPH - Immutable snapshot
// =============================================================================

type Graph struct {
	groups   map[engine.GroupID]Group
	children map[engine.GroupID][]Edge // keyed by parent
	parents  map[engine.GroupID][]Edge // keyed by child
}

// Build constructs a graph from a consistent snapshot of groups and
// edges, enforcing the one-parent-edge and one-child-edge invariants.
func Build(groups []Group, edges []Edge) (*Graph, error) {
	g := &Graph{
		groups:   make(map[engine.GroupID]Group, len(groups)),
		children: make(map[engine.GroupID][]Edge, len(edges)),
		parents:  make(map[engine.GroupID][]Edge, len(edges)),
	}
	for _, group := range groups {
		g.groups[group.ID] = group
	}
	for _, edge := range edges {
		if _, ok := g.groups[edge.Parent]; !ok {
			return nil, &engine.ConsistencyError{Message: "edge parent group " + string(edge.Parent) + " does not exist"}
		}
		if _, ok := g.groups[edge.Child]; !ok {
			return nil, &engine.ConsistencyError{Message: "edge child group " + string(edge.Child) + " does not exist"}
		}
		if len(g.children[edge.Parent]) > 0 {
			return nil, &engine.ConsistencyError{Message: "group " + string(edge.Parent) + " appears as parent in multiple edges"}
		}
		if len(g.parents[edge.Child]) > 0 {
			return nil, &engine.ConsistencyError{Message: "group " + string(edge.Child) + " appears as child in multiple edges"}
		}
		g.children[edge.Parent] = append(g.children[edge.Parent], edge)
		g.parents[edge.Child] = append(g.parents[edge.Child], edge)
	}
	return g, nil
}

// Descendants returns the set of groups below start, excluding start
// itself. Callers needing "include self" union explicitly.
//
// With stopAtBoundary set, traversal does not descend past a
// transactional edge's child. Special case: a group with no
// descendants whose own incoming edge is transactional yields exactly
// {start} - the caller is leaf-equivalent for payout purposes.
func (g *Graph) Descendants(start engine.GroupID, stopAtBoundary bool) (map[engine.GroupID]struct{}, error) {
	return g.traverse(start, stopAtBoundary, g.children)
}

// Ancestors returns the set of groups above start, excluding start
// itself, with the same boundary semantics.
func (g *Graph) Ancestors(start engine.GroupID, stopAtBoundary bool) (map[engine.GroupID]struct{}, error) {
	return g.traverse(start, stopAtBoundary, g.parents)
}

func (g *Graph) traverse(start engine.GroupID, stopAtBoundary bool, edges map[engine.GroupID][]Edge) (map[engine.GroupID]struct{}, error) {
	if _, ok := g.groups[start]; !ok {
		return nil, &engine.NotFoundError{Kind: "group", ID: string(start)}
	}

	visited := make(map[engine.GroupID]struct{})
	g.visit(start, stopAtBoundary, edges, visited)
	delete(visited, start)

	if len(visited) == 0 && stopAtBoundary {
		// Leaf-equivalent caller: its own incoming edge carries the
		// transactional flag, so the result is exactly {start}.
		for _, edge := range g.parents[start] {
			if edge.Transactional {
				return map[engine.GroupID]struct{}{start: {}}, nil
			}
		}
	}
	return visited, nil
}

func (g *Graph) visit(node engine.GroupID, stopAtBoundary bool, edges map[engine.GroupID][]Edge, visited map[engine.GroupID]struct{}) {
	if _, seen := visited[node]; seen {
		return
	}
	visited[node] = struct{}{}

	for _, edge := range edges[node] {
		next := edge.Child
		if next == node {
			next = edge.Parent
		}
		if stopAtBoundary && edge.Transactional {
			// Include the boundary node but do not descend past it.
			visited[next] = struct{}{}
			continue
		}
		g.visit(next, stopAtBoundary, edges, visited)
	}
}

// =============================================================================
// SERVICE - Cached graph over the edge store
// =============================================================================

// Service caches the built graph process-wide and invalidates it on
// any group or edge write. Traversal is a pure read, so no locking
// beyond the snapshot swap is needed.
type Service struct {
	Store Store

	mu    sync.RWMutex
	graph *Graph
}

func NewService(store Store) *Service {
	return &Service{Store: store}
}

func (s *Service) snapshot(ctx context.Context) (*Graph, error) {
	s.mu.RLock()
	cached := s.graph
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	groups, err := s.Store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.Store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	graph, err := Build(groups, edges)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.graph = graph
	s.mu.Unlock()
	return graph, nil
}

// Snapshot returns the stored groups and edges as-is, for admin views.
func (s *Service) Snapshot(ctx context.Context) ([]Group, []Edge, error) {
	groups, err := s.Store.ListGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.Store.ListEdges(ctx)
	if err != nil {
		return nil, nil, err
	}
	return groups, edges, nil
}

// Invalidate drops the cached graph. Call after any edge write.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.graph = nil
	s.mu.Unlock()
}

func (s *Service) Descendants(ctx context.Context, start engine.GroupID, stopAtBoundary bool) (map[engine.GroupID]struct{}, error) {
	graph, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return graph.Descendants(start, stopAtBoundary)
}

func (s *Service) Ancestors(ctx context.Context, start engine.GroupID, stopAtBoundary bool) (map[engine.GroupID]struct{}, error) {
	graph, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return graph.Ancestors(start, stopAtBoundary)
}

// CreateGroup persists a group and invalidates the cache.
func (s *Service) CreateGroup(ctx context.Context, group Group) error {
	if err := s.Store.SaveGroup(ctx, group); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// CreateEdge persists an edge and invalidates the cache. Uniqueness
// invariants are enforced by the store.
func (s *Service) CreateEdge(ctx context.Context, edge Edge) error {
	if err := s.Store.SaveEdge(ctx, edge); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// DeleteEdge removes the edge rooted at parent and invalidates the cache.
func (s *Service) DeleteEdge(ctx context.Context, parent engine.GroupID) error {
	if err := s.Store.DeleteEdge(ctx, parent); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}
