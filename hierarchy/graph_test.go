package hierarchy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
	"github.com/warp/commission-engine/store/memory"
)

func group(id string) hierarchy.Group {
	return hierarchy.Group{ID: engine.GroupID(id), Name: id, CreatedAt: time.Now()}
}

func edge(parent, child string, transactional bool) hierarchy.Edge {
	return hierarchy.Edge{
		Parent:        engine.GroupID(parent),
		Child:         engine.GroupID(child),
		Transactional: transactional,
	}
}

func ids(set map[engine.GroupID]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, string(id))
	}
	return out
}

// chainGraph builds national -> region -> territory -> agent, with the
// region -> territory edge marking territory as the transactional
// boundary.
func chainGraph(t *testing.T) *hierarchy.Graph {
	t.Helper()
	g, err := hierarchy.Build(
		[]hierarchy.Group{group("national"), group("region"), group("territory"), group("agent")},
		[]hierarchy.Edge{
			edge("national", "region", false),
			edge("region", "territory", true),
			edge("territory", "agent", false),
		},
	)
	require.NoError(t, err)
	return g
}

// =============================================================================
// BUILD INVARIANTS
// =============================================================================

func TestBuild_RejectsSecondEdgeFromSameParent(t *testing.T) {
	_, err := hierarchy.Build(
		[]hierarchy.Group{group("a"), group("b"), group("c")},
		[]hierarchy.Edge{edge("a", "b", false), edge("a", "c", false)},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInternalConsistency)
}

func TestBuild_RejectsSecondEdgeIntoSameChild(t *testing.T) {
	_, err := hierarchy.Build(
		[]hierarchy.Group{group("a"), group("b"), group("c")},
		[]hierarchy.Edge{edge("a", "c", false), edge("b", "c", false)},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInternalConsistency)
}

func TestBuild_RejectsEdgeToMissingGroup(t *testing.T) {
	_, err := hierarchy.Build(
		[]hierarchy.Group{group("a")},
		[]hierarchy.Edge{edge("a", "ghost", false)},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInternalConsistency)
}

// =============================================================================
// TRAVERSAL
// =============================================================================

func TestDescendants_FullChain(t *testing.T) {
	g := chainGraph(t)

	got, err := g.Descendants("national", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region", "territory", "agent"}, ids(got))
}

func TestDescendants_StopsAtTransactionalBoundary(t *testing.T) {
	g := chainGraph(t)

	// The boundary group itself is included; nothing below it is
	got, err := g.Descendants("national", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region", "territory"}, ids(got))
}

func TestDescendants_ExcludesStart(t *testing.T) {
	g := chainGraph(t)

	got, err := g.Descendants("territory", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent"}, ids(got))
}

func TestAncestors_FullChain(t *testing.T) {
	g := chainGraph(t)

	got, err := g.Ancestors("agent", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"territory", "region", "national"}, ids(got))
}

func TestAncestors_StopsAtTransactionalBoundary(t *testing.T) {
	g := chainGraph(t)

	// Climbing from agent crosses territory, then the transactional edge
	// admits region but nothing above it
	got, err := g.Ancestors("agent", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"territory", "region"}, ids(got))
}

func TestDescendants_LeafOnTransactionalEdgeYieldsSelf(t *testing.T) {
	// GIVEN a two-group chain whose only edge is transactional
	g, err := hierarchy.Build(
		[]hierarchy.Group{group("region"), group("agent")},
		[]hierarchy.Edge{edge("region", "agent", true)},
	)
	require.NoError(t, err)

	// WHEN the boundary leaf asks for its transactional descendants
	got, err := g.Descendants("agent", true)
	require.NoError(t, err)

	// THEN it is its own payout scope
	assert.ElementsMatch(t, []string{"agent"}, ids(got))
}

func TestDescendants_PlainLeafIsEmpty(t *testing.T) {
	g := chainGraph(t)

	got, err := g.Descendants("agent", true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTraversal_UnknownStart(t *testing.T) {
	g := chainGraph(t)

	_, err := g.Descendants("ghost", false)
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// SERVICE - Cached snapshot over the store
// =============================================================================

func newHierarchyService(t *testing.T) (*hierarchy.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return hierarchy.NewService(store), store
}

func TestService_TraversalReflectsWrites(t *testing.T) {
	svc, _ := newHierarchyService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateGroup(ctx, group("national")))
	require.NoError(t, svc.CreateGroup(ctx, group("region")))
	require.NoError(t, svc.CreateEdge(ctx, edge("national", "region", false)))

	got, err := svc.Descendants(ctx, "national", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region"}, ids(got))

	// WHEN the chain grows after the first traversal cached the graph
	require.NoError(t, svc.CreateGroup(ctx, group("territory")))
	require.NoError(t, svc.CreateEdge(ctx, edge("region", "territory", false)))

	// THEN the next traversal sees the new edge
	got, err = svc.Descendants(ctx, "national", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"region", "territory"}, ids(got))
}

func TestService_RejectsSecondEdgeFromParent(t *testing.T) {
	svc, _ := newHierarchyService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateGroup(ctx, group("a")))
	require.NoError(t, svc.CreateGroup(ctx, group("b")))
	require.NoError(t, svc.CreateGroup(ctx, group("c")))
	require.NoError(t, svc.CreateEdge(ctx, edge("a", "b", false)))

	err := svc.CreateEdge(ctx, edge("a", "c", false))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestService_DeleteEdgeDetachesSubtree(t *testing.T) {
	svc, _ := newHierarchyService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateGroup(ctx, group("national")))
	require.NoError(t, svc.CreateGroup(ctx, group("region")))
	require.NoError(t, svc.CreateEdge(ctx, edge("national", "region", false)))

	require.NoError(t, svc.DeleteEdge(ctx, "national"))

	got, err := svc.Descendants(ctx, "national", false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestService_Snapshot(t *testing.T) {
	svc, _ := newHierarchyService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateGroup(ctx, group("national")))
	require.NoError(t, svc.CreateGroup(ctx, group("region")))
	require.NoError(t, svc.CreateEdge(ctx, edge("national", "region", true)))

	groups, edges, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Transactional)
}
