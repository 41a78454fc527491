package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLinearGraph(t *testing.T) *Graph {
	t.Helper()
	ctx := context.Background()
	g, err := Build(ctx, "p1", []NodeSpec{
		{ID: "labware.plate1", Kind: KindLabware},
		{ID: "op.incubate", Kind: KindOperation, Fct: "incubate", DeviceKind: "incubator", Containers: []string{"plate1"}, ExpectedDur: 600},
		{ID: "op.read", Kind: KindOperation, Fct: "read_plate", DeviceKind: "plate_reader", Containers: []string{"plate1"}, ExpectedDur: 60},
		{ID: "var.od600", Kind: KindVariable, ProducedBy: "op.read"},
	}, []EdgeSpec{
		{From: "labware.plate1", To: "op.incubate", ContainerName: "plate1"},
		{From: "op.incubate", To: "op.read", ContainerName: "plate1", MinWaitSec: 0, MaxWaitSec: 300, WaitCost: 0.1},
		{From: "op.read", To: "var.od600"},
	})
	require.NoError(t, err)
	return g
}

func TestBuild_LinearGraphSucceeds(t *testing.T) {
	g := buildLinearGraph(t)
	assert.Len(t, g.AllNodes(context.Background()), 4)
}

func TestBuild_RejectsSelfEdge(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, "p1", []NodeSpec{
		{ID: "op.a", Kind: KindOperation},
	}, []EdgeSpec{
		{From: "op.a", To: "op.a"},
	})
	require.Error(t, err)
}

func TestBuild_RejectsCycle(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, "p1", []NodeSpec{
		{ID: "op.a", Kind: KindOperation},
		{ID: "op.b", Kind: KindOperation},
	}, []EdgeSpec{
		{From: "op.a", To: "op.b"},
		{From: "op.b", To: "op.a"},
	})
	require.Error(t, err)
}

func TestBuild_RejectsUnreachableOperation(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, "p1", []NodeSpec{
		{ID: "op.orphan", Kind: KindOperation},
	}, nil)
	require.Error(t, err)
}

func TestBuild_RejectsVariableWithoutProducer(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, "p1", []NodeSpec{
		{ID: "labware.plate1", Kind: KindLabware},
		{ID: "var.orphan", Kind: KindVariable},
	}, nil)
	require.Error(t, err)
}

func TestVisit_TopologicalOrderRespectsDependencies(t *testing.T) {
	g := buildLinearGraph(t)
	var visited []string
	err := g.Visit(context.Background(), func(ctx context.Context, n *Node) error {
		visited = append(visited, n.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"labware.plate1", "op.incubate", "op.read", "var.od600"}, visited)
}

func buildBranchingGraph(t *testing.T) *Graph {
	t.Helper()
	ctx := context.Background()
	g, err := Build(ctx, "p1", []NodeSpec{
		{ID: "labware.plate1", Kind: KindLabware},
		{ID: "op.read", Kind: KindOperation, Fct: "read_plate", DeviceKind: "plate_reader", Containers: []string{"plate1"}},
		{ID: "var.od600", Kind: KindVariable, ProducedBy: "op.read"},
		{ID: "branch.threshold", Kind: KindBranch, TrueSuccessor: "op.incubate_more", FalseSuccessor: "op.store"},
		{ID: "op.incubate_more", Kind: KindOperation, Fct: "incubate", DeviceKind: "incubator", Containers: []string{"plate1"}},
		{ID: "op.store", Kind: KindOperation, Fct: "store", DeviceKind: "storage", Containers: []string{"plate1"}},
	}, []EdgeSpec{
		{From: "labware.plate1", To: "op.read", ContainerName: "plate1"},
		{From: "op.read", To: "var.od600"},
		{From: "var.od600", To: "branch.threshold"},
		{From: "branch.threshold", To: "op.incubate_more", ContainerName: "plate1"},
		{From: "branch.threshold", To: "op.store", ContainerName: "plate1"},
	})
	require.NoError(t, err)
	return g
}

func TestResolveBranch_PrunesUnchosenSuccessor(t *testing.T) {
	g := buildBranchingGraph(t)
	ctx := context.Background()

	err := g.ResolveBranch(ctx, "branch.threshold", BranchTrue)
	require.NoError(t, err)

	stored, ok := g.Node(ctx, "op.store")
	require.True(t, ok)
	assert.Equal(t, StatusPruned, stored.Status)

	kept, ok := g.Node(ctx, "op.incubate_more")
	require.True(t, ok)
	assert.NotEqual(t, StatusPruned, kept.Status)

	var visited []string
	require.NoError(t, g.Visit(ctx, func(ctx context.Context, n *Node) error {
		visited = append(visited, n.ID)
		return nil
	}))
	assert.Contains(t, visited, "op.incubate_more")
	assert.NotContains(t, visited, "op.store")
}

func TestResolveBranch_RejectsDoubleResolve(t *testing.T) {
	g := buildBranchingGraph(t)
	ctx := context.Background()
	require.NoError(t, g.ResolveBranch(ctx, "branch.threshold", BranchTrue))
	err := g.ResolveBranch(ctx, "branch.threshold", BranchFalse)
	assert.Error(t, err)
}

func TestVisit_SkipsUnresolvedBranchSuccessors(t *testing.T) {
	g := buildBranchingGraph(t)
	ctx := context.Background()

	var visited []string
	require.NoError(t, g.Visit(ctx, func(ctx context.Context, n *Node) error {
		visited = append(visited, n.ID)
		return nil
	}))
	assert.NotContains(t, visited, "op.incubate_more")
	assert.NotContains(t, visited, "op.store")
	assert.Contains(t, visited, "branch.threshold")
}

func TestAnnotateDurations_FallsBackToExpectedWhenUnconfident(t *testing.T) {
	g := buildLinearGraph(t)
	ctx := context.Background()

	err := g.AnnotateDurations(ctx, func(ctx context.Context, n *Node) (time.Duration, bool) {
		return 0, false
	})
	require.NoError(t, err)

	n, ok := g.Node(ctx, "op.incubate")
	require.True(t, ok)
	assert.Equal(t, 600*time.Second, n.EstimatedDur)
}

func TestAnnotateDurations_UsesEstimatorWhenConfident(t *testing.T) {
	g := buildLinearGraph(t)
	ctx := context.Background()

	err := g.AnnotateDurations(ctx, func(ctx context.Context, n *Node) (time.Duration, bool) {
		if n.ID == "op.read" {
			return 45 * time.Second, true
		}
		return 0, false
	})
	require.NoError(t, err)

	n, ok := g.Node(ctx, "op.read")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, n.EstimatedDur)
}
