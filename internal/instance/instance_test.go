package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/graph"
)

type fakeContainerView struct {
	positions map[string]domain.Position
}

func (f *fakeContainerView) ContainerPosition(ctx context.Context, containerID string) (domain.Position, bool) {
	p, ok := f.positions[containerID]
	return p, ok
}

type fakeDeviceView struct {
	devices map[string]domain.Device
}

func (f *fakeDeviceView) Device(ctx context.Context, name string) (domain.Device, bool) {
	d, ok := f.devices[name]
	return d, ok
}

func (f *fakeDeviceView) Devices(ctx context.Context) []domain.Device {
	out := make([]domain.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func newTestInstance() (*Instance, *fakeDeviceView) {
	dv := &fakeDeviceView{devices: map[string]domain.Device{
		"inc1": {Name: "inc1", Kind: domain.KindIncubator, Capacity: 2},
	}}
	cv := &fakeContainerView{positions: map[string]domain.Position{}}
	return New(cv, dv), dv
}

func buildSimpleGraph(t *testing.T, processID string) *graph.Graph {
	t.Helper()
	ctx := context.Background()
	g, err := graph.Build(ctx, processID, []graph.NodeSpec{
		{ID: "labware.plate1", Kind: graph.KindLabware},
		{ID: "op.incubate", Kind: graph.KindOperation, Fct: "incubate", DeviceKind: "incubator", Containers: []string{"plate1"}},
		{ID: "op.read", Kind: graph.KindOperation, Fct: "read_plate", DeviceKind: "plate_reader", Containers: []string{"plate1"}},
		{ID: "var.od600", Kind: graph.KindVariable, ProducedBy: "op.read"},
	}, []graph.EdgeSpec{
		{From: "labware.plate1", To: "op.incubate", ContainerName: "plate1"},
		{From: "op.incubate", To: "op.read", ContainerName: "plate1"},
		{From: "op.read", To: "var.od600"},
	})
	require.NoError(t, err)
	return g
}

func TestSubmit_RejectsDuplicateProcess(t *testing.T) {
	inst, _ := newTestInstance()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	err := inst.Submit(context.Background(), g, 0)
	assert.Error(t, err)
}

func TestReadySteps_OnlyFirstOperationIsReadyInitially(t *testing.T) {
	inst, _ := newTestInstance()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	ready, err := inst.ReadySteps(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "op.incubate", ready[0].ID)
}

func TestReadySteps_ExcludesContainersHeldInFlight(t *testing.T) {
	inst, _ := newTestInstance()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	ready, err := inst.ReadySteps(context.Background(), map[string]bool{"plate1": true})
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestOnComplete_UnblocksNextOperationAndResolvesVariable(t *testing.T) {
	inst, _ := newTestInstance()
	ctx := context.Background()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(ctx, g, 0))

	require.NoError(t, inst.OnComplete(ctx, "p1", StepOutcome{NodeID: "op.incubate", Status: domain.StepOK}))

	ready, err := inst.ReadySteps(ctx, nil)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "op.read", ready[0].ID)

	require.NoError(t, inst.OnComplete(ctx, "p1", StepOutcome{NodeID: "op.read", Status: domain.StepOK, Value: 0.42}))

	variable, ok := g.Node(ctx, "var.od600")
	require.True(t, ok)
	assert.True(t, variable.Resolved)
	assert.Equal(t, 0.42, variable.Value)
}

func TestCancel_RemovesProcess(t *testing.T) {
	inst, _ := newTestInstance()
	ctx := context.Background()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(ctx, g, 0))

	require.NoError(t, inst.Cancel(ctx, "p1"))
	_, ok := inst.Graph("p1")
	assert.False(t, ok)
}

func TestDeviceCapacity_ReflectsCommitAndRelease(t *testing.T) {
	inst, _ := newTestInstance()
	ctx := context.Background()

	capacity, committed, ok := inst.DeviceCapacity(ctx, "inc1")
	require.True(t, ok)
	assert.Equal(t, 2, capacity)
	assert.Equal(t, 0, committed)

	inst.CommitAssignment("inc1", 1)
	_, committed, _ = inst.DeviceCapacity(ctx, "inc1")
	assert.Equal(t, 1, committed)

	inst.ReleaseAssignment("inc1", 1)
	_, committed, _ = inst.DeviceCapacity(ctx, "inc1")
	assert.Equal(t, 0, committed)
}

func TestSnapshot_IncludesWholePendingChainWithSiblingDeps(t *testing.T) {
	inst, _ := newTestInstance()
	ctx := context.Background()
	g := buildSimpleGraph(t, "p1")
	require.NoError(t, inst.Submit(ctx, g, 0))

	snap, err := inst.Snapshot(ctx, nil, time.Unix(1_700_000_000, 0), nil)
	require.NoError(t, err)

	require.Len(t, snap.Steps, 2)
	byID := map[string]int{}
	for i, s := range snap.Steps {
		byID[s.ID] = i
	}
	read := snap.Steps[byID["op.read"]]
	assert.Equal(t, []string{"op.incubate"}, read.Deps)
	incubate := snap.Steps[byID["op.incubate"]]
	assert.Empty(t, incubate.Deps)
}

func TestSnapshot_FoldsResolvedPredecessorWaitIntoReadyAt(t *testing.T) {
	inst, _ := newTestInstance()
	ctx := context.Background()
	g, err := graph.Build(ctx, "p1", []graph.NodeSpec{
		{ID: "labware.plate1", Kind: graph.KindLabware},
		{ID: "op.incubate", Kind: graph.KindOperation, Fct: "incubate", DeviceKind: "incubator", Containers: []string{"plate1"}},
		{ID: "op.read", Kind: graph.KindOperation, Fct: "read_plate", DeviceKind: "plate_reader", Containers: []string{"plate1"}},
	}, []graph.EdgeSpec{
		{From: "labware.plate1", To: "op.incubate", ContainerName: "plate1"},
		{From: "op.incubate", To: "op.read", ContainerName: "plate1", MinWaitSec: 300},
	})
	require.NoError(t, err)
	require.NoError(t, inst.Submit(ctx, g, 0))

	finish := time.Unix(1_700_000_000, 0)
	require.NoError(t, inst.OnComplete(ctx, "p1", StepOutcome{NodeID: "op.incubate", Status: domain.StepOK, Finish: finish}))

	now := finish.Add(time.Minute) // well before the 5-minute min wait elapses
	snap, err := inst.Snapshot(ctx, nil, now, nil)
	require.NoError(t, err)

	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "op.read", snap.Steps[0].ID)
	assert.Empty(t, snap.Steps[0].Deps)
	assert.Equal(t, finish.Add(5*time.Minute), snap.Steps[0].ReadyAt)
}
