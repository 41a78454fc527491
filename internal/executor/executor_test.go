package executor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter/sim"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/instance"
	"github.com/vk/labsched/internal/scheduler"
	"github.com/vk/labsched/internal/statusstore"
	"github.com/vk/labsched/internal/statusstore/inmemory"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ctxlog.WithLogger(context.Background(), logger)
}

func newTestStore(t *testing.T) *inmemory.Store {
	t.Helper()
	store := inmemory.New()
	ctx := context.Background()
	require.NoError(t, store.AddDevice(ctx, domain.Device{Name: "reader1", Kind: domain.KindPlateReader, Capacity: 1}))
	require.NoError(t, store.AddDevice(ctx, domain.Device{Name: "storage1", Kind: domain.KindStorage, Capacity: 2}))
	return store
}

func buildSingleOpGraph(t *testing.T, containerID string) *graph.Graph {
	t.Helper()
	g, err := graph.Build(context.Background(), "p1", []graph.NodeSpec{
		{ID: "labware.plate1", Kind: graph.KindLabware},
		{ID: "op.read", Kind: graph.KindOperation, Fct: "read_plate", DeviceKind: "plate_reader", Containers: []string{containerID}, ExpectedDur: 1},
		{ID: "var.od600", Kind: graph.KindVariable, ProducedBy: "op.read"},
	}, []graph.EdgeSpec{
		{From: "labware.plate1", To: "op.read", ContainerName: containerID},
		{From: "op.read", To: "var.od600"},
	})
	require.NoError(t, err)
	return g
}

func buildMovementGraph(t *testing.T, containerID string) *graph.Graph {
	t.Helper()
	g, err := graph.Build(context.Background(), "p2", []graph.NodeSpec{
		{ID: "labware.plate1", Kind: graph.KindLabware},
		{
			ID: "op.move", Kind: graph.KindOperation, Fct: "move", DeviceKind: "storage",
			Containers: []string{containerID}, IsMovement: true, ExpectedDur: 1,
			OperationParams: map[string]any{"target_device": "storage1"},
		},
	}, []graph.EdgeSpec{
		{From: "labware.plate1", To: "op.move", ContainerName: containerID},
	})
	require.NoError(t, err)
	return g
}

func awaitHistory(t *testing.T, store statusstore.Store, stepID string, timeout time.Duration) domain.HistoryRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, rec := range store.History(context.Background(), statusstore.HistoryFilter{}) {
			if rec.StepID == stepID {
				return rec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("step %q never recorded within %s", stepID, timeout)
	return domain.HistoryRecord{}
}

func TestExecutor_RunsStepToCompletionInSimulationMode(t *testing.T) {
	store := newTestStore(t)
	containerID, err := store.AddContainer(context.Background(), statusstore.ContainerSpec{
		Pos: domain.Position{Device: "reader1", Slot: 0},
	})
	require.NoError(t, err)

	inst := instance.New(store, store)
	g := buildSingleOpGraph(t, containerID)
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	simAdapter := sim.New()
	simAdapter.SetSpeed(50)

	exec := New(inst, store, scheduler.New(), nil, simAdapter, Config{
		NumWorkers:       2,
		DispatchInterval: 10 * time.Millisecond,
	})
	exec.EnableSimulation()

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	rec := awaitHistory(t, store, "op.read", 2*time.Second)
	assert.Equal(t, domain.StepOK, rec.Status)
	assert.True(t, rec.IsSimulation)

	node, ok := g.Node(context.Background(), "var.od600")
	require.True(t, ok)
	assert.True(t, node.Resolved)

	cancel()
	require.NoError(t, <-done)
}

func TestExecutor_MovementStepRelocatesContainer(t *testing.T) {
	store := newTestStore(t)
	containerID, err := store.AddContainer(context.Background(), statusstore.ContainerSpec{
		Pos: domain.Position{Device: "reader1", Slot: 0},
	})
	require.NoError(t, err)

	inst := instance.New(store, store)
	g := buildMovementGraph(t, containerID)
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	simAdapter := sim.New()
	simAdapter.SetSpeed(50)

	exec := New(inst, store, scheduler.New(), nil, simAdapter, Config{
		NumWorkers:       1,
		DispatchInterval: 10 * time.Millisecond,
	})
	exec.EnableSimulation()

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	rec := awaitHistory(t, store, "op.move", 2*time.Second)
	assert.Equal(t, domain.StepOK, rec.Status)
	assert.Equal(t, domain.KindPlateReader, rec.SourceKind)
	assert.Equal(t, domain.KindStorage, rec.TargetKind)

	c, ok, err := store.Container(context.Background(), containerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "storage1", c.CurrentPos.Device)

	cancel()
	require.NoError(t, <-done)
}

func TestExecutor_CancelStepBeforeDispatchSkipsIt(t *testing.T) {
	store := newTestStore(t)
	containerID, err := store.AddContainer(context.Background(), statusstore.ContainerSpec{
		Pos: domain.Position{Device: "reader1", Slot: 0},
	})
	require.NoError(t, err)

	inst := instance.New(store, store)
	g := buildSingleOpGraph(t, containerID)
	require.NoError(t, inst.Submit(context.Background(), g, 0))

	simAdapter := sim.New()
	exec := New(inst, store, scheduler.New(), nil, simAdapter, Config{
		NumWorkers:       1,
		DispatchInterval: 10 * time.Millisecond,
	})
	exec.EnableSimulation()
	require.NoError(t, exec.Cancel(context.Background(), "op.read"))

	ctx, cancel := context.WithTimeout(testContext(t), 200*time.Millisecond)
	defer cancel()
	_ = exec.Run(ctx)

	for _, rec := range store.History(context.Background(), statusstore.HistoryFilter{}) {
		assert.NotEqual(t, "op.read", rec.StepID)
	}
}
