package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/statusstore"
)

// Scenario 1 (spec.md §8): single plate, move -> incubate -> move -> read.
// Container P1 starts at Storage[0]: move to Incubator1, incubate 60s at
// 310K, move to Reader, measure. Expect the committed position sequence
// Storage[0] -> Incubator1 -> Reader, one history record per step, and
// total elapsed time reflecting the 60s incubation (accelerated by
// simulation speed).
func TestScenario_MovePlateThroughIncubateAndRead(t *testing.T) {
	l := startLab(t,
		testDevice{Name: "storage1", Kind: "storage", Capacity: 2},
		testDevice{Name: "incubator1", Kind: "incubator", Capacity: 1},
		testDevice{Name: "reader1", Kind: "plate_reader", Capacity: 1},
	)
	ctx := testContext(t)

	containerID, err := l.store.AddContainer(ctx, statusstore.ContainerSpec{
		Pos: domain.Position{Device: "storage1", Slot: 0},
	})
	require.NoError(t, err)

	resp, err := l.SubmitProcess(ctx, controlapi.SubmitProcessRequest{
		Name: "move-incubate-read",
		Nodes: []graph.NodeSpec{
			{ID: "labware.plate1", Kind: graph.KindLabware},
			{ID: "op.move1", Kind: graph.KindOperation, Fct: "move", DeviceKind: "storage",
				Containers: []string{containerID}, IsMovement: true, ExpectedDur: 1,
				OperationParams: map[string]any{"target_device": "incubator1"}},
			{ID: "op.incubate", Kind: graph.KindOperation, Fct: "incubate", DeviceKind: "incubator",
				Containers: []string{containerID}, ExpectedDur: 60,
				OperationParams: map[string]any{"target_temperature_k": 310}},
			{ID: "op.move2", Kind: graph.KindOperation, Fct: "move", DeviceKind: "incubator",
				Containers: []string{containerID}, IsMovement: true, ExpectedDur: 1,
				OperationParams: map[string]any{"target_device": "reader1"}},
			{ID: "op.read", Kind: graph.KindOperation, Fct: "read_plate", DeviceKind: "plate_reader",
				Containers: []string{containerID}, ExpectedDur: 1},
			{ID: "var.od600", Kind: graph.KindVariable, ProducedBy: "op.read"},
		},
		Edges: []graph.EdgeSpec{
			{From: "labware.plate1", To: "op.move1", ContainerName: containerID},
			{From: "op.move1", To: "op.incubate", ContainerName: containerID},
			{From: "op.incubate", To: "op.move2", ContainerName: containerID},
			{From: "op.move2", To: "op.read", ContainerName: containerID},
			{From: "op.read", To: "var.od600"},
		},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Start(ctx, []string{resp.ProcessID}))

	awaitState(t, ctx, l, resp.ProcessID, "op.move1", 2*time.Second, executor.StepCompleted)

	c, ok, err := l.store.Container(ctx, containerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "incubator1", c.CurrentPos.Device, "after op.move1 the plate must be at Incubator1")

	awaitState(t, ctx, l, resp.ProcessID, "op.read", 5*time.Second, executor.StepCompleted)
	elapsed := time.Since(start)

	c, ok, err = l.store.Container(ctx, containerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reader1", c.CurrentPos.Device, "the committed position sequence must end at Reader")

	history := l.store.History(ctx, statusstore.HistoryFilter{ProcessID: resp.ProcessID})
	seen := map[string]bool{}
	for _, rec := range history {
		seen[rec.StepID] = true
		assert.Equal(t, domain.StepOK, rec.Status)
	}
	for _, stepID := range []string{"op.move1", "op.incubate", "op.move2", "op.read"} {
		assert.True(t, seen[stepID], "expected exactly one history record for %s", stepID)
	}

	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "60s incubation at 200x simulation speed still takes >= 300ms")
}
