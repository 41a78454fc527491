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

// Scenario 3 (spec.md §8): plate P2 starts lidded at Storage[1]. It moves to
// Reader unlidded (the lid parks at the slot P2 just vacated), gets read,
// gets its lid back, and moves back to Storage. Final state: lidded=true,
// lid_pos=nil, the same as before the lid ever came off.
func TestScenario_LidLifecycleRestoresLiddedStateOnReturn(t *testing.T) {
	l := startLab(t,
		testDevice{Name: "storage1", Kind: "storage", Capacity: 2},
		testDevice{Name: "reader1", Kind: "plate_reader", Capacity: 1},
	)
	ctx := testContext(t)

	containerID, err := l.store.AddContainer(ctx, statusstore.ContainerSpec{
		Pos:    domain.Position{Device: "storage1", Slot: 1},
		Lidded: true,
	})
	require.NoError(t, err)

	resp, err := l.SubmitProcess(ctx, controlapi.SubmitProcessRequest{
		Name: "lid-lifecycle",
		Nodes: []graph.NodeSpec{
			{ID: "labware.plate2", Kind: graph.KindLabware},
			{ID: "op.move1", Kind: graph.KindOperation, Fct: "move", DeviceKind: "storage",
				Containers: []string{containerID}, IsMovement: true, ExpectedDur: 1,
				OperationParams: map[string]any{"target_device": "reader1"}},
			{ID: "op.unlid", Kind: graph.KindOperation, Fct: "unlid", DeviceKind: "plate_reader",
				Containers: []string{containerID}, LidTransition: "unlid", ExpectedDur: 1,
				OperationParams: map[string]any{"lid_device": "storage1", "lid_slot": 1}},
			{ID: "op.read", Kind: graph.KindOperation, Fct: "read_plate", DeviceKind: "plate_reader",
				Containers: []string{containerID}, ExpectedDur: 1},
			{ID: "op.lid", Kind: graph.KindOperation, Fct: "lid", DeviceKind: "plate_reader",
				Containers: []string{containerID}, LidTransition: "lid", ExpectedDur: 1,
				OperationParams: map[string]any{"lid_device": "storage1", "lid_slot": 1}},
			{ID: "op.move2", Kind: graph.KindOperation, Fct: "move", DeviceKind: "plate_reader",
				Containers: []string{containerID}, IsMovement: true, ExpectedDur: 1,
				OperationParams: map[string]any{"target_device": "storage1"}},
		},
		Edges: []graph.EdgeSpec{
			{From: "labware.plate2", To: "op.move1", ContainerName: containerID},
			{From: "op.move1", To: "op.unlid", ContainerName: containerID},
			{From: "op.unlid", To: "op.read", ContainerName: containerID},
			{From: "op.read", To: "op.lid", ContainerName: containerID},
			{From: "op.lid", To: "op.move2", ContainerName: containerID},
		},
	})
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, []string{resp.ProcessID}))

	awaitState(t, ctx, l, resp.ProcessID, "op.unlid", 2*time.Second, executor.StepCompleted)

	c, ok, err := l.store.Container(ctx, containerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, c.Lidded, "op.unlid must clear Lidded")
	require.NotNil(t, c.LidPos, "op.unlid must record where the lid was parked")
	assert.Equal(t, "storage1", c.LidPos.Device)
	assert.Equal(t, 1, c.LidPos.Slot)

	awaitState(t, ctx, l, resp.ProcessID, "op.move2", 5*time.Second, executor.StepCompleted)

	c, ok, err = l.store.Container(ctx, containerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "storage1", c.CurrentPos.Device, "the committed position sequence must end back at Storage")
	assert.True(t, c.Lidded, "op.lid must restore Lidded before the return move")
	assert.Nil(t, c.LidPos, "lid_pos must be cleared once the lid is reunited with the container")

	history := l.store.History(ctx, statusstore.HistoryFilter{ProcessID: resp.ProcessID})
	seen := map[string]bool{}
	for _, rec := range history {
		seen[rec.StepID] = true
		assert.Equal(t, domain.StepOK, rec.Status)
	}
	for _, stepID := range []string{"op.move1", "op.unlid", "op.read", "op.lid", "op.move2"} {
		assert.True(t, seen[stepID], "expected exactly one history record for %s", stepID)
	}
}
