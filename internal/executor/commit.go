package executor

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/instance"
	"github.com/vk/labsched/internal/scheduler"
)

// markRunning records a step as running and reserves its containers so a
// concurrent dispatch tick's Snapshot excludes them. runStep commits the
// step's device capacity right after it; the commit* functions release it.
func (e *Executor) markRunning(stepID, processID string, containers []string) {
	e.mu.Lock()
	e.states[stepID] = StepRunning
	e.dispatched[stepID] = processID
	for _, c := range containers {
		e.inFlight[c] = true
	}
	if e.processSteps[processID] == nil {
		e.processSteps[processID] = make(map[string]bool)
	}
	e.processSteps[processID][stepID] = true
	e.mu.Unlock()
	e.notify(stepID, processID, StepRunning)
}

// finishStep releases a settled step's bookkeeping: its containers, its
// dispatched/running-step membership, and wakes the dispatch loop so the
// freed capacity and resolved dependencies are considered immediately
// instead of waiting for the next ticker tick.
func (e *Executor) finishStep(stepID, processID string, containers []string, state StepState) {
	e.mu.Lock()
	e.states[stepID] = state
	delete(e.dispatched, stepID)
	for _, c := range containers {
		delete(e.inFlight, c)
	}
	if steps, ok := e.processSteps[processID]; ok {
		delete(steps, stepID)
	}
	e.signalReplanLocked()
	e.mu.Unlock()
	e.notify(stepID, processID, state)
}

func (e *Executor) finishDispatch(stepID string) {
	e.mu.Lock()
	delete(e.dispatched, stepID)
	e.signalReplanLocked()
	e.mu.Unlock()
}

func (e *Executor) signalReplanLocked() {
	select {
	case e.replan <- struct{}{}:
	default:
	}
}

func (e *Executor) triggerReplan() {
	e.mu.Lock()
	e.signalReplanLocked()
	e.mu.Unlock()
}

func (e *Executor) registerHandle(stepID string, h deviceadapter.Handle) {
	e.mu.Lock()
	e.handles[stepID] = h
	e.mu.Unlock()
}

func (e *Executor) unregisterHandle(stepID string) {
	e.mu.Lock()
	delete(e.handles, stepID)
	e.mu.Unlock()
}

// commitSuccess applies a completed step's Status Store effect, records
// its history, and tells the Scheduling Instance so downstream
// variable/branch/computation resolution can proceed.
func (e *Executor) commitSuccess(ctx context.Context, a scheduler.Assignment, n *graph.Node, obs deviceadapter.Observation, simulated bool) {
	logger := ctxlog.FromContext(ctx)
	start := obs.StartTime
	if start.IsZero() {
		start = a.EarliestStart
	}

	var sourceKind domain.Kind
	if n.IsMovement && len(n.Containers) > 0 {
		if c, ok, _ := e.store.Container(ctx, n.Containers[0]); ok {
			if d, ok := e.store.Device(ctx, c.CurrentPos.Device); ok {
				sourceKind = d.Kind
			}
		}
	}

	if err := e.applyStoreEffects(ctx, n, a.Device); err != nil {
		e.commitFailure(ctx, a, n, err, simulated)
		return
	}
	finish := time.Now()

	targetKind := n.DeviceKind
	if d, ok := e.store.Device(ctx, a.Device); ok {
		targetKind = d.Kind
	}

	rec := domain.HistoryRecord{
		StepID:       a.StepID,
		ProcessID:    a.ProcessID,
		Containers:   n.Containers,
		Device:       a.Device,
		Fct:          n.Fct,
		IsMovement:   n.IsMovement,
		SourceKind:   sourceKind,
		TargetKind:   targetKind,
		Params:       n.OperationParams,
		Start:        start,
		Finish:       finish,
		Status:       domain.StepOK,
		Value:        obs.Value,
		IsSimulation: simulated,
	}
	if err := e.store.RecordStep(ctx, rec); err != nil {
		logger.Error("record step failed", "step", a.StepID, "error", err)
	}

	e.inst.ReleaseAssignment(a.Device, 1)
	if err := e.inst.OnComplete(ctx, a.ProcessID, instance.StepOutcome{
		NodeID: a.StepID,
		Status: domain.StepOK,
		Value:  obs.Value,
		Finish: finish,
	}); err != nil {
		logger.Error("OnComplete failed", "step", a.StepID, "error", err)
	}

	e.finishStep(a.StepID, a.ProcessID, n.Containers, StepCompleted)
}

// commitFailure records a step's device- or store-level failure and
// retires it, without applying any Status Store effect — a failed step
// never moves a container or changes a lid state.
func (e *Executor) commitFailure(ctx context.Context, a scheduler.Assignment, n *graph.Node, cause error, simulated bool) {
	logger := ctxlog.FromContext(ctx)
	logger.Error("step failed", "step", a.StepID, "process", a.ProcessID, "error", cause)

	finish := time.Now()
	rec := domain.HistoryRecord{
		StepID:       a.StepID,
		ProcessID:    a.ProcessID,
		Containers:   n.Containers,
		Device:       a.Device,
		Fct:          n.Fct,
		IsMovement:   n.IsMovement,
		Params:       n.OperationParams,
		Start:        a.EarliestStart,
		Finish:       finish,
		Status:       domain.StepFailed,
		IsSimulation: simulated,
	}
	if err := e.store.RecordStep(ctx, rec); err != nil {
		logger.Error("record step failed", "step", a.StepID, "error", err)
	}

	e.inst.ReleaseAssignment(a.Device, 1)
	if err := e.inst.OnComplete(ctx, a.ProcessID, instance.StepOutcome{
		NodeID: a.StepID,
		Status: domain.StepFailed,
		Finish: finish,
	}); err != nil {
		logger.Error("OnComplete failed", "step", a.StepID, "error", err)
	}

	e.finishStep(a.StepID, a.ProcessID, n.Containers, StepFailed)
}

// commitCancelled records a cooperatively-cancelled step. Like
// commitFailure, no Status Store effect is applied.
func (e *Executor) commitCancelled(ctx context.Context, a scheduler.Assignment, n *graph.Node, simulated bool) {
	logger := ctxlog.FromContext(ctx)
	finish := time.Now()
	rec := domain.HistoryRecord{
		StepID:       a.StepID,
		ProcessID:    a.ProcessID,
		Containers:   n.Containers,
		Device:       a.Device,
		Fct:          n.Fct,
		IsMovement:   n.IsMovement,
		Params:       n.OperationParams,
		Start:        a.EarliestStart,
		Finish:       finish,
		Status:       domain.StepCancelled,
		IsSimulation: simulated,
	}
	if err := e.store.RecordStep(ctx, rec); err != nil {
		logger.Error("record step failed", "step", a.StepID, "error", err)
	}

	e.inst.ReleaseAssignment(a.Device, 1)
	if err := e.inst.OnComplete(ctx, a.ProcessID, instance.StepOutcome{
		NodeID: a.StepID,
		Status: domain.StepCancelled,
		Finish: finish,
	}); err != nil {
		logger.Error("OnComplete failed", "step", a.StepID, "error", err)
	}

	e.finishStep(a.StepID, a.ProcessID, n.Containers, StepCancelled)
}

// applyStoreEffects commits a successful operation's physical effect on the
// Status Store: a container move for `is_movement` operations, a lid
// transition for lid ops (spec.md §4.5's Commit step), and nothing at all
// for every other operation kind, which is observational or device-internal
// and leaves container placement untouched.
func (e *Executor) applyStoreEffects(ctx context.Context, n *graph.Node, device string) error {
	switch {
	case n.IsMovement:
		return e.applyMove(ctx, n, device)
	case n.LidTransition != "":
		return e.applyLidTransition(ctx, n)
	default:
		return nil
	}
}

func (e *Executor) applyMove(ctx context.Context, n *graph.Node, device string) error {
	if len(n.Containers) == 0 {
		return faults.Newf(faults.ConfigError, "movement step %q names no container", n.ID)
	}
	containerID := n.Containers[0]
	c, ok, err := e.store.Container(ctx, containerID)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Newf(faults.StateConflict, "movement step %q: unknown container %q", n.ID, containerID).WithContainer(containerID)
	}

	target := n.TargetDevice()
	if target == "" {
		target = device
	}
	slot, err := e.freeSlot(ctx, target)
	if err != nil {
		return err
	}
	return e.store.MoveContainer(ctx, c.CurrentPos.Device, c.CurrentPos.Slot, target, slot, "")
}

// applyLidTransition commits an "unlid" or "lid" step. An unlid step always
// names an explicit park position; a lid step verifies against it only when
// one was given, per spec.md §4.1's "the latter verifies the lid is where
// expected if coordinates are supplied."
func (e *Executor) applyLidTransition(ctx context.Context, n *graph.Node) error {
	if len(n.Containers) == 0 {
		return faults.Newf(faults.ConfigError, "lid step %q names no container", n.ID)
	}
	containerID := n.Containers[0]
	lidDevice, lidSlot, hasPos := n.LidPosition()

	switch n.LidTransition {
	case "unlid":
		if !hasPos {
			return faults.Newf(faults.ConfigError, "unlid step %q names no lid park position", n.ID)
		}
		return e.store.Unlid(ctx, containerID, lidDevice, lidSlot)
	case "lid":
		return e.store.Lid(ctx, containerID, lidDevice, lidSlot, hasPos)
	default:
		return faults.Newf(faults.ConfigError, "step %q has unknown lid transition %q", n.ID, n.LidTransition)
	}
}

// freeSlot scans a device's slots in order and returns the first unoccupied
// one. Devices are small (single-digit to low-hundreds of slots), so a
// linear scan is a perfectly adequate approach, the same way the in-memory
// Status Store itself favors the simplest correct data structure over a
// free-list.
func (e *Executor) freeSlot(ctx context.Context, device string) (int, error) {
	d, ok := e.store.Device(ctx, device)
	if !ok {
		return 0, faults.Newf(faults.StateConflict, "unknown device %q", device).WithDevice(device)
	}
	for slot := 0; slot < d.Capacity; slot++ {
		empty, err := e.store.PositionEmpty(ctx, device, slot)
		if err != nil {
			return 0, err
		}
		if empty {
			return slot, nil
		}
	}
	return 0, faults.Newf(faults.StateConflict, "device %q has no free slot", device).WithDevice(device)
}
