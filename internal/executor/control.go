package executor

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/deviceadapter"
)

// Pause halts new dispatch across every process; steps already running
// continue to completion. Corresponds to the control plane's global pause
// command (spec §4.7).
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume reverses Pause and wakes the dispatch loop immediately.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.triggerReplan()
}

// PauseProcess halts new dispatch for one process only.
func (e *Executor) PauseProcess(processID string) {
	e.mu.Lock()
	e.pausedProcesses[processID] = true
	e.mu.Unlock()
}

// ResumeProcess reverses PauseProcess for one process.
func (e *Executor) ResumeProcess(processID string) {
	e.mu.Lock()
	delete(e.pausedProcesses, processID)
	e.mu.Unlock()
	e.triggerReplan()
}

// EnableSimulation switches every process to the simulation adapter,
// regardless of per-process overrides.
func (e *Executor) EnableSimulation() {
	e.mu.Lock()
	e.simGlobal = true
	e.mu.Unlock()
}

// DisableSimulation reverses EnableSimulation.
func (e *Executor) DisableSimulation() {
	e.mu.Lock()
	e.simGlobal = false
	e.mu.Unlock()
}

// EnableSimulationForProcess switches one process to the simulation
// adapter without affecting any other live process.
func (e *Executor) EnableSimulationForProcess(processID string) {
	e.mu.Lock()
	e.simProcesses[processID] = true
	e.mu.Unlock()
}

// DisableSimulationForProcess reverses EnableSimulationForProcess.
func (e *Executor) DisableSimulationForProcess(processID string) {
	e.mu.Lock()
	delete(e.simProcesses, processID)
	e.mu.Unlock()
}

// Cancel cooperatively cancels one step. If the step is already running, its
// device adapter's Handle.Cancel is invoked; the step's final outcome still
// arrives through the normal Observe-driven commit path, not from this
// call. If the step has not been dispatched yet, marking it cancelled here
// is enough for the next dispatch tick to skip it outright.
func (e *Executor) Cancel(ctx context.Context, stepID string) error {
	e.mu.Lock()
	e.cancelled[stepID] = true
	h, running := e.handles[stepID]
	e.mu.Unlock()

	if !running {
		return nil
	}
	return h.Cancel(ctx)
}

// CancelProcess cancels every currently-running step of processID, waits
// for them to settle through the normal Observe-driven commit path, and
// only then removes the process from the Scheduling Instance — the
// sequencing instance.Instance.Cancel's own doc comment calls for
// ("internal/core's cooperative-cancel path handles [in-flight steps]
// through the Executor and then calls Cancel once they settle"), since
// Instance.Cancel deletes the whole graph outright and a commit arriving
// after that would find no graph to record its outcome against.
func (e *Executor) CancelProcess(ctx context.Context, processID string) error {
	e.mu.Lock()
	var handles []deviceadapter.Handle
	for stepID := range e.processSteps[processID] {
		e.cancelled[stepID] = true
		if h, ok := e.handles[stepID]; ok {
			handles = append(handles, h)
		}
	}
	e.mu.Unlock()

	for _, h := range handles {
		if err := h.Cancel(ctx); err != nil {
			return err
		}
	}

	if err := e.waitProcessSettled(ctx, processID); err != nil {
		return err
	}
	return e.inst.Cancel(ctx, processID)
}

// waitProcessSettled blocks until processID has no steps the executor
// still considers running, or ctx is done.
func (e *Executor) waitProcessSettled(ctx context.Context, processID string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.RLock()
		remaining := len(e.processSteps[processID])
		e.mu.RUnlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
