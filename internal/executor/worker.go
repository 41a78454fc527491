package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/scheduler"
)

// worker drains ready assignments and runs each one to a terminal outcome,
// generalized from the teacher's per-node worker loop (internal/executor/
// worker.go in the reference repo) to per-assignment dispatch against a
// device adapter instead of an in-process Go handler.
func (e *Executor) worker(ctx context.Context, workerID int) {
	defer e.wg.Done()
	logger := ctxlog.FromContext(ctx).With("workerID", workerID)
	logger.Debug("worker started")

	for {
		select {
		case a, ok := <-e.ready:
			if !ok {
				logger.Debug("worker finished")
				return
			}
			e.runStep(ctx, a, workerID)
		case <-ctx.Done():
			logger.Debug("worker finished")
			return
		}
	}
}

// deviationGrace is the extra allowance past a step's planned finish before
// runStep logs a deviation and triggers a short re-plan — spec §4.5's
// deviation detection, sized as a fraction of the planned duration with a
// floor so short steps don't spuriously trip it.
func deviationGrace(planned time.Duration) time.Duration {
	grace := planned / 5
	if grace < 2*time.Second {
		grace = 2 * time.Second
	}
	return grace
}

// runStep submits one assignment to its device adapter and drives it to a
// committed terminal outcome.
func (e *Executor) runStep(ctx context.Context, a scheduler.Assignment, workerID int) {
	logger := ctxlog.FromContext(ctx).With("workerID", workerID, "step", a.StepID, "process", a.ProcessID)

	g, ok := e.inst.Graph(a.ProcessID)
	if !ok {
		logger.Warn("process vanished before dispatch")
		e.finishDispatch(a.StepID)
		return
	}
	n, ok := g.Node(ctx, a.StepID)
	if !ok {
		logger.Warn("step vanished before dispatch")
		e.finishDispatch(a.StepID)
		return
	}

	e.markRunning(a.StepID, a.ProcessID, n.Containers)
	e.inst.CommitAssignment(a.Device, 1)

	e.mu.RLock()
	explicitlyCancelled := e.cancelled[a.StepID]
	e.mu.RUnlock()
	if explicitlyCancelled {
		e.commitCancelled(ctx, a, n, false)
		return
	}

	adapter, simulated, err := e.resolveAdapter(a.ProcessID, a.Device, n.DeviceKind)
	if err != nil {
		e.commitFailure(ctx, a, n, err, simulated)
		return
	}

	planned := a.Finish.Sub(a.EarliestStart)
	req := deviceadapter.Request{
		StepID:     a.StepID,
		Device:     a.Device,
		Fct:        n.Fct,
		Containers: n.Containers,
		Params:     n.OperationParams,
		Duration:   planned,
	}

	handle, err := adapter.Submit(ctx, req)
	if err != nil {
		e.commitFailure(ctx, a, n, faults.Transport(err), simulated)
		return
	}
	e.registerHandle(a.StepID, handle)
	defer e.unregisterHandle(a.StepID)

	var deviationTimer *time.Timer
	if planned > 0 {
		deviationTimer = time.NewTimer(planned + deviationGrace(planned))
		defer deviationTimer.Stop()
	}

	obsCh := handle.Observe(ctx)
	for {
		var deviationC <-chan time.Time
		if deviationTimer != nil {
			deviationC = deviationTimer.C
		}
		select {
		case obs, ok := <-obsCh:
			if !ok {
				e.commitFailure(ctx, a, n, faults.Transport(errors.New("device adapter closed observation stream without a terminal status")), simulated)
				return
			}
			if !obs.Status.IsTerminal() {
				continue
			}
			e.commitObservation(ctx, a, n, obs, simulated)
			return

		case <-deviationC:
			logger.Warn("step exceeded its estimated duration", "planned", planned)
			e.triggerReplan()
			deviationTimer = nil

		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = handle.Cancel(cancelCtx)
			select {
			case obs, ok := <-obsCh:
				if ok && obs.Status.IsTerminal() {
					cancel()
					e.commitObservation(ctx, a, n, obs, simulated)
					return
				}
			case <-cancelCtx.Done():
			}
			cancel()
			e.commitCancelled(ctx, a, n, simulated)
			return
		}
	}
}

// commitObservation routes a terminal Observation to the matching commit
// path.
func (e *Executor) commitObservation(ctx context.Context, a scheduler.Assignment, n *graph.Node, obs deviceadapter.Observation, simulated bool) {
	switch obs.Status {
	case deviceadapter.StatusOK:
		e.commitSuccess(ctx, a, n, obs, simulated)
	case deviceadapter.StatusCancelled:
		e.commitCancelled(ctx, a, n, simulated)
	case deviceadapter.StatusTimeout:
		e.commitFailure(ctx, a, n, faults.Timeout(observationErr(obs)), simulated)
	default: // StatusFailed, or any unrecognized terminal value
		e.commitFailure(ctx, a, n, &faults.Fault{Kind: faults.StepFailure, Cause: faults.CauseDevice, Err: observationErr(obs)}, simulated)
	}
}

func observationErr(obs deviceadapter.Observation) error {
	if obs.Err != nil {
		return obs.Err
	}
	return fmt.Errorf("device reported status %q", obs.Status)
}

func (e *Executor) resolveAdapter(processID, device string, kind domain.Kind) (deviceadapter.Adapter, bool, error) {
	e.mu.RLock()
	simulated := e.simGlobal || e.simProcesses[processID]
	e.mu.RUnlock()

	if simulated {
		if e.sim == nil {
			return nil, false, faults.Newf(faults.ConfigError, "simulation mode active but no simulation adapter is configured")
		}
		return e.sim, true, nil
	}
	if e.adapters == nil {
		return nil, false, faults.Newf(faults.ConfigError, "no adapter registered for device %q", device).WithDevice(device)
	}
	a, ok := e.adapters.Adapter(device, kind)
	if !ok {
		return nil, false, faults.Newf(faults.ConfigError, "no adapter registered for device %q", device).WithDevice(device)
	}
	return a, false, nil
}
