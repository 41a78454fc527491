package core

import (
	"context"
	"sort"
	"time"

	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/estimator"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/labconfig"
)

// SubmitProcess builds a Workflow Graph from the request's already-parsed
// nodes/edges and adds it to the Scheduling Instance, paused, so it never
// dispatches before an explicit start(process_ids) names it — reusing
// Executor.PauseProcess/ResumeProcess rather than inventing a third process
// lifecycle state.
//
// delay_minutes defers the Submit itself via a timer instead of submitting
// now and suppressing dispatch: a delayed process simply does not exist in
// the instance yet, so query_status on its id behaves exactly like any
// other id the lab has never seen.
func (l *Loop) SubmitProcess(ctx context.Context, req controlapi.SubmitProcessRequest) (controlapi.SubmitProcessResponse, error) {
	processID := newProcessID()

	if req.DelayMinutes > 0 {
		l.scheduleDelayedSubmit(processID, time.Duration(req.DelayMinutes)*time.Minute, req)
		return controlapi.SubmitProcessResponse{ProcessID: processID}, nil
	}

	return submitCmd(ctx, l, func() (controlapi.SubmitProcessResponse, error) {
		return l.submitNow(ctx, processID, req)
	})
}

func (l *Loop) submitNow(ctx context.Context, processID string, req controlapi.SubmitProcessRequest) (controlapi.SubmitProcessResponse, error) {
	g, err := graph.Build(ctx, processID, req.Nodes, req.Edges)
	if err != nil {
		return controlapi.SubmitProcessResponse{}, err
	}
	if err := g.AnnotateDurations(ctx, l.estimateNode); err != nil {
		return controlapi.SubmitProcessResponse{}, err
	}
	if err := l.inst.Submit(ctx, g, req.Priority); err != nil {
		return controlapi.SubmitProcessResponse{}, err
	}
	l.exec.PauseProcess(processID)
	l.publishProcess(processID, "submitted")
	return controlapi.SubmitProcessResponse{ProcessID: processID}, nil
}

// scheduleDelayedSubmit arranges for processID to actually be submitted
// after delay elapses, via the command queue like every other mutation.
func (l *Loop) scheduleDelayedSubmit(processID string, delay time.Duration, req controlapi.SubmitProcessRequest) {
	timer := time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.delayTimers, processID)
		l.mu.Unlock()

		ctx := l.baseCtx
		l.cmds <- func() {
			if _, err := l.submitNow(ctx, processID, req); err != nil {
				ctxlog.FromContext(ctx).Error("delayed submit_process failed", "process", processID, "error", err)
			}
		}
	})
	l.mu.Lock()
	l.delayTimers[processID] = timer
	l.mu.Unlock()
}

// Start resumes dispatch for every named process, the counterpart to
// SubmitProcess leaving a new process paused.
func (l *Loop) Start(ctx context.Context, processIDs []string) error {
	_, err := submitCmd(ctx, l, func() (struct{}, error) {
		for _, pid := range processIDs {
			l.exec.ResumeProcess(pid)
			l.publishProcess(pid, "started")
		}
		return struct{}{}, nil
	})
	return err
}

// Pause halts dispatch, globally or for scope's named processes.
func (l *Loop) Pause(ctx context.Context, scope controlapi.Scope) error {
	return l.withScope(ctx, scope, l.exec.Pause, l.exec.PauseProcess)
}

// Resume reverses Pause.
func (l *Loop) Resume(ctx context.Context, scope controlapi.Scope) error {
	return l.withScope(ctx, scope, l.exec.Resume, l.exec.ResumeProcess)
}

// EnableSimulation sets the shared simulation adapter's playback speed and
// switches scope's processes onto it.
func (l *Loop) EnableSimulation(ctx context.Context, speed float64, scope controlapi.Scope) error {
	_, err := submitCmd(ctx, l, func() (struct{}, error) {
		if speed > 0 {
			l.sim.SetSpeed(speed)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return l.withScope(ctx, scope, l.exec.EnableSimulation, l.exec.EnableSimulationForProcess)
}

// DisableSimulation reverses EnableSimulation.
func (l *Loop) DisableSimulation(ctx context.Context, scope controlapi.Scope) error {
	return l.withScope(ctx, scope, l.exec.DisableSimulation, l.exec.DisableSimulationForProcess)
}

// withScope runs global when scope.Global is set, otherwise perProcess for
// every explicitly-named process id — the shared shape of every scoped
// command except Cancel, which needs per-process error propagation
// CancelProcess's signature requires.
func (l *Loop) withScope(ctx context.Context, scope controlapi.Scope, global func(), perProcess func(string)) error {
	_, err := submitCmd(ctx, l, func() (struct{}, error) {
		if scope.Global {
			global()
			return struct{}{}, nil
		}
		for _, pid := range scope.ProcessIDs {
			perProcess(pid)
		}
		return struct{}{}, nil
	})
	return err
}

// Cancel cooperatively cancels every process in scope: Executor.CancelProcess
// already handles waiting for in-flight steps to settle before removing the
// process from the Scheduling Instance, so Cancel only needs to pick which
// processes to call it on.
func (l *Loop) Cancel(ctx context.Context, scope controlapi.Scope) error {
	_, err := submitCmd(ctx, l, func() (struct{}, error) {
		ids := scope.ProcessIDs
		if scope.Global {
			ids = l.inst.ProcessIDs()
		}
		for _, pid := range ids {
			if err := l.exec.CancelProcess(ctx, pid); err != nil {
				return struct{}{}, err
			}
			l.publishProcess(pid, "cancelled")
		}
		return struct{}{}, nil
	})
	return err
}

// ConfigureLab additively applies doc to the device catalogue.
func (l *Loop) ConfigureLab(ctx context.Context, doc labconfig.Document) (controlapi.ConfigureLabResponse, error) {
	return submitCmd(ctx, l, func() (controlapi.ConfigureLabResponse, error) {
		added, err := labconfig.Apply(ctx, l.store, &doc)
		if err != nil {
			return controlapi.ConfigureLabResponse{}, err
		}
		return controlapi.ConfigureLabResponse{AddedDevices: added}, nil
	})
}

// QueryStatus reports every operation step's state and ETA for processID,
// or for every live process when processID is empty.
func (l *Loop) QueryStatus(ctx context.Context, processID string) (controlapi.StatusReport, error) {
	return submitCmd(ctx, l, func() (controlapi.StatusReport, error) {
		ids := []string{processID}
		if processID == "" {
			ids = l.inst.ProcessIDs()
		}

		var report controlapi.StatusReport
		for _, pid := range ids {
			g, ok := l.inst.Graph(pid)
			if !ok {
				continue
			}
			ps := controlapi.ProcessStatus{ProcessID: pid}
			for _, n := range g.AllNodes(ctx) {
				if n.Kind != graph.KindOperation {
					continue
				}
				ss := controlapi.StepStatus{StepID: n.ID, ProcessID: pid, State: l.exec.StepState(n.ID)}
				if eta, ok := l.exec.StepETA(n.ID); ok {
					ss.ETA = &eta
				}
				ps.Steps = append(ps.Steps, ss)
			}
			sort.Slice(ps.Steps, func(i, j int) bool { return ps.Steps[i].StepID < ps.Steps[j].StepID })
			report.Processes = append(report.Processes, ps)
		}
		sort.Slice(report.Processes, func(i, j int) bool { return report.Processes[i].ProcessID < report.Processes[j].ProcessID })
		return report, nil
	})
}

// estimateNode bridges a Workflow Graph node to the Duration Estimator's
// Template, resolving a movement step's source device kind from the
// container's current position in the Status Store — the only place that
// information is available at submit time.
func (l *Loop) estimateNode(ctx context.Context, n *graph.Node) (time.Duration, bool) {
	tmpl := estimatorTemplate(n)
	if n.IsMovement {
		if kind, ok := l.sourceDeviceKind(ctx, n); ok {
			tmpl.SourceDeviceKind = kind
		}
		if target := n.TargetDevice(); target != "" {
			if d, ok := l.store.Device(ctx, target); ok {
				tmpl.TargetDeviceKind = d.Kind
			}
		}
	}
	return l.est.Estimate(ctx, tmpl, 0)
}

func estimatorTemplate(n *graph.Node) estimator.Template {
	return estimator.Template{
		IsMovement:       n.IsMovement,
		Fct:              n.Fct,
		Params:           n.OperationParams,
		ExpectedDuration: n.ExpectedDur,
	}
}

func (l *Loop) sourceDeviceKind(ctx context.Context, n *graph.Node) (domain.Kind, bool) {
	if len(n.Containers) == 0 {
		return "", false
	}
	c, ok, err := l.store.Container(ctx, n.Containers[0])
	if err != nil || !ok {
		return "", false
	}
	d, ok := l.store.Device(ctx, c.CurrentPos.Device)
	if !ok {
		return "", false
	}
	return d.Kind, true
}
