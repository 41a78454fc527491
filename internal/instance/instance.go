// Package instance implements the Scheduling Instance: the mutable
// aggregation of every live workflow graph plus the current device
// capacity view that the Scheduler operates on.
//
// # Why this exists
//
// The Scheduler needs a single, consistent answer to "what could run right
// now and under what constraints" across every process submitted to the
// lab, not just one workflow graph at a time. Concentrating submit/cancel,
// readiness detection, and capacity accounting here — instead of scattering
// them across the graph and the scheduler — keeps internal/scheduler a pure
// function of an instance.Snapshot value, per the design notes' requirement
// that the scheduler never touch the Status Store directly.
//
// # How it works
//
//  1. Processes are added via Submit, each contributing one *graph.Graph.
//  2. ReadySteps scans every live graph for operation nodes whose
//     dependencies have all resolved and whose named containers are free.
//  3. OnComplete records a step's outcome and resolves the variable or
//     branch it produced; CommitAssignment/ReleaseAssignment keep the
//     per-device capacity ledger.
//  4. Snapshot renders an immutable value the Scheduler can consume without
//     ever reaching back into this package's mutable state.
//
// # Relationship with other components
//
//   - Workflow Graph: Instance holds one *graph.Graph per live process and
//     delegates topology queries (deps, successors, branch resolution) to it.
//   - Status Store: Instance reads container positions through a narrow
//     view interface, never writes to it — only the Executor commits.
//   - Scheduler: consumes Snapshot, returns a Plan; Instance never calls
//     into the scheduler itself, that's internal/core's job.
package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/scheduler"
)

// ContainerView is the narrow read-only slice of the Status Store the
// Instance needs: current positions, kept separate from the full
// statusstore.Store interface so this package cannot be tempted to mutate
// the store directly.
type ContainerView interface {
	ContainerPosition(ctx context.Context, containerID string) (domain.Position, bool)
}

// DeviceView is the read-only slice of the device catalogue the Instance
// needs for capacity accounting.
type DeviceView interface {
	Device(ctx context.Context, name string) (domain.Device, bool)
	Devices(ctx context.Context) []domain.Device
}

// StepOutcome is what OnComplete needs to know about a finished step.
type StepOutcome struct {
	NodeID string
	Status domain.StepStatus
	Value  any       // producing operations' returned value, fed into their variable node
	Finish time.Time // observed completion instant, used to seed downstream wait-window accounting
}

// capacityLedger tracks, per device, how many containers are committed
// (already running) versus tentatively assigned by the most recent plan —
// capacity accounting the design notes explicitly keep out of the pure
// scheduler.
type capacityLedger struct {
	committed map[string]int
	tentative map[string]int
}

func newCapacityLedger() *capacityLedger {
	return &capacityLedger{committed: make(map[string]int), tentative: make(map[string]int)}
}

// Instance is the Scheduling Instance.
type Instance struct {
	mu sync.RWMutex

	graphs   map[string]*graph.Graph // process id -> graph
	priority map[string]int          // process id -> priority (lower = higher)
	ledger   *capacityLedger
	// finish records, per operation node id, the instant it actually
	// completed — consulted by Snapshot to seed the wait-window ReadyAt
	// calculation for steps depending on an already-finished predecessor,
	// since such a predecessor never itself appears as a StepView.
	finish map[string]time.Time

	containers ContainerView
	devices    DeviceView
}

// New creates an empty Scheduling Instance backed by the given read-only
// views into the Status Store.
func New(containers ContainerView, devices DeviceView) *Instance {
	return &Instance{
		graphs:     make(map[string]*graph.Graph),
		priority:   make(map[string]int),
		ledger:     newCapacityLedger(),
		finish:     make(map[string]time.Time),
		containers: containers,
		devices:    devices,
	}
}

// Submit adds a newly-built workflow graph as a live process.
func (inst *Instance) Submit(ctx context.Context, g *graph.Graph, priority int) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.graphs[g.ProcessID]; ok {
		return faults.Newf(faults.StateConflict, "process %q already submitted", g.ProcessID).WithProcess(g.ProcessID)
	}
	inst.graphs[g.ProcessID] = g
	inst.priority[g.ProcessID] = priority
	return nil
}

// Cancel removes a process's not-yet-started steps from the instance. It
// does not touch in-flight steps; internal/core's cooperative-cancel path
// handles those through the Executor and then calls Cancel once they settle.
func (inst *Instance) Cancel(ctx context.Context, processID string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.graphs[processID]; !ok {
		return faults.Newf(faults.StateConflict, "unknown process %q", processID)
	}
	delete(inst.graphs, processID)
	delete(inst.priority, processID)
	return nil
}

// Priority returns the process's scheduling priority, used by the
// scheduler's tie-break rule.
func (inst *Instance) Priority(processID string) int {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.priority[processID]
}

// Graph returns the live graph for a process, if any.
func (inst *Instance) Graph(processID string) (*graph.Graph, bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	g, ok := inst.graphs[processID]
	return g, ok
}

// ProcessIDs returns every currently live process id, for callers that
// need to act on "every process" (a global pause/cancel, or a
// process_id-less query_status) without the Instance itself knowing
// anything about scopes or commands.
func (inst *Instance) ProcessIDs() []string {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	ids := make([]string, 0, len(inst.graphs))
	for id := range inst.graphs {
		ids = append(ids, id)
	}
	return ids
}

// ReadySteps returns operation nodes, across every live process, whose
// predecessors have all resolved, whose wait windows (if any) have already
// elapsed, and whose named containers pass the deep-well position filter
// and are not held by another in-flight step — the
// concurrency-control half of spec §4.5. It is a thin filter over Snapshot,
// so the two share the exact same readiness decision instead of each
// re-deriving it.
func (inst *Instance) ReadySteps(ctx context.Context, inFlight map[string]bool) ([]*graph.Node, error) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	now := time.Now()
	snap, err := inst.snapshotLocked(ctx, inFlight, now, nil)
	if err != nil {
		return nil, err
	}

	var ready []*graph.Node
	for _, sv := range snap.Steps {
		if len(sv.Deps) > 0 || sv.ReadyAt.After(now) {
			continue // still waiting on a sibling step or a wait window
		}
		g, ok := inst.graphs[sv.ProcessID]
		if !ok {
			continue
		}
		n, ok := g.Node(ctx, sv.ID)
		if !ok {
			continue
		}
		ready = append(ready, n)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

func containersHeld(containers []string, inFlight map[string]bool) bool {
	for _, c := range containers {
		if inFlight[c] {
			return true
		}
	}
	return false
}

// containerPositionsMatch enforces spec §3's compatibility filter: a
// container currently parked at a deep-well-unsuited position cannot be
// named by an operation that requires one.
func containerPositionsMatch(ctx context.Context, containers ContainerView, n *graph.Node) bool {
	if !n.RequiresDeepWell {
		return true
	}
	for _, c := range n.Containers {
		pos, ok := containers.ContainerPosition(ctx, c)
		if !ok {
			continue
		}
		if !pos.DeepWellSuited {
			return false
		}
	}
	return true
}

// OnComplete records a step's outcome against the workflow graph: resolves
// the variable it produced (if any), marks the operation Resolved so
// ReadySteps and Snapshot stop considering it, and lets dependent branch nodes
// become resolvable once all of their predicate inputs are known.
func (inst *Instance) OnComplete(ctx context.Context, processID string, outcome StepOutcome) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	g, ok := inst.graphs[processID]
	if !ok {
		return faults.Newf(faults.StateConflict, "unknown process %q", processID)
	}
	n, ok := g.Node(ctx, outcome.NodeID)
	if !ok {
		return faults.Newf(faults.StateConflict, "unknown step %q in process %q", outcome.NodeID, processID)
	}
	n.Status = graph.StatusResolved
	if !outcome.Finish.IsZero() {
		inst.finish[n.ID] = outcome.Finish
	}

	if outcome.Status != domain.StepOK {
		return nil
	}

	for _, dependentID := range dependentsOf(ctx, g, n) {
		dep, ok := g.Node(ctx, dependentID)
		if !ok || dep.Kind != graph.KindVariable || dep.ProducedBy != n.ID {
			continue
		}
		dep.Value = outcome.Value
		dep.Resolved = true
		dep.Status = graph.StatusResolved
	}

	// The variable just resolved may unblock a chain of computation nodes
	// and, transitively, a branch predicate — resolve as much of that as
	// is now possible so Snapshot sees pruned/ready nodes immediately on
	// the next call, instead of one graph-pass behind.
	return g.EvaluateReady(ctx)
}

func dependentsOf(ctx context.Context, g *graph.Graph, n *graph.Node) []string {
	ids, err := g.Dependents(ctx, n.ID)
	if err != nil {
		return nil
	}
	return ids
}

// DeviceCapacity returns the device's configured and currently committed
// occupancy, used by the scheduler snapshot builder.
func (inst *Instance) DeviceCapacity(ctx context.Context, name string) (capacity, committed int, ok bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	d, ok := inst.devices.Device(ctx, name)
	if !ok {
		return 0, 0, false
	}
	return d.Capacity, inst.ledger.committed[name], true
}

// CommitAssignment marks a device's capacity as consumed by a step the
// Executor has actually dispatched, distinct from a merely-planned
// tentative assignment that the scheduler may still revise.
func (inst *Instance) CommitAssignment(device string, n int) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.ledger.committed[device] += n
}

// ReleaseAssignment reverses CommitAssignment once a step finishes.
func (inst *Instance) ReleaseAssignment(device string, n int) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.ledger.committed[device] -= n
	if inst.ledger.committed[device] < 0 {
		inst.ledger.committed[device] = 0
	}
}

// Snapshot renders every not-yet-executed, not-pruned operation across
// every live process as a scheduler.Snapshot, the way the scheduler's own
// batch ordering expects: Deps names sibling StepViews still in this same
// batch (other pending operations), so the scheduler can sequence a whole
// chain of not-yet-started steps in one pass, exactly mirroring how
// internal/scheduler's tests exercise multi-step dependency chains.
//
// A dependency that already finished is not itself a StepView — nothing
// is left to schedule for it — so its wait window (MinWait/MaxWait/cost)
// is folded directly into this step's ReadyAt using the recorded finish
// instant from inst.finish, instead of being carried in WaitFrom, which is
// reserved for dependencies still present in this batch.
//
// A node whose non-operation dependency (variable, computation, or branch
// outcome) has not yet resolved is excluded outright: its branch may still
// prune it, or its operation parameters are not yet known.
//
// A movement operation's concrete destination device is read out of
// OperationParams["target_device"], the convention the out-of-scope parser
// uses to encode a transfer step's destination (spec.md leaves the exact
// field name to the parser; this is the resolved choice, see DESIGN.md).
func (inst *Instance) Snapshot(ctx context.Context, inFlight map[string]bool, now time.Time, previous *scheduler.Plan) (scheduler.Snapshot, error) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.snapshotLocked(ctx, inFlight, now, previous)
}

// snapshotLocked is Snapshot's body, callable by anything already holding
// inst.mu for reading — ReadySteps is the other caller, so the two never
// diverge on what counts as ready.
func (inst *Instance) snapshotLocked(ctx context.Context, inFlight map[string]bool, now time.Time, previous *scheduler.Plan) (scheduler.Snapshot, error) {
	var steps []scheduler.StepView
	for processID, g := range inst.graphs {
		for _, n := range g.AllNodes(ctx) {
			if n.Kind != graph.KindOperation || n.Status != graph.StatusPending {
				continue
			}
			if containersHeld(n.Containers, inFlight) {
				continue
			}
			if !containerPositionsMatch(ctx, inst.containers, n) {
				continue
			}

			var opDeps []string
			waitFrom := make(map[string]scheduler.WaitConstraint)
			readyAt := now
			excluded := false

			for _, e := range g.InEdges(ctx, n.ID) {
				dep, ok := g.Node(ctx, e.From)
				if !ok {
					continue
				}
				switch dep.Kind {
				case graph.KindOperation:
					if dep.Status == graph.StatusResolved {
						if finish, ok := inst.finish[dep.ID]; ok {
							if candidate := finish.Add(e.MinWait); candidate.After(readyAt) {
								readyAt = candidate
							}
						}
					} else if dep.Status == graph.StatusPruned {
						// unreachable via this edge; ignore.
					} else {
						opDeps = append(opDeps, dep.ID)
						waitFrom[dep.ID] = scheduler.WaitConstraint{MinWait: e.MinWait, MaxWait: e.MaxWait, WaitCost: e.WaitCost}
					}
				case graph.KindVariable, graph.KindComputation:
					if !dep.Resolved {
						excluded = true
					}
				case graph.KindBranch:
					if dep.Outcome == graph.BranchUnresolved {
						excluded = true
					}
				case graph.KindLabware:
					// always available.
				}
			}
			if excluded {
				continue
			}

			sv := scheduler.StepView{
				ID:           n.ID,
				ProcessID:    processID,
				DeviceKind:   n.DeviceKind,
				Containers:   n.Containers,
				IsMovement:   n.IsMovement,
				EstimatedDur: effectiveDuration(n),
				Deps:         opDeps,
				ReadyAt:      readyAt,
				WaitFrom:     waitFrom,
			}
			if n.IsMovement {
				sv.TargetDevice = n.TargetDevice()
			}
			steps = append(steps, sv)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })

	devices := make(map[string]scheduler.DeviceView, len(inst.devices.Devices(ctx)))
	for _, d := range inst.devices.Devices(ctx) {
		devices[d.Name] = scheduler.DeviceView{
			Name:              d.Name,
			Kind:              d.Kind,
			Capacity:          d.Capacity,
			ProcessCapacity:   d.EffectiveProcessCapacity(),
			MinCapacity:       d.EffectiveMinCapacity(),
			AllowsOverlap:     d.AllowsOverlap,
			CommittedOccupied: inst.ledger.committed[d.Name],
		}
	}

	priority := make(map[string]int, len(inst.priority))
	for k, v := range inst.priority {
		priority[k] = v
	}

	return scheduler.Snapshot{Steps: steps, Devices: devices, Priority: priority, Previous: previous}, nil
}

// effectiveDuration prefers the estimator-stamped EstimatedDur, falling
// back to the step's declared ExpectedDur when AnnotateDurations hasn't
// run (or had no confident estimate) yet.
func effectiveDuration(n *graph.Node) time.Duration {
	if n.EstimatedDur > 0 {
		return n.EstimatedDur
	}
	return n.ExpectedDur
}
