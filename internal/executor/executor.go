// Package executor implements the Executor (spec §4.5): the component that
// turns a Scheduler Plan into actual device operations, observes them to
// completion, and commits their outcomes to the Status Store and the
// Scheduling Instance.
//
// # Why this exists
//
// The Scheduler only ever answers "what could run and when" from a frozen
// snapshot; something has to actually drive real (or simulated) hardware
// against that answer, watch for deviation from the estimate, and make the
// resulting state changes durable. That is this package's whole job — it
// never re-derives feasibility itself, it only executes what the Scheduler
// already decided and re-triggers scheduling when the world changes.
//
// # How it works
//
// Generalized from the teacher's worker-pool graph executor
// (Executor.Execute draining a chan *node.Node of topologically-ready
// nodes with N workers) to a persistent dispatch loop: instead of running
// one static graph to completion, Run drains a chan scheduler.Assignment of
// plan-ready steps for as long as the lab is up, across arbitrarily many
// processes submitted over that lifetime. Instead of invoking a step's
// handler in-process, a worker calls Submit on the deviceadapter.Adapter
// resolved for the step's assigned device (or the shared simulation
// adapter) and drains Observe until a terminal status, then commits the
// outcome.
//
// # Relationship with other components
//
//   - Scheduling Instance: Run calls Snapshot before every dispatch tick
//     and OnComplete after every step settles.
//   - Scheduler: Run calls Schedule to turn each Snapshot into a Plan.
//   - Status Store: commit.go applies the step's effect (container move,
//     lid/unlid) and appends its HistoryRecord.
//   - Device Adapter: worker.go is the only caller of Adapter.Submit and
//     Handle.Observe/Cancel in this codebase.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/instance"
	"github.com/vk/labsched/internal/scheduler"
	"github.com/vk/labsched/internal/statusstore"
)

// StepState is one step's position in the state machine spec §4.5 names:
// pending (not yet ready), ready (planned, waiting for a worker), running
// (submitted to a device adapter), and the four terminal states.
type StepState string

const (
	StepPending   StepState = "pending"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepCancelled StepState = "cancelled"
	StepBlocked   StepState = "blocked"
)

// Config tunes the dispatch loop and worker pool. Zero values are replaced
// by New with the defaults noted below.
type Config struct {
	// NumWorkers is the size of the worker pool, mirroring the teacher's
	// numWorkers <= 0 => 10 default.
	NumWorkers int
	// ShortReplanBudget is the time budget passed to Schedule in
	// scheduler.ModeShort, used for every dispatch tick after the first.
	ShortReplanBudget time.Duration
	// LongReplanBudget is the budget for scheduler.ModeLong, used for the
	// very first dispatch tick.
	LongReplanBudget time.Duration
	// DispatchInterval bounds how long the dispatch loop waits between
	// ticks when nothing else wakes it — the fallback for a step whose
	// ReadyAt is in the future purely due to a wait window elapsing.
	DispatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 10
	}
	if c.ShortReplanBudget <= 0 {
		c.ShortReplanBudget = 2 * time.Second
	}
	if c.LongReplanBudget <= 0 {
		c.LongReplanBudget = 30 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	return c
}

// Executor drives a Scheduling Instance's Plan against device adapters.
//
// Step identity: like scheduler.Plan.Assignments, every map here keyed by
// step ID assumes step (workflow node) IDs are unique across every live
// process, not merely within one process's graph — the out-of-scope parser
// is responsible for handing out globally-unique node IDs, the same
// assumption internal/instance.Snapshot already makes when it flattens
// every process's steps into one scheduler.Snapshot.
type Executor struct {
	mu sync.RWMutex

	inst     *instance.Instance
	store    statusstore.Store
	sched    scheduler.Scheduler
	adapters AdapterResolver
	sim      deviceadapter.Adapter
	sink     EventSink

	cfg Config

	paused          bool
	pausedProcesses map[string]bool
	simGlobal       bool
	simProcesses    map[string]bool

	inFlight     map[string]bool   // container id -> held by a running step
	states       map[string]StepState
	handles      map[string]deviceadapter.Handle // step id -> active handle
	dispatched   map[string]string               // step id -> owning process id, while ready or running
	cancelled    map[string]bool                 // step ids explicitly cancelled via Cancel
	processSteps map[string]map[string]bool      // process id -> active step ids, for CancelProcess

	plan *scheduler.Plan

	ready  chan scheduler.Assignment
	replan chan struct{}
	wg     sync.WaitGroup
}

// New creates an Executor. sim, if non-nil, is the shared simulation
// adapter substituted for real adapters whenever simulation mode is
// active, globally or for the owning process.
func New(inst *instance.Instance, store statusstore.Store, sched scheduler.Scheduler, adapters AdapterResolver, sim deviceadapter.Adapter, cfg Config) *Executor {
	return &Executor{
		inst:            inst,
		store:           store,
		sched:           sched,
		adapters:        adapters,
		sim:             sim,
		cfg:             cfg.withDefaults(),
		pausedProcesses: make(map[string]bool),
		simProcesses:    make(map[string]bool),
		inFlight:        make(map[string]bool),
		states:          make(map[string]StepState),
		handles:         make(map[string]deviceadapter.Handle),
		dispatched:      make(map[string]string),
		cancelled:       make(map[string]bool),
		processSteps:    make(map[string]map[string]bool),
		ready:           make(chan scheduler.Assignment, 64),
		replan:          make(chan struct{}, 1),
	}
}

// StepState returns the last known state of a step, or StepPending if the
// executor has never seen it (it may simply not be ready yet).
func (e *Executor) StepState(stepID string) StepState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.states[stepID]; ok {
		return s
	}
	return StepPending
}

// Run starts the worker pool and the dispatch loop, blocking until ctx is
// cancelled. It returns nil on a clean shutdown (ctx.Err() == context.Canceled)
// and the context error otherwise, mirroring the teacher's Execute
// returning nil once every node the run started with has settled — here
// there is no fixed node count, so "settled" is instead "shut down".
func (e *Executor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("starting executor worker pool", "workers", e.cfg.NumWorkers)
	for i := 0; i < e.cfg.NumWorkers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx, i)
	}

	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	mode := scheduler.ModeLong
	for {
		if err := e.dispatchTick(runCtx, mode); err != nil {
			logger.Error("dispatch tick failed", "error", err)
		}
		mode = scheduler.ModeShort

		select {
		case <-runCtx.Done():
			close(e.ready)
			e.wg.Wait()
			logger.Info("executor stopped")
			if runCtx.Err() == context.Canceled && ctx.Err() == context.Canceled {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		case <-e.replan:
		}
	}
}

// dispatchTick renders a fresh Snapshot, asks the Scheduler for a Plan, and
// sends every not-yet-dispatched, not-paused, currently-startable
// assignment to the worker pool.
func (e *Executor) dispatchTick(ctx context.Context, mode scheduler.Mode) error {
	e.mu.RLock()
	inFlight := make(map[string]bool, len(e.inFlight))
	for k, v := range e.inFlight {
		inFlight[k] = v
	}
	previous, globalPaused := e.plan, e.paused
	e.mu.RUnlock()

	now := time.Now()
	snap, err := e.inst.Snapshot(ctx, inFlight, now, previous)
	if err != nil {
		return err
	}

	budget := e.cfg.ShortReplanBudget
	if mode == scheduler.ModeLong {
		budget = e.cfg.LongReplanBudget
	}
	plan, err := e.sched.Schedule(ctx, snap, now, budget, mode)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.plan = plan
	var toDispatch []scheduler.Assignment
	now = time.Now()
	for stepID, a := range plan.Assignments {
		if _, already := e.dispatched[stepID]; already {
			continue
		}
		if e.cancelled[stepID] {
			continue
		}
		if globalPaused || e.pausedProcesses[a.ProcessID] {
			continue
		}
		if a.EarliestStart.After(now) {
			continue
		}
		e.dispatched[stepID] = a.ProcessID
		e.states[stepID] = StepReady
		toDispatch = append(toDispatch, a)
	}
	e.mu.Unlock()

	for _, a := range toDispatch {
		e.notify(a.StepID, a.ProcessID, StepReady)
	}

	for _, a := range toDispatch {
		select {
		case e.ready <- a:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
