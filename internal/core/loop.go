// Package core implements the single-writer core loop (spec §5): the
// component that owns the Scheduling Instance and Status Store, dispatches
// the Executor, and answers every Control API command against them.
//
// # Why this exists
//
// Every control command (submit, start, pause, cancel, query_status,
// configure_lab) ultimately touches state the Executor's dispatch loop is
// also reading and mutating concurrently. Rather than exposing the
// Scheduling Instance and Status Store directly to the Control API's HTTP
// handlers — which would mean as many writers as there are concurrent
// requests — every command is funneled through one goroutine's command
// queue, the message-passing discipline spec §5 recommends in place of a
// lock shared with the dispatch loop.
//
// # How it works
//
// Loop implements controlapi.CommandHandler. Each method hands a closure to
// Run's command queue and blocks for its result; Run executes those
// closures one at a time on its own goroutine. The delay-timer map, which
// timer callbacks also touch from their own goroutines, is guarded by
// Loop.mu, while the Executor and Scheduling Instance keep their own
// fine-grained locks for the dispatch loop's concurrent readers. This mirrors the teacher's App: a constructor
// that wires dependencies once, and a Run that starts a secondary server
// (there, healthcheck; here, the Executor) in a goroutine before entering
// its own blocking loop.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter/sim"
	"github.com/vk/labsched/internal/estimator"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/instance"
	"github.com/vk/labsched/internal/labconfig"
	"github.com/vk/labsched/internal/scheduler"
	"github.com/vk/labsched/internal/statusstore"
)

// Store is the storage surface the core loop needs: the full Status Store
// plus the narrow ContainerPosition accessor the Scheduling Instance reads
// positions through. internal/statusstore/inmemory.Store satisfies this
// directly; any future backing store must too.
type Store interface {
	statusstore.Store
	instance.ContainerView
}

// Loop is the core loop. It implements controlapi.CommandHandler and
// executor.EventSink.
type Loop struct {
	store Store
	inst  *instance.Instance
	exec  *executor.Executor
	est   *estimator.Estimator
	sim   *sim.Adapter
	hub   *controlapi.Hub

	cmds chan func()

	mu          sync.Mutex
	delayTimers map[string]*time.Timer

	baseCtx context.Context
}

// New wires a Loop from a lab configuration document: applies doc to
// store's device catalogue, builds the device adapters it names, and
// constructs the Scheduling Instance, Duration Estimator, and Executor
// around them, the same one-shot assembly as the teacher's NewApp loading
// config and populating a registry before Run is ever called.
func New(ctx context.Context, store Store, doc *labconfig.Document, execCfg executor.Config) (*Loop, error) {
	if _, err := labconfig.Apply(ctx, store, doc); err != nil {
		return nil, err
	}
	adapters, err := labconfig.BuildAdapters(ctx, doc)
	if err != nil {
		return nil, err
	}

	inst := instance.New(store, store)
	simAdapter := sim.New()
	exec := executor.New(inst, store, scheduler.New(), adapters, simAdapter, execCfg)

	l := &Loop{
		store:       store,
		inst:        inst,
		exec:        exec,
		est:         estimator.New(store),
		sim:         simAdapter,
		hub:         controlapi.NewHub(),
		cmds:        make(chan func()),
		delayTimers: make(map[string]*time.Timer),
	}
	exec.SetEventSink(l)
	return l, nil
}

// Hub returns the observation-plane Hub the Control API's Server should
// serve websocket connections through.
func (l *Loop) Hub() *controlapi.Hub {
	return l.hub
}

// SimAdapter returns the shared simulation device adapter, so a caller
// driving the lab in simulation can install a ValueFunc synthesizing
// producing-operation results (e.g. a plate reader measurement) without
// internal/core needing a command surface for something that is a test and
// demo concern, not a spec §4.7 command.
func (l *Loop) SimAdapter() *sim.Adapter {
	return l.sim
}

// Run starts the Executor's dispatch loop in the background and then drains
// the command queue on this goroutine until ctx is cancelled. It returns
// the Executor's own result: nil after a clean cancellation.
func (l *Loop) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	l.baseCtx = ctx

	execErrCh := make(chan error, 1)
	go func() { execErrCh <- l.exec.Run(ctx) }()

	for {
		select {
		case cmd := <-l.cmds:
			cmd()
		case err := <-execErrCh:
			logger.Info("core loop stopping", "executor_error", err)
			return err
		case <-ctx.Done():
			return <-execErrCh
		}
	}
}

// submitCmd hands fn to Run's command queue and blocks for its result, the
// single point every CommandHandler method funnels through.
func submitCmd[T any](ctx context.Context, l *Loop, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	resCh := make(chan result, 1)
	wrapped := func() {
		v, err := fn()
		resCh <- result{v: v, err: err}
	}

	select {
	case l.cmds <- wrapped:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	select {
	case r := <-resCh:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// newProcessID allocates a fresh, globally-unique process id, matching how
// internal/statusstore/inmemory already mints container ids.
func newProcessID() string {
	return uuid.NewString()
}
