// Package integration runs spec.md §8's end-to-end scenarios against the
// full in-memory stack (core.Loop, the in-memory Status Store, and the
// simulation device adapter), the same "one file per scenario, package per
// scenario family" shape as the teacher's internal/test/system, collapsed
// to one family since every scenario here exercises the same lab-process
// pipeline rather than distinct subsystems (HCL features, CLI behavior,
// DAG concurrency, ...).
package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/core"
	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/labconfig"
	"github.com/vk/labsched/internal/statusstore/inmemory"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ctxlog.WithLogger(context.Background(), logger)
}

// lab bundles a running Loop with the Store backing it and the goroutine
// running Loop.Run, torn down by calling stop.
type lab struct {
	*core.Loop
	store *inmemory.Store
	stop  func()
	done  chan error
}

// testDevice is a scenario test's terse way to name a device: a singular
// domain.Kind value (e.g. "storage", "incubator") rather than the lab
// configuration document's plural section key, which startLab translates.
type testDevice struct {
	Name        string
	Kind        string
	Capacity    int
	MinCapacity int
}

// kindSections maps a domain.Kind value to the lab configuration
// document's plural section key, spec.md §6's `devices: <kind>: ...`
// nesting.
var kindSections = map[string]string{
	string(domain.KindIncubator):     "incubators",
	string(domain.KindPlateReader):   "plate_readers",
	string(domain.KindLiquidHandler): "liquid_handlers",
	string(domain.KindMover):         "movers",
	string(domain.KindCentrifuge):    "centrifuges",
	string(domain.KindStorage):       "storage",
}

func startLab(t *testing.T, devices ...testDevice) *lab {
	t.Helper()
	store := inmemory.New()
	byKind := make(map[string]map[string]labconfig.DeviceSpec)
	for _, d := range devices {
		section := kindSections[d.Kind]
		if byKind[section] == nil {
			byKind[section] = make(map[string]labconfig.DeviceSpec)
		}
		byKind[section][d.Name] = labconfig.DeviceSpec{Capacity: d.Capacity, MinCapacity: d.MinCapacity}
	}
	doc := &labconfig.Document{Devices: byKind}

	ctx := testContext(t)
	loop, err := core.New(ctx, store, doc, executor.Config{
		NumWorkers:       4,
		DispatchInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(runCtx) }()

	l := &lab{Loop: loop, store: store, done: done}
	l.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(l.stop)

	require.NoError(t, loop.EnableSimulation(ctx, 200, controlapi.Scope{Global: true}))
	return l
}

// stepState looks up one step's reported state within processID's current
// query_status report, via the Control API surface only — internal/core's
// Loop fields are unexported, so this is the same view a real client has.
func stepState(t *testing.T, ctx context.Context, l *lab, processID, stepID string) executor.StepState {
	t.Helper()
	report, err := l.QueryStatus(ctx, processID)
	require.NoError(t, err)
	for _, ps := range report.Processes {
		if ps.ProcessID != processID {
			continue
		}
		for _, ss := range ps.Steps {
			if ss.StepID == stepID {
				return ss.State
			}
		}
	}
	return executor.StepPending
}

// awaitState polls until stepID reaches one of wantAny, or fails the test
// once timeout elapses.
func awaitState(t *testing.T, ctx context.Context, l *lab, processID, stepID string, timeout time.Duration, wantAny ...executor.StepState) executor.StepState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := stepState(t, ctx, l, processID, stepID)
		for _, want := range wantAny {
			if s == want {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := stepState(t, ctx, l, processID, stepID)
	t.Fatalf("step %q never reached %v within %s (last state %q)", stepID, wantAny, timeout, got)
	return executor.StepPending
}
