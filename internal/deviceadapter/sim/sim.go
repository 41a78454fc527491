// Package sim implements the simulation Adapter the Executor substitutes
// for real device adapters when simulation mode is active (spec §4.5):
// it sleeps for the scheduled duration, optionally accelerated by a speed
// factor, and returns a synthesized value instead of reaching any real
// device.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
)

// ValueFunc synthesizes a producing operation's return value; the default
// returns nil, since most operations don't produce one.
type ValueFunc func(req deviceadapter.Request) any

// Adapter is the simulation device adapter.
type Adapter struct {
	mu    sync.RWMutex
	speed float64 // 1.0 = real time, >1.0 = faster than real time

	valueFn ValueFunc

	// FailureRate, if non-zero, randomly fails a fraction of submissions —
	// used by tests and demos of the Executor's deviation-detection path.
	FailureRate float64
	rng         *rand.Rand
}

// New creates a simulation adapter running at real-time speed.
func New() *Adapter {
	return &Adapter{speed: 1.0, rng: rand.New(rand.NewSource(1))}
}

// SetSpeed sets the acceleration factor; values <= 0 are ignored.
func (a *Adapter) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	a.mu.Lock()
	a.speed = speed
	a.mu.Unlock()
}

// SetValueFunc installs a value synthesizer for producing operations.
func (a *Adapter) SetValueFunc(fn ValueFunc) { a.valueFn = fn }

func (a *Adapter) currentSpeed() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.speed
}

func (a *Adapter) rollFailure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < a.FailureRate
}

// Submit implements deviceadapter.Adapter.
func (a *Adapter) Submit(ctx context.Context, req deviceadapter.Request) (deviceadapter.Handle, error) {
	ctxlog.FromContext(ctx).Debug("simulated submit", "step", req.StepID, "device", req.Device, "fct", req.Fct)
	h := &handle{
		adapter: a,
		req:     req,
		start:   time.Now(),
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

type handle struct {
	adapter *Adapter
	req     deviceadapter.Request
	start   time.Time

	cancel     chan struct{}
	cancelOnce sync.Once

	mu   sync.Mutex
	done chan struct{}
	obs  deviceadapter.Observation
}

func (h *handle) run(ctx context.Context) {
	speed := h.adapter.currentSpeed()
	sleepFor := h.req.Duration
	if speed > 0 {
		sleepFor = time.Duration(float64(sleepFor) / speed)
	}

	timer := time.NewTimer(sleepFor)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		h.finish(deviceadapter.Observation{Status: deviceadapter.StatusCancelled, StartTime: h.start})
		return
	case <-h.cancel:
		h.finish(deviceadapter.Observation{Status: deviceadapter.StatusCancelled, StartTime: h.start})
		return
	case <-timer.C:
	}

	if h.adapter.FailureRate > 0 && h.adapter.rollFailure() {
		h.finish(deviceadapter.Observation{Status: deviceadapter.StatusFailed, StartTime: h.start})
		return
	}

	var value any
	if h.adapter.valueFn != nil {
		value = h.adapter.valueFn(h.req)
	}
	h.finish(deviceadapter.Observation{Status: deviceadapter.StatusOK, StartTime: h.start, Progress: 1, Value: value})
}

func (h *handle) finish(obs deviceadapter.Observation) {
	h.mu.Lock()
	h.obs = obs
	h.mu.Unlock()
	close(h.done)
}

// Observe implements deviceadapter.Handle.
func (h *handle) Observe(ctx context.Context) <-chan deviceadapter.Observation {
	out := make(chan deviceadapter.Observation, 1)
	go func() {
		defer close(out)
		select {
		case <-h.done:
			h.mu.Lock()
			obs := h.obs
			h.mu.Unlock()
			select {
			case out <- obs:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
	return out
}

// Cancel implements deviceadapter.Handle.
func (h *handle) Cancel(ctx context.Context) error {
	h.cancelOnce.Do(func() { close(h.cancel) })
	return nil
}
