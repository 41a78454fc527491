// Package socketio is a reference Adapter implementation for devices that
// expose a socket.io control channel: one persistent socket per device,
// an operation submitted by emitting an event on it, and progress/result
// observed by listening for a configured completion event.
//
// This is adapted directly from the teacher's socketio module, which opens
// a socket.Manager/socket.Socket per invocation, emits on connect, and
// blocks on a done channel until either the configured event fires or a
// timeout elapses. The Adapter here keeps that connect/emit/listen shape
// but holds the socket open across the device's lifetime instead of
// per-call, since a device adapter submits many operations to the same
// device rather than making one connection per request.
package socketio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/faults"
)

// Config configures one socket.io-controlled device.
type Config struct {
	URL       string
	Namespace string
	// OnEvent is the event name the device emits to report an operation's
	// terminal result; the event's payload becomes the Observation's
	// Value.
	OnEvent            string
	InsecureSkipVerify bool
}

// Adapter drives devices over a single persistent socket.io connection.
type Adapter struct {
	cfg     Config
	manager *socket.Manager
	socket  *socket.Socket

	mu      sync.Mutex
	pending map[string]chan deviceadapter.Observation // step ID -> waiting handle
}

// New connects to a socket.io-controlled device and returns an Adapter
// driving it. The connection is shared by every operation Submitted
// afterward.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	logger := ctxlog.FromContext(ctx).With("adapter", "socketio", "url", cfg.URL, "namespace", cfg.Namespace)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, faults.Newf(faults.ConfigError, "parse socketio url: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	a := &Adapter{cfg: cfg, manager: manager, socket: io, pending: make(map[string]chan deviceadapter.Observation)}

	var connected atomic.Bool
	connErr := make(chan error, 1)

	io.On(types.EventName("connect"), func(...any) {
		connected.Store(true)
		logger.Info("connected", "sid", io.Id())
		connErr <- nil
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		if connected.Load() {
			return
		}
		var err error
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", errs[0])
			}
		}
		connErr <- err
	})
	io.On(types.EventName(cfg.OnEvent), a.handleResult)

	io.Connect()

	select {
	case err := <-connErr:
		if err != nil {
			return nil, faults.Transport(err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, faults.New(faults.Cancelled, ctx.Err())
	}

	return a, nil
}

// handleResult dispatches an incoming completion event to the handle that
// is currently waiting for it. Payload is expected to carry the step ID
// under "step_id" so concurrent operations against the same device can be
// told apart; an adapter with only one in-flight operation at a time can
// omit it and rely on there being exactly one pending handle.
func (a *Adapter) handleResult(data ...any) {
	var payload map[string]any
	if len(data) > 0 {
		if m, ok := data[0].(map[string]any); ok {
			payload = m
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stepID, _ := payload["step_id"].(string)
	ch, ok := a.pending[stepID]
	if !ok {
		// No step_id match: fall back to the single pending handle, if any,
		// for devices whose firmware doesn't echo correlation IDs.
		if len(a.pending) != 1 {
			return
		}
		for id, c := range a.pending {
			stepID, ch = id, c
		}
	}

	obs := deviceadapter.Observation{Status: deviceadapter.StatusOK, Progress: 1, Value: payload}
	if errVal, ok := payload["error"]; ok && errVal != nil {
		obs.Status = deviceadapter.StatusFailed
		obs.Err = fmt.Errorf("%v", errVal)
	}

	select {
	case ch <- obs:
	default:
	}
	delete(a.pending, stepID)
}

// Submit implements deviceadapter.Adapter by emitting req.Fct as the
// socket.io event name, carrying req.Params (plus the step ID for
// correlation) as its payload.
func (a *Adapter) Submit(ctx context.Context, req deviceadapter.Request) (deviceadapter.Handle, error) {
	logger := ctxlog.FromContext(ctx).With("adapter", "socketio", "device", req.Device, "fct", req.Fct)

	ch := make(chan deviceadapter.Observation, 1)
	a.mu.Lock()
	a.pending[req.StepID] = ch
	a.mu.Unlock()

	payload := map[string]any{"step_id": req.StepID, "containers": req.Containers}
	for k, v := range req.Params {
		payload[k] = v
	}

	logger.Debug("emitting operation")
	a.socket.Emit(req.Fct, payload)

	return &handle{adapter: a, stepID: req.StepID, start: time.Now(), result: ch}, nil
}

type handle struct {
	adapter *Adapter
	stepID  string
	start   time.Time
	result  chan deviceadapter.Observation
}

// Observe implements deviceadapter.Handle.
func (h *handle) Observe(ctx context.Context) <-chan deviceadapter.Observation {
	out := make(chan deviceadapter.Observation, 1)
	go func() {
		defer close(out)
		select {
		case obs := <-h.result:
			obs.StartTime = h.start
			select {
			case out <- obs:
			case <-ctx.Done():
			}
		case <-ctx.Done():
			obs := deviceadapter.Observation{StartTime: h.start, Status: deviceadapter.StatusTimeout}
			select {
			case out <- obs:
			default:
			}
		}
	}()
	return out
}

// Cancel implements deviceadapter.Handle. socket.io has no generic
// operation-cancel primitive, so this emits a best-effort "cancel" event
// carrying the step ID and stops waiting on the result locally; the device
// is still free to ignore it.
func (h *handle) Cancel(ctx context.Context) error {
	h.adapter.socket.Emit("cancel", map[string]any{"step_id": h.stepID})

	h.adapter.mu.Lock()
	delete(h.adapter.pending, h.stepID)
	h.adapter.mu.Unlock()

	select {
	case h.result <- deviceadapter.Observation{StartTime: h.start, Status: deviceadapter.StatusCancelled}:
	default:
	}
	return nil
}

// Close disconnects the adapter's underlying socket.
func (a *Adapter) Close() error {
	a.socket.Disconnect()
	return nil
}
