// Package resthttp is a reference Adapter implementation for devices whose
// control plane is a REST API: it POSTs the operation and polls a
// status endpoint until the device reports a terminal state.
//
// This mirrors the shape of the teacher's http_client module (a shared,
// pooled *http.Client asset used by every call against one base URL), but
// built on resty.dev/v3's request builder instead of the bare
// *http.Client/*http.Request pair, since resty is already part of the
// dependency surface this codebase's corpus pulls in and its fluent
// request/retry API is a better fit for the submit-then-poll pattern every
// REST-based device adapter in this package needs.
package resthttp

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/faults"
)

// Config configures one REST-backed device endpoint.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Adapter talks to devices that expose a submit/poll REST control plane.
type Adapter struct {
	client *resty.Client
	cfg    Config
}

// New creates a resthttp Adapter for one device's base URL.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &Adapter{client: client, cfg: cfg}
}

// Close releases the underlying HTTP client's idle connections, the
// resty-idiomatic analogue of the teacher's DestroyHttpClient handler.
func (a *Adapter) Close() error {
	return a.client.Close()
}

type submitResponse struct {
	OperationID string `json:"operation_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Value  any    `json:"value"`
	Error  string `json:"error"`
}

// Submit implements deviceadapter.Adapter.
func (a *Adapter) Submit(ctx context.Context, req deviceadapter.Request) (deviceadapter.Handle, error) {
	logger := ctxlog.FromContext(ctx).With("adapter", "resthttp", "device", req.Device, "fct", req.Fct)

	var out submitResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"step_id":    req.StepID,
			"fct":        req.Fct,
			"containers": req.Containers,
			"params":     req.Params,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/devices/%s/operations", req.Device))
	if err != nil {
		return nil, faults.Transport(err)
	}
	if resp.IsError() {
		return nil, faults.Transport(fmt.Errorf("submit failed: %s", resp.Status()))
	}

	logger.Debug("submitted operation", "operationID", out.OperationID)

	h := &handle{
		adapter:     a,
		device:      req.Device,
		operationID: out.OperationID,
		start:       time.Now(),
	}
	return h, nil
}

type handle struct {
	adapter     *Adapter
	device      string
	operationID string
	start       time.Time
}

// Observe implements deviceadapter.Handle by polling the device's status
// endpoint at PollInterval until a terminal status is reported.
func (h *handle) Observe(ctx context.Context) <-chan deviceadapter.Observation {
	out := make(chan deviceadapter.Observation, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(h.adapter.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				obs, terminal := h.poll(ctx)
				select {
				case out <- obs:
				case <-ctx.Done():
					return
				}
				if terminal {
					return
				}
			}
		}
	}()
	return out
}

func (h *handle) poll(ctx context.Context) (deviceadapter.Observation, bool) {
	var out statusResponse
	resp, err := h.adapter.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/devices/%s/operations/%s", h.device, h.operationID))
	if err != nil {
		obs := deviceadapter.Observation{StartTime: h.start, Status: deviceadapter.StatusFailed, Err: faults.Transport(err)}
		return obs, true
	}
	if resp.IsError() {
		obs := deviceadapter.Observation{StartTime: h.start, Status: deviceadapter.StatusFailed, Err: faults.Transport(fmt.Errorf("poll failed: %s", resp.Status()))}
		return obs, true
	}

	status := deviceadapter.Status(out.Status)
	obs := deviceadapter.Observation{StartTime: h.start, Status: status, Value: out.Value}
	if out.Error != "" {
		obs.Err = fmt.Errorf("%s", out.Error)
	}
	return obs, status.IsTerminal()
}

// Cancel implements deviceadapter.Handle by issuing a DELETE against the
// operation resource; the device's own control loop decides whether and
// how quickly it actually stops.
func (h *handle) Cancel(ctx context.Context) error {
	resp, err := h.adapter.client.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/devices/%s/operations/%s", h.device, h.operationID))
	if err != nil {
		return faults.Transport(err)
	}
	if resp.IsError() {
		return faults.Transport(fmt.Errorf("cancel failed: %s", resp.Status()))
	}
	return nil
}
