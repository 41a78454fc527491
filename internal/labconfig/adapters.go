package labconfig

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/deviceadapter/resthttp"
	"github.com/vk/labsched/internal/deviceadapter/socketio"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/faults"
)

// BuildAdapters constructs one deviceadapter.Adapter per device named in
// doc, wired to the concrete reference implementation its AdapterSpec
// selects. A device with no adapter configured (Type == "" or "sim") gets
// no entry at all — the Executor falls back to its shared simulation
// adapter for any device the resolver doesn't cover, so there is nothing
// for BuildAdapters to construct for it.
func BuildAdapters(ctx context.Context, doc *Document) (executor.AdapterMap, error) {
	adapters := make(executor.AdapterMap)
	for _, spec := range doc.Flatten() {
		a, err := buildOne(ctx, spec.Adapter)
		if err != nil {
			return nil, faults.Newf(faults.ConfigError, "device %q: %v", spec.Name, err).WithDevice(spec.Name)
		}
		if a != nil {
			adapters[spec.Name] = a
		}
	}
	return adapters, nil
}

func buildOne(ctx context.Context, spec AdapterSpec) (deviceadapter.Adapter, error) {
	switch spec.Type {
	case "", "sim":
		return nil, nil
	case "resthttp":
		return resthttp.New(resthttp.Config{
			BaseURL:      spec.BaseURL,
			Timeout:      time.Duration(spec.TimeoutMS) * time.Millisecond,
			PollInterval: time.Duration(spec.PollIntervalMS) * time.Millisecond,
		}), nil
	case "socketio":
		return socketio.New(ctx, socketio.Config{
			URL:                spec.URL,
			Namespace:          spec.Namespace,
			OnEvent:            spec.OnEvent,
			InsecureSkipVerify: spec.InsecureSkipVerify,
		})
	default:
		return nil, faults.Newf(faults.ConfigError, "unknown adapter type %q", spec.Type)
	}
}
