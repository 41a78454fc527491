package executor

import (
	"github.com/vk/labsched/internal/deviceadapter"
	"github.com/vk/labsched/internal/domain"
)

// AdapterResolver maps a device to the deviceadapter.Adapter that talks to
// it. internal/core builds one from the lab configuration document at
// startup; the executor's tests pass a nil resolver, so every device falls
// back to the shared simulation adapter.
type AdapterResolver interface {
	Adapter(device string, kind domain.Kind) (deviceadapter.Adapter, bool)
}

// AdapterMap is the simplest AdapterResolver: one adapter instance per
// device name. This matches how the reference adapters are actually
// constructed — resthttp.New and socketio.New each take one device's
// connection config, not a kind-wide config, so there is exactly one
// *Adapter per device, never one shared across a whole device kind.
type AdapterMap map[string]deviceadapter.Adapter

// Adapter implements AdapterResolver.
func (m AdapterMap) Adapter(device string, kind domain.Kind) (deviceadapter.Adapter, bool) {
	a, ok := m[device]
	return a, ok
}
