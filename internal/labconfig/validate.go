package labconfig

import (
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
)

// Validate checks a Document for unknown device kinds, duplicate device
// names, and missing adapter configuration, and returns the resulting
// device catalogue. Every problem surfaces as a faults.ConfigError per
// spec.md §6/§7 — a lab configuration document is accepted wholesale or
// rejected wholesale, never partially applied.
func Validate(doc *Document) ([]domain.Device, error) {
	specs := doc.Flatten()
	seen := make(map[string]bool, len(specs))
	devices := make([]domain.Device, 0, len(specs))

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, faults.Newf(faults.ConfigError, "device entry is missing a name")
		}
		if seen[spec.Name] {
			return nil, faults.Newf(faults.ConfigError, "duplicate device name %q", spec.Name).WithDevice(spec.Name)
		}
		seen[spec.Name] = true

		kind, ok := deviceKinds[spec.Kind]
		if !ok {
			return nil, faults.Newf(faults.ConfigError, "device %q: unknown device kind %q", spec.Name, spec.Kind).WithDevice(spec.Name)
		}
		if spec.Capacity <= 0 {
			return nil, faults.Newf(faults.ConfigError, "device %q: capacity must be positive", spec.Name).WithDevice(spec.Name)
		}
		if err := validateAdapter(spec.Name, spec.Adapter); err != nil {
			return nil, err
		}

		devices = append(devices, spec.toDevice(kind))
	}

	return devices, nil
}

func validateAdapter(name string, adapter AdapterSpec) error {
	switch adapter.Type {
	case "", "sim":
		// No further configuration needed: either the device has no adapter
		// of its own and always runs in simulation, or its entry explicitly
		// opts into sim.
		return nil
	case "resthttp":
		if adapter.BaseURL == "" {
			return faults.Newf(faults.ConfigError, "device %q: resthttp adapter requires base_url", name).WithDevice(name)
		}
	case "socketio":
		if adapter.URL == "" {
			return faults.Newf(faults.ConfigError, "device %q: socketio adapter requires url", name).WithDevice(name)
		}
	default:
		return faults.Newf(faults.ConfigError, "device %q: unknown adapter type %q", name, adapter.Type).WithDevice(name)
	}
	return nil
}
