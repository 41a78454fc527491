// Package labconfig loads and validates the lab configuration document: the
// YAML description of every device the lab owns and how to reach it. It is
// the seam spec.md §6 calls "lab configuration document" and the source
// internal/core uses to populate the Status Store's device catalogue and
// build the Executor's AdapterResolver at startup (and again on a
// configure_lab command).
package labconfig

import (
	"sort"

	"github.com/vk/labsched/internal/domain"
)

// Document is the root of a lab configuration file: devices grouped by
// kind, keyed by device name, the `devices: <kind>: <device_name>: {...}`
// shape spec.md §6 specifies. Translation is passed straight through to the
// external process-description parser; internal/labconfig never reads it
// itself.
type Document struct {
	Devices     map[string]map[string]DeviceSpec `yaml:"devices" json:"devices"`
	Translation map[string]string                `yaml:"translation,omitempty" json:"translation,omitempty"`
}

// DeviceSpec describes one device: its place in the Status Store's
// catalogue (Capacity/...) plus the Adapter config needed to actually
// command it. Its name and kind are not fields of DeviceSpec itself — they
// come from the two levels of Document.Devices it is nested under.
type DeviceSpec struct {
	Capacity        int            `yaml:"capacity" json:"capacity"`
	ProcessCapacity int            `yaml:"process_capacity,omitempty" json:"process_capacity,omitempty"`
	MinCapacity     int            `yaml:"min_capacity,omitempty" json:"min_capacity,omitempty"`
	AllowsOverlap   bool           `yaml:"allows_overlap,omitempty" json:"allows_overlap,omitempty"`
	Params          map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Adapter         AdapterSpec    `yaml:"adapter,omitempty" json:"adapter,omitempty"`
}

// AdapterSpec selects and configures one of the reference device adapters.
// Type is one of "sim", "resthttp", "socketio"; the remaining fields are
// interpreted according to it, matching how the teacher's runner
// definitions key a block's remaining arguments off a `type` discriminator.
type AdapterSpec struct {
	Type string `yaml:"type" json:"type"`

	// resthttp
	BaseURL        string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	TimeoutMS      int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	PollIntervalMS int    `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`

	// socketio
	URL                string `yaml:"url,omitempty" json:"url,omitempty"`
	Namespace          string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	OnEvent            string `yaml:"on_event,omitempty" json:"on_event,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// deviceKinds maps spec.md §6's recognized configuration section names to
// the singular domain.Kind values the rest of the system uses. A section
// key outside this table is a configuration error, per spec.md §6:
// "Unknown kinds cause a configuration error."
var deviceKinds = map[string]domain.Kind{
	"incubators":      domain.KindIncubator,
	"plate_readers":   domain.KindPlateReader,
	"liquid_handlers": domain.KindLiquidHandler,
	"movers":          domain.KindMover,
	"centrifuges":     domain.KindCentrifuge,
	"storage":         domain.KindStorage,
}

// NamedDeviceSpec pairs one DeviceSpec with the name and section key it was
// nested under, the flattened shape Validate and BuildAdapters iterate.
type NamedDeviceSpec struct {
	Name string
	Kind string // the raw section key, e.g. "plate_readers"
	DeviceSpec
}

// Flatten walks the kind/name nesting and returns one NamedDeviceSpec per
// device, sorted by kind then name so callers see a deterministic order
// despite Devices being a nested map.
func (d *Document) Flatten() []NamedDeviceSpec {
	kinds := make([]string, 0, len(d.Devices))
	for kind := range d.Devices {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []NamedDeviceSpec
	for _, kind := range kinds {
		byName := d.Devices[kind]
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, NamedDeviceSpec{Name: name, Kind: kind, DeviceSpec: byName[name]})
		}
	}
	return out
}

// toDevice converts a validated NamedDeviceSpec, plus its already-resolved
// domain.Kind, into the domain.Device the Status Store owns. Validation
// must run first; toDevice does not re-check the kind or duplicate names.
func (s NamedDeviceSpec) toDevice(kind domain.Kind) domain.Device {
	return domain.Device{
		Name:            s.Name,
		Kind:            kind,
		Capacity:        s.Capacity,
		ProcessCapacity: s.ProcessCapacity,
		MinCapacity:     s.MinCapacity,
		AllowsOverlap:   s.AllowsOverlap,
		Params:          s.Params,
	}
}
