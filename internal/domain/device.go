// Package domain holds the core, storage-agnostic data model of the lab:
// devices, positions, and containers. These types are owned exclusively by
// the Status Store (internal/statusstore); every other package holds them
// by value or by id, never mutates them directly, and never back-references
// an owning process — per the arena-plus-index design note, the Scheduling
// Instance keeps its own flat index from id to these values.
package domain

import "strconv"

// Kind enumerates the recognized device kinds (spec §3, §6).
type Kind string

const (
	KindIncubator     Kind = "incubator"
	KindPlateReader   Kind = "plate_reader"
	KindLiquidHandler Kind = "liquid_handler"
	KindMover         Kind = "mover"
	KindCentrifuge    Kind = "centrifuge"
	KindStorage       Kind = "storage"
)

// ValidKind reports whether k is one of the recognized device kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindIncubator, KindPlateReader, KindLiquidHandler, KindMover, KindCentrifuge, KindStorage:
		return true
	default:
		return false
	}
}

// Device is a physical piece of lab automation hardware with finite
// capacity. Devices are created at lab configuration time, mutated only by
// an administrator (via configure_lab), and destroyed only on a full lab
// reset — never by ordinary workflow execution.
type Device struct {
	// Name uniquely identifies the device within the lab.
	Name string
	Kind Kind
	// Capacity is the maximum number of containers the device can hold
	// concurrently.
	Capacity int
	// ProcessCapacity is the maximum number of concurrent operations the
	// device can run. Defaults to Capacity when zero.
	ProcessCapacity int
	// MinCapacity is the minimum occupancy required for the device to
	// operate at all (e.g. a centrifuge's balance requirement). Defaults
	// to 1 when zero.
	MinCapacity int
	// AllowsOverlap permits two operations to overlap in time on this
	// device. False by default: most devices serialize their operations.
	AllowsOverlap bool
	// Params holds kind-specific custom configuration parameters verbatim
	// from the lab configuration document (e.g. target temperature ranges),
	// opaque to the core and forwarded to device adapters.
	Params map[string]any
}

// EffectiveProcessCapacity returns ProcessCapacity, defaulting to Capacity.
func (d *Device) EffectiveProcessCapacity() int {
	if d.ProcessCapacity > 0 {
		return d.ProcessCapacity
	}
	return d.Capacity
}

// EffectiveMinCapacity returns MinCapacity, defaulting to 1.
func (d *Device) EffectiveMinCapacity() int {
	if d.MinCapacity > 0 {
		return d.MinCapacity
	}
	return 1
}

// Position identifies one addressable slot on a device.
type Position struct {
	Device string
	Slot   int
	// DeepWellSuited is a compatibility filter: some operations require a
	// deep-well-suited position and will not be scheduled onto others.
	DeepWellSuited bool
}

// Empty reports whether p denotes the zero Position (used as a sentinel
// for "no lid parked" / "not yet placed").
func (p Position) Empty() bool {
	return p.Device == "" && p.Slot == 0
}

// Key returns the canonical, comparable map key for a position.
func (p Position) Key() string {
	return p.Device + "#" + strconv.Itoa(p.Slot)
}
