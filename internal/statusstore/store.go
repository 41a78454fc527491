// Package statusstore implements the Status Store: the single authoritative
// record of every device, position, container, and executed step in the
// lab.
//
// # Why this exists
//
// Every other component in the orchestration engine needs a consistent
// answer to "where is everything right now" and "what has already
// happened": the Scheduling Instance needs current container positions to
// decide what's ready, the Executor needs to commit the outcome of a step
// atomically, and the Duration Estimator needs history to predict future
// steps. Concentrating all of that behind one narrow interface — instead of
// the design-notes-flagged anti-pattern of a globally shared ORM session
// reached from every subsystem — means the invariants below are enforced in
// exactly one place and can never be bypassed.
//
// # Invariants (enforced atomically by every mutating operation)
//
//   - No position holds more than one container at a time.
//   - Removed containers are excluded from position and barcode lookups.
//   - LidPos is non-nil only while Lidded is false.
//   - CurrentPos always names a position of a device that exists.
//
// Mutating operations are rejected outright on invariant violation — never
// silently corrected — so callers always see either a committed change or
// an error and no change at all.
package statusstore

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/domain"
)

// ContainerSpec describes a container to create via AddContainer.
type ContainerSpec struct {
	Barcode     string
	Pos         domain.Position
	Lidded      bool
	LabwareType string
}

// HistoryFilter narrows History queries. Zero-value fields are wildcards.
type HistoryFilter struct {
	ProcessID string
	Fct       string
	IsMovement bool
	SourceKind domain.Kind
	TargetKind domain.Kind
	Since      time.Time
	Limit      int
}

// Store is the Status Store's public interface. Components outside this
// package reach devices, positions, containers, and history exclusively
// through it.
type Store interface {
	// --- Device catalogue ---

	AddDevice(ctx context.Context, d domain.Device) error
	Device(ctx context.Context, name string) (domain.Device, bool)
	Devices(ctx context.Context) []domain.Device
	// RemoveDevice deletes a device at lab-configuration time only; callers
	// outside configure_lab must not call this.
	RemoveDevice(ctx context.Context, name string) error

	// --- Containers and positions ---

	AddContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// MoveContainer atomically relocates a container. barcode, if non-empty,
	// must match the container at the source position or the move is
	// rejected with a BarcodeMismatch StateConflict.
	MoveContainer(ctx context.Context, srcDevice string, srcSlot int, dstDevice string, dstSlot int, barcode string) error
	Unlid(ctx context.Context, containerID, lidDevice string, lidSlot int) error
	// Lid re-covers a container. If checkPos is true, the lid's last known
	// parked position must match lidDevice/lidSlot or the call is rejected.
	Lid(ctx context.Context, containerID string, lidDevice string, lidSlot int, checkPos bool) error
	SetBarcode(ctx context.Context, containerID, barcode string) error
	RemoveContainer(ctx context.Context, containerID string) error

	PositionEmpty(ctx context.Context, device string, slot int) (bool, error)
	ContainerAt(ctx context.Context, device string, slot int) (domain.Container, bool, error)
	ContainerByBarcode(ctx context.Context, barcode string) (domain.Container, bool, error)
	Container(ctx context.Context, id string) (domain.Container, bool, error)

	// --- History ---

	RecordStep(ctx context.Context, rec domain.HistoryRecord) error
	History(ctx context.Context, filter HistoryFilter) []domain.HistoryRecord

	// --- Lab lifecycle ---

	WipeLab(ctx context.Context) error
}
