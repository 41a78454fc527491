package statusstore

import (
	"context"

	"github.com/vk/labsched/internal/domain"
)

// Backend is the pluggable persistence contract named by the design's
// external-interfaces section: CRUD for devices, positions, containers,
// processes, experiments, process steps (with a movement-step
// specialization carrying origin/destination/lid flags), and per-device
// certificates.
//
// The in-memory Store (package statusstore/inmemory) is both the reference
// Store implementation and the reference Backend implementation — it
// persists nothing across process restarts, but every invariant a real
// database-backed Backend would need to uphold is enforced identically.
//
// # Transactional contract
//
// CommitStep must apply every side effect of one executed step — the
// container move or lid transition, the history record, and any variable
// resolution bookkeeping the caller passes along — as a single atomic
// unit. The in-memory implementation gets this for free from its mutex; a
// SQL-backed Backend MUST wrap the equivalent writes in one transaction.
// This resolves the design's open question about "safe_step_to_db": the
// name's implication (safe against partial writes) is the requirement, not
// merely an aspiration.
type Backend interface {
	PutDevice(ctx context.Context, d domain.Device) error
	DeleteDevice(ctx context.Context, name string) error

	PutContainer(ctx context.Context, c domain.Container) error
	DeleteContainer(ctx context.Context, id string) error

	// CommitStep persists one executed step's full side effects atomically.
	CommitStep(ctx context.Context, rec domain.HistoryRecord, updated *domain.Container) error
}
