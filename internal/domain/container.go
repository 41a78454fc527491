package domain

import "time"

// Container is a physical labware item (plate, tube) tracked by the Status
// Store. Rows are never hard-deleted: history is append-only, and a
// container's terminal state is Removed=true, not a missing row.
type Container struct {
	ID          string
	Barcode     string
	CurrentPos  Position
	StartingPos Position
	// Lidded is true when the container's lid is on. LidPos is non-nil iff
	// Lidded is false and the detached lid has been parked somewhere the
	// Store tracks; it is nil while the lid is, say, held by a gripper
	// in-flight, or once it has been reunited with the container.
	Lidded      bool
	LidPos      *Position
	LabwareType string
	Removed     bool
}

// StepStatus is the terminal or in-flight status of one executed step, as
// recorded in a HistoryRecord.
type StepStatus string

const (
	StepOK        StepStatus = "ok"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// HistoryRecord is one append-only entry in a container's (and the lab's)
// execution history, for a single executed step.
type HistoryRecord struct {
	StepID       string
	ProcessID    string
	ExperimentID string
	Containers   []string
	Device       string
	Fct          string
	// IsMovement marks the record as the product of a move step, so the
	// Duration Estimator can match on (source_device_kind, target_device_kind)
	// per spec §4.6 rule (a).
	IsMovement   bool
	SourceKind   Kind
	TargetKind   Kind
	Params       map[string]any
	Start        time.Time
	Finish       time.Time
	Status       StepStatus
	Value        any
	IsSimulation bool
}

// Duration returns Finish-Start; callers rely on Finish >= Start always
// holding for committed records (spec §8 quantified invariant).
func (h HistoryRecord) Duration() time.Duration {
	return h.Finish.Sub(h.Start)
}
