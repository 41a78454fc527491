// Package graph implements the Workflow Graph: the immutable DAG built from
// one submitted process description, with labware, operation, variable,
// computation, and branch nodes linked by edges that carry wait windows and
// idle-time cost.
//
// Like the teacher's internal/dag package, a Graph is a concurrency-safe set
// of nodes and directed edges guarded by one mutex. Unlike internal/dag,
// nodes here are not bare IDs: each carries typed payload fields selected by
// its NodeKind, because the scheduler and executor need more than "is this
// node's dependencies satisfied" — they need device kinds, wait windows, and
// runtime-resolved predicate values.
package graph

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/labsched/internal/domain"
)

// NodeKind tags the variant of a Node, per the data model's tagged-sum
// design: one struct, only the fields for the active Kind are populated.
type NodeKind string

const (
	KindLabware     NodeKind = "labware"
	KindOperation   NodeKind = "operation"
	KindVariable    NodeKind = "variable"
	KindComputation NodeKind = "computation"
	KindBranch      NodeKind = "branch"
)

// BranchOutcome records which successor of a resolved branch node was kept.
type BranchOutcome string

const (
	BranchUnresolved BranchOutcome = ""
	BranchTrue       BranchOutcome = "true"
	BranchFalse      BranchOutcome = "false"
)

// Status is a node's position in the workflow's own lifecycle, distinct
// from the step state machine the executor drives (pending/ready/running/
// completed/failed/cancelled/blocked) — a node here is "Resolved" once its
// value (for variable/computation) or outcome (for branch) is known,
// independent of whether any operation has actually executed yet.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusPruned   Status = "pruned"
)

// Node is one vertex of the Workflow Graph. Fields below are grouped by the
// NodeKind that populates them; a Visit switches on Kind and reads only the
// fields that apply.
type Node struct {
	ID   string
	Kind NodeKind

	ProcessID string
	Status    Status

	// --- labware ---
	StartingPos domain.Position

	// --- operation ---
	Fct             string
	ExpectedDur     time.Duration
	EstimatedDur    time.Duration // stamped by AnnotateDurations, zero until then
	DeviceKind      domain.Kind
	Containers      []string
	IsMovement      bool
	OperationParams map[string]any
	// RequiresDeepWell marks an operation that may only run against
	// containers currently at a deep-well-suited position (spec §3's
	// Position.deep_well_suited compatibility filter).
	RequiresDeepWell bool
	// LidTransition is "unlid" or "lid" for one of spec §4.1's two lid ops,
	// empty for every other operation.
	LidTransition string

	// --- variable ---
	ProducedBy string // operation node ID that produces this variable
	Value      any
	Resolved   bool

	// --- computation ---
	Expr    hcl.Expression
	Result  any

	// --- branch ---
	Predicate     hcl.Expression
	TrueSuccessor string
	FalseSuccessor string
	Outcome       BranchOutcome

	deps       map[string]bool
	dependents map[string]bool
}

// Edge links two nodes with the container that ties them and the wait
// window / idle-cost the scheduler must respect on that link.
type Edge struct {
	From          string
	To            string
	ContainerName string
	MinWait       time.Duration
	MaxWait       time.Duration
	WaitCost      float64 // cost per second of idle time between From's finish and To's start
}

func (e Edge) key() string { return e.From + "->" + e.To }

// TargetDevice reads a movement operation's concrete destination device out
// of OperationParams["target_device"] — the convention adopted for the
// field the out-of-scope parser uses to encode a transfer step's
// destination, since spec.md leaves the exact field name unspecified.
// Both internal/instance.Snapshot (for the scheduler) and internal/executor
// (for actually relocating the container) read the destination this way.
func (n *Node) TargetDevice() string {
	v, ok := n.OperationParams["target_device"]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// LidPosition reads a lid op's park position out of
// OperationParams["lid_device"]/["lid_slot"], the same convention
// TargetDevice uses for a movement's destination. ok is false when either
// half is absent, which for a "lid" op means "verify against the
// container's own recorded lid_pos" rather than a specific position.
func (n *Node) LidPosition() (device string, slot int, ok bool) {
	dv, hasDevice := n.OperationParams["lid_device"].(string)
	sv, hasSlot := n.OperationParams["lid_slot"]
	if !hasDevice || !hasSlot {
		return "", 0, false
	}
	switch s := sv.(type) {
	case int:
		return dv, s, true
	case int64:
		return dv, int(s), true
	case float64:
		return dv, int(s), true
	default:
		return "", 0, false
	}
}
