// Package scheduler provides the decision-making engine that turns a
// Scheduling Instance snapshot into a time-allocated Plan.
//
// # Why Scheduler exists
//
// Every other component that wants to know "when will step X run" or
// "is this workflow even feasible" needs one authoritative answer derived
// from the same rules: device capacity, wait windows, min_capacity
// bundling, container exclusivity, and the no-overlap flag. Concentrating
// that decision here, as a pure function of a Snapshot, means the Executor
// and Control API never have to re-derive feasibility themselves — they
// just read the Plan.
//
// # How it works
//
// Schedule runs a list-scheduling pass over every schedulable step in the
// snapshot:
//  1. Build a ready set: steps whose graph dependencies are already
//     resolved or will resolve by some candidate start time.
//  2. Repeatedly pick the ready step with the earliest feasible start under
//     the normative tie-break order, assign it to a device instant that
//     respects capacity/overlap/min_capacity, and advance.
//  3. Stop when the time budget for the requested Mode is exhausted or the
//     ready set is empty.
//
// This is a dispatch-rule heuristic, not a CP/MIP solver, as the design
// notes explicitly permit provided it never returns an infeasible plan.
//
// # Relationship with other components
//
//   - Scheduling Instance: supplies the Snapshot; Schedule never reads it
//     directly, only the frozen value.
//   - Executor: consumes the returned Plan and drives dispatch against it.
//   - Duration Estimator: Snapshot's steps already carry an EstimatedDur
//     stamped by graph.AnnotateDurations before Schedule ever sees them.
package scheduler

import (
	"context"
	"time"
)

// Mode selects the re-plan strategy, per spec §4.4.
type Mode string

const (
	// ModeShort is a local re-plan with a budget in the low seconds,
	// retaining assignments unaffected by the triggering event.
	ModeShort Mode = "short"
	// ModeLong is a full re-plan with a budget in the tens of seconds,
	// used on initial submission or scheduler reset.
	ModeLong Mode = "long"
)

// Scheduler produces a Plan from a Scheduling Instance snapshot.
type Scheduler interface {
	Schedule(ctx context.Context, snap Snapshot, now time.Time, budget time.Duration, mode Mode) (*Plan, error)
}
