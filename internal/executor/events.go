package executor

import "time"

// EventSink receives a notification every time a step's StepState changes.
// internal/core implements this to forward state transitions onto the
// Control API's observation plane; tests that don't care about the
// observation plane simply never call SetEventSink, leaving it nil.
type EventSink interface {
	StepStateChanged(stepID, processID string, state StepState)
}

// SetEventSink installs the sink notified of every subsequent step state
// change. Not safe to call concurrently with Run.
func (e *Executor) SetEventSink(sink EventSink) {
	e.sink = sink
}

func (e *Executor) notify(stepID, processID string, state StepState) {
	if e.sink != nil {
		e.sink.StepStateChanged(stepID, processID, state)
	}
}

// StepETA reports the most recently planned finish time for a step, per the
// latest Plan the dispatch loop has computed. It returns false if the step
// has never appeared in a Plan — e.g. it is still blocked on an unresolved
// upstream variable or branch.
func (e *Executor) StepETA(stepID string) (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.plan == nil {
		return time.Time{}, false
	}
	a, ok := e.plan.Assignments[stepID]
	if !ok {
		return time.Time{}, false
	}
	return a.Finish, true
}
