package core

import (
	"time"

	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/executor"
)

// StepStateChanged implements executor.EventSink, forwarding every step
// state transition onto the observation plane.
func (l *Loop) StepStateChanged(stepID, processID string, state executor.StepState) {
	ev := controlapi.Event{
		Type:      "step",
		ProcessID: processID,
		StepID:    stepID,
		State:     string(state),
		Time:      time.Now(),
	}
	if eta, ok := l.exec.StepETA(stepID); ok {
		ev.ETA = &eta
	}
	l.hub.Publish(ev)
}

// publishProcess broadcasts a process-level transition (submitted, started,
// cancelled) that has no single step to hang off of.
func (l *Loop) publishProcess(processID, state string) {
	l.hub.Publish(controlapi.Event{
		Type:      "process",
		ProcessID: processID,
		State:     state,
		Time:      time.Now(),
	})
}
