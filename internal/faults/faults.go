// Package faults defines the error-kind taxonomy shared by every component
// of the orchestrator.
//
// # Why this exists
//
// The design calls for explicit result values instead of exception-based
// control flow: a scheduler that cannot find a feasible plan, a store that
// would violate an invariant, or a device that times out are all normal,
// expected outcomes, not programmer bugs. Callers need to branch on *which*
// kind of outcome occurred (should this process fail? should the caller
// retry? is this worth paging someone?) without parsing error strings, so
// every error that crosses a component boundary is wrapped in a *Fault*
// carrying one of a closed set of Kinds.
//
// Fault implements Is and Unwrap, so both
// `errors.Is(err, faults.AsSentinel(faults.Unschedulable))` and
// `errors.Is(err, underlyingCause)` work against the same value.
package faults

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories named by the design.
type Kind string

const (
	// ConfigError: invalid lab document or missing translation for a used
	// device kind. Surfaced at load time, fatal for that load call.
	ConfigError Kind = "config_error"
	// StateConflict: a Status Store mutation would violate an invariant
	// (position occupied, ambiguous source, barcode mismatch). Rejected,
	// no state change.
	StateConflict Kind = "state_conflict"
	// Unschedulable: the scheduler proved no feasible plan exists. The
	// owning process moves to failed; others continue.
	Unschedulable Kind = "unschedulable"
	// StepFailure: a device adapter returned failed/timeout. Triggers a
	// short re-plan.
	StepFailure Kind = "step_failure"
	// Cancelled: explicit user cancellation. Not an error to the system;
	// reported as a terminal state.
	Cancelled Kind = "cancelled"
	// TransportError: lost connection to a device adapter. Always
	// constructed as a StepFailure with Cause set to CauseTransport.
	TransportError Kind = "transport_error"
)

// Cause refines a StepFailure with why the step failed, without widening
// the Kind taxonomy itself.
type Cause string

const (
	CauseNone      Cause = ""
	CauseTransport Cause = "transport"
	CauseTimeout   Cause = "timeout"
	CauseDevice    Cause = "device"
)

// Fault is the concrete error type every component returns for an expected,
// named failure mode. It is never used for programmer errors (those panic,
// per the config-loading and registry-validation convention elsewhere in
// this codebase).
type Fault struct {
	Kind      Kind
	Cause     Cause
	Device    string
	Step      string
	Container string
	Process   string
	Err       error
}

func (f *Fault) Error() string {
	msg := string(f.Kind)
	if f.Cause != CauseNone {
		msg += "/" + string(f.Cause)
	}
	if f.Process != "" {
		msg += fmt.Sprintf(" process=%s", f.Process)
	}
	if f.Step != "" {
		msg += fmt.Sprintf(" step=%s", f.Step)
	}
	if f.Device != "" {
		msg += fmt.Sprintf(" device=%s", f.Device)
	}
	if f.Container != "" {
		msg += fmt.Sprintf(" container=%s", f.Container)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is lets errors.Is(err, faults.AsSentinel(faults.ConfigError)) match any
// Fault of that Kind. Other targets, including another *Fault, do not match.
func (f *Fault) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return f.Kind == Kind(k)
	}
	return false
}

// kindSentinel lets the exported Kind constants double as errors.Is targets.
type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// AsSentinel returns an error value for errors.Is(err, faults.AsSentinel(faults.Unschedulable)).
func AsSentinel(k Kind) error { return kindSentinel(k) }

// New builds a Fault of the given kind wrapping err.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf builds a Fault of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStep returns a copy of f annotated with the step identity.
func (f *Fault) WithStep(step string) *Fault {
	g := *f
	g.Step = step
	return &g
}

// WithDevice returns a copy of f annotated with the device name.
func (f *Fault) WithDevice(device string) *Fault {
	g := *f
	g.Device = device
	return &g
}

// WithProcess returns a copy of f annotated with the owning process id.
func (f *Fault) WithProcess(process string) *Fault {
	g := *f
	g.Process = process
	return &g
}

// WithContainer returns a copy of f annotated with the container id.
func (f *Fault) WithContainer(container string) *Fault {
	g := *f
	g.Container = container
	return &g
}

// KindOf extracts the Kind from err if it is (or wraps) a *Fault, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// Transport constructs a StepFailure Fault with CauseTransport, per the
// design's "TransportError is treated as StepFailure with a specific cause."
func Transport(err error) *Fault {
	return &Fault{Kind: StepFailure, Cause: CauseTransport, Err: err}
}

// Timeout constructs a StepFailure Fault with CauseTimeout.
func Timeout(err error) *Fault {
	return &Fault{Kind: StepFailure, Cause: CauseTimeout, Err: err}
}
