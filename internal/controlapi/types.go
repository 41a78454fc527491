// Package controlapi implements the Control API (spec §4.7): the external
// command/observation surface over which operators submit processes,
// start/pause/resume/cancel them, toggle simulation, query status, and
// reconfigure the device catalogue.
//
// It is split into a command plane (request/response JSON over net/http)
// and an observation plane (a gorilla/websocket Hub broadcasting step and
// process state transitions) — together the "command/observation RPC
// transport" spec §6 asks for. This package only defines the transport and
// the CommandHandler seam; internal/core implements CommandHandler against
// the Scheduling Instance, Executor, and Status Store it owns.
package controlapi

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/graph"
	"github.com/vk/labsched/internal/labconfig"
)

// Idempotent is embedded in every command request that spec §4.7 requires
// to be idempotent "by id where meaningful." A non-empty IdempotencyKey
// makes the Server replay the first call's outcome for every subsequent
// request carrying the same key, instead of re-running the command.
type Idempotent struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Scope selects which processes a pause/resume/cancel/disable_simulation
// command applies to: every live process (Global) or an explicit list.
type Scope struct {
	Global     bool     `json:"global,omitempty"`
	ProcessIDs []string `json:"process_ids,omitempty"`
}

// SubmitProcessRequest carries an already-parsed workflow graph — the
// parser that turns a raw process description into Nodes/Edges is the
// external seam spec §6 names as out of scope; this is the boundary it
// hands off across.
type SubmitProcessRequest struct {
	Idempotent
	Name         string           `json:"name"`
	Nodes        []graph.NodeSpec `json:"nodes"`
	Edges        []graph.EdgeSpec `json:"edges"`
	Priority     int              `json:"priority,omitempty"`
	DelayMinutes int              `json:"delay_minutes,omitempty"`
}

// SubmitProcessResponse is submit_process's `→ process_id` result.
type SubmitProcessResponse struct {
	ProcessID string `json:"process_id"`
}

// StartRequest is `start(process_ids)`.
type StartRequest struct {
	Idempotent
	ProcessIDs []string `json:"process_ids"`
}

// ScopeRequest is the shared shape of pause/resume/cancel/disable_simulation.
type ScopeRequest struct {
	Idempotent
	Scope Scope `json:"scope"`
}

// EnableSimulationRequest is `enable_simulation(speed)`, scoped like any
// other pause/resume-style command.
type EnableSimulationRequest struct {
	Idempotent
	Speed float64 `json:"speed"`
	Scope Scope   `json:"scope"`
}

// StepStatus is one step's entry in a query_status response.
type StepStatus struct {
	StepID    string             `json:"step_id"`
	ProcessID string             `json:"process_id"`
	State     executor.StepState `json:"state"`
	ETA       *time.Time         `json:"eta,omitempty"`
}

// ProcessStatus is one process's entry in a query_status response.
type ProcessStatus struct {
	ProcessID string       `json:"process_id"`
	Steps     []StepStatus `json:"steps"`
}

// StatusReport is query_status's response: every matching process's
// per-step state and ETA.
type StatusReport struct {
	Processes []ProcessStatus `json:"processes"`
}

// ConfigureLabRequest is `configure_lab(config_document)`; Document is
// decoded straight from the request body via the same YAML-tagged struct
// internal/labconfig.Load produces from a file, so one schema serves both
// the file and the wire encoding.
type ConfigureLabRequest struct {
	Idempotent
	Document labconfig.Document `json:"document"`
}

// ConfigureLabResponse reports which devices configure_lab actually added
// — per internal/labconfig.Apply, a device already in the catalogue is
// left untouched rather than re-added.
type ConfigureLabResponse struct {
	AddedDevices []string `json:"added_devices"`
}

// CommandHandler is the command plane's backend: internal/core.Loop
// implements it against the Scheduling Instance, Executor, and Status
// Store it owns as the system's single writer.
type CommandHandler interface {
	SubmitProcess(ctx context.Context, req SubmitProcessRequest) (SubmitProcessResponse, error)
	Start(ctx context.Context, processIDs []string) error
	Pause(ctx context.Context, scope Scope) error
	Resume(ctx context.Context, scope Scope) error
	Cancel(ctx context.Context, scope Scope) error
	EnableSimulation(ctx context.Context, speed float64, scope Scope) error
	DisableSimulation(ctx context.Context, scope Scope) error
	QueryStatus(ctx context.Context, processID string) (StatusReport, error)
	ConfigureLab(ctx context.Context, doc labconfig.Document) (ConfigureLabResponse, error)
}
