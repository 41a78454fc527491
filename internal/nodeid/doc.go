// internal/nodeid/doc.go

/*
Package nodeid provides a structured, type-safe representation for the
identifiers of workflow-graph nodes (labware, operation, variable,
computation, and branch nodes) and their runtime-expanded instances, based
on the canonical format `path`.

The format is a dot-separated sequence of segments, e.g.
`process-7.op.incubate[0]`: a process prefix, followed by the node's local
name, optionally suffixed with an index when a step has been expanded into
several container instances.

This package enforces the identifier schema and centralizes all formatting
and parsing logic so the Scheduling Instance, Scheduler, and Executor can
pass addresses around as values instead of pointers into a shared graph.
*/
package nodeid
