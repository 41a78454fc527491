package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
)

// Graph is one process's immutable workflow DAG. "Immutable" refers to its
// topology — Build constructs nodes and edges once, up front — but node
// Status/Value/Outcome fields are mutated in place as the Scheduling
// Instance resolves variables, branches, and durations, so the struct still
// needs its own lock: the executor's dispatch loop and a concurrent
// query_status call must never race on a node's Status field.
type Graph struct {
	mu sync.RWMutex

	ProcessID string
	nodes     map[string]*Node
	edges     map[string]Edge   // keyed by Edge.key()
	outEdges  map[string][]Edge // From -> edges
	inEdges   map[string][]Edge // To -> edges
}

// New creates an empty Graph for one process.
func New(processID string) *Graph {
	return &Graph{
		ProcessID: processID,
		nodes:     make(map[string]*Node),
		edges:     make(map[string]Edge),
		outEdges:  make(map[string][]Edge),
		inEdges:   make(map[string][]Edge),
	}
}

// NodeSpec and EdgeSpec are the external parser's output DTOs (spec §6):
// the seam between the out-of-scope process-description parser and Build.
type NodeSpec struct {
	ID               string
	Kind             NodeKind
	StartingPos      string // "device#slot", empty unless Kind == KindLabware
	Fct              string
	ExpectedDur      int64 // seconds
	DeviceKind       string
	Containers       []string
	IsMovement       bool
	// LidTransition is "unlid" or "lid" for an operation that is one of
	// spec.md §4.1's two lid ops, empty otherwise. Direction and target
	// position are carried the same way a movement's target device is:
	// OperationParams["lid_device"]/["lid_slot"].
	LidTransition    string
	OperationParams  map[string]any
	RequiresDeepWell bool
	ProducedBy       string
	ExprSource       string // HCL expression source, for computation/branch
	TrueSuccessor    string
	FalseSuccessor   string
}

type EdgeSpec struct {
	From          string
	To            string
	ContainerName string
	MinWaitSec    int64
	MaxWaitSec    int64
	WaitCost      float64
}

// AddNode adds a node with the given ID and kind. A duplicate ID is a
// ConfigError: the parser is expected to hand unique, fully-formed specs.
func (g *Graph) AddNode(ctx context.Context, n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		return faults.Newf(faults.ConfigError, "duplicate node id %q", n.ID)
	}
	n.deps = make(map[string]bool)
	n.dependents = make(map[string]bool)
	if n.Status == "" {
		n.Status = StatusPending
	}
	g.nodes[n.ID] = n
	return nil
}

// AddEdge links two existing nodes. Self-referential edges are rejected
// outright, as in the teacher's dag.Graph.
func (g *Graph) AddEdge(ctx context.Context, e Edge) error {
	if e.From == e.To {
		return faults.Newf(faults.ConfigError, "self-referential edge not allowed: %s -> %s", e.From, e.From)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.nodes[e.From]
	if !ok {
		return faults.Newf(faults.ConfigError, "edge source not found: %s", e.From)
	}
	to, ok := g.nodes[e.To]
	if !ok {
		return faults.Newf(faults.ConfigError, "edge destination not found: %s", e.To)
	}

	g.edges[e.key()] = e
	g.outEdges[e.From] = append(g.outEdges[e.From], e)
	g.inEdges[e.To] = append(g.inEdges[e.To], e)
	from.dependents[e.To] = true
	to.deps[e.From] = true
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(ctx context.Context, id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// AllNodes returns every node in the graph, in no particular order.
func (g *Graph) AllNodes(ctx context.Context) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Dependencies returns the IDs of nodes that id depends on.
func (g *Graph) Dependencies(ctx context.Context, id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, faults.Newf(faults.ConfigError, "node not found: %s", id)
	}
	out := make([]string, 0, len(n.deps))
	for dep := range n.deps {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}

// Dependents returns the IDs of nodes that depend on id.
func (g *Graph) Dependents(ctx context.Context, id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, faults.Newf(faults.ConfigError, "node not found: %s", id)
	}
	out := make([]string, 0, len(n.dependents))
	for dep := range n.dependents {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}

// InEdges returns the edges terminating at id.
func (g *Graph) InEdges(ctx context.Context, id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.inEdges[id]...)
}

// OutEdges returns the edges originating at id.
func (g *Graph) OutEdges(ctx context.Context, id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.outEdges[id]...)
}

// detectCycles runs classic three-color DFS over the dependency relation,
// grounded on the teacher's dag.Graph.DetectCycles.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return faults.Newf(faults.ConfigError, "cycle detected involving node %q", id)
		}
		temporary[id] = true
		for dependent := range g.nodes[id].dependents {
			if err := visit(dependent); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for id := range g.nodes {
		if !permanent[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// validate checks the acyclicity and reachability invariants from the data
// model: acyclic; every operation reachable from at least one labware node;
// every variable has exactly one producing operation.
func (g *Graph) validate() error {
	if err := g.detectCycles(); err != nil {
		return err
	}

	reachable := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for dependent := range g.nodes[id].dependents {
			mark(dependent)
		}
	}
	for id, n := range g.nodes {
		if n.Kind == KindLabware {
			mark(id)
		}
	}
	for id, n := range g.nodes {
		if n.Kind == KindOperation && !reachable[id] {
			return faults.Newf(faults.ConfigError, "operation %q is not reachable from any labware node", id)
		}
	}

	for id, n := range g.nodes {
		if n.Kind == KindVariable {
			if n.ProducedBy == "" {
				return faults.Newf(faults.ConfigError, "variable %q has no producing operation", id)
			}
			if _, ok := g.nodes[n.ProducedBy]; !ok {
				return faults.Newf(faults.ConfigError, "variable %q names unknown producing operation %q", id, n.ProducedBy)
			}
		}
	}
	return nil
}

// Build constructs a Graph from parser output in three passes — create
// nodes, link edges, then validate — the same staged construction as the
// teacher's internal/dag/build.go, generalized from implicit argument links
// to explicit EdgeSpec values carrying wait windows and cost.
func Build(ctx context.Context, processID string, nodeSpecs []NodeSpec, edgeSpecs []EdgeSpec) (*Graph, error) {
	g := New(processID)

	for _, ns := range nodeSpecs {
		n := &Node{
			ID:               ns.ID,
			Kind:             ns.Kind,
			ProcessID:        processID,
			Fct:              ns.Fct,
			DeviceKind:       domain.Kind(ns.DeviceKind),
			Containers:       ns.Containers,
			IsMovement:       ns.IsMovement,
			LidTransition:    ns.LidTransition,
			OperationParams:  ns.OperationParams,
			RequiresDeepWell: ns.RequiresDeepWell,
			ProducedBy:       ns.ProducedBy,
			TrueSuccessor:    ns.TrueSuccessor,
			FalseSuccessor:   ns.FalseSuccessor,
		}
		if ns.ExpectedDur > 0 {
			n.ExpectedDur = time.Duration(ns.ExpectedDur) * time.Second
		}
		switch ns.Kind {
		case KindComputation:
			expr, err := parseExpr(processID, ns.ID, ns.ExprSource)
			if err != nil {
				return nil, err
			}
			n.Expr = expr
		case KindBranch:
			predicate, err := parseExpr(processID, ns.ID, ns.ExprSource)
			if err != nil {
				return nil, err
			}
			n.Predicate = predicate
		}
		if err := g.AddNode(ctx, n); err != nil {
			return nil, err
		}
	}

	for _, es := range edgeSpecs {
		edge := Edge{
			From:          es.From,
			To:            es.To,
			ContainerName: es.ContainerName,
			MinWait:       time.Duration(es.MinWaitSec) * time.Second,
			MaxWait:       time.Duration(es.MaxWaitSec) * time.Second,
			WaitCost:      es.WaitCost,
		}
		if err := g.AddEdge(ctx, edge); err != nil {
			return nil, err
		}
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}
