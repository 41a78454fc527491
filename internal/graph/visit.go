package graph

import (
	"context"
	"time"

	"github.com/vk/labsched/internal/faults"
)

// VisitFunc is called once per node during a topological Visit, in an order
// where every dependency of n has already been visited (or was pruned).
type VisitFunc func(ctx context.Context, n *Node) error

// Visit walks the graph in topological order, restricted to nodes whose
// predicates have resolved: a branch node's unresolved successor subtree is
// skipped entirely, matching spec's "topological iteration restricted to
// steps whose runtime predicates have resolved." Nodes already Pruned are
// skipped without calling fn.
func (g *Graph) Visit(ctx context.Context, fn VisitFunc) error {
	g.mu.RLock()
	order, err := g.topoOrder()
	g.mu.RUnlock()
	if err != nil {
		return err
	}

	// skipped holds unresolved branches and every node downstream of one.
	skipped := make(map[string]bool)
	for _, id := range order {
		g.mu.RLock()
		n := g.nodes[id]
		downstream := false
		for dep := range n.deps {
			downstream = downstream || skipped[dep]
		}
		g.mu.RUnlock()
		if n.Status == StatusPruned {
			continue
		}
		if downstream {
			skipped[id] = true
			continue
		}
		if n.Kind == KindBranch && n.Outcome == BranchUnresolved {
			// Predicate not yet known: the branch itself is visited, but
			// neither successor is visited this pass.
			skipped[id] = true
		}
		if err := fn(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder returns a Kahn's-algorithm topological order of all node IDs.
// Cycles cannot occur here: Build already rejects them, and ResolveBranch
// only marks nodes pruned, never adding edges.
func (g *Graph) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.nodes[id].deps)
	}

	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for dependent := range g.nodes[id].dependents {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, faults.Newf(faults.ConfigError, "graph %s: topological sort did not cover all nodes, a cycle slipped past validation", g.ProcessID)
	}
	return order, nil
}

// ResolveBranch commits a branch node's runtime outcome. The subgraph
// reachable only through the unchosen successor is pruned: its nodes are
// marked StatusPruned (edges are left in place), so Visit and the
// Scheduling Instance's ReadySteps stop considering them. Nodes that remain
// reachable through some other path (e.g. they rejoin after the branch) are
// left alone even if one of their inbound edges came from the pruned side.
func (g *Graph) ResolveBranch(ctx context.Context, branchID string, outcome BranchOutcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveBranchLocked(branchID, outcome)
}

// resolveBranchLocked is ResolveBranch's body, factored out so
// EvaluateReady (internal/graph/eval.go) can resolve a branch whose
// predicate it just evaluated without releasing g.mu in between. Callers
// must already hold g.mu.
func (g *Graph) resolveBranchLocked(branchID string, outcome BranchOutcome) error {
	if outcome != BranchTrue && outcome != BranchFalse {
		return faults.Newf(faults.ConfigError, "branch %q: invalid outcome %q", branchID, outcome)
	}

	branch, ok := g.nodes[branchID]
	if !ok {
		return faults.Newf(faults.ConfigError, "unknown branch node %q", branchID)
	}
	if branch.Kind != KindBranch {
		return faults.Newf(faults.ConfigError, "node %q is not a branch", branchID)
	}
	if branch.Outcome != BranchUnresolved {
		return faults.Newf(faults.StateConflict, "branch %q already resolved to %q", branchID, branch.Outcome)
	}

	branch.Outcome = outcome
	branch.Status = StatusResolved

	prunedRoot := branch.FalseSuccessor
	if outcome == BranchFalse {
		prunedRoot = branch.TrueSuccessor
	}
	if prunedRoot == "" {
		return nil
	}

	// Candidates are every node reachable from prunedRoot: everything that
	// could only have become live through the cut edge. A candidate
	// survives, and is left alone, if it is still reachable from some
	// non-pruned root without ever crossing the cut edge branchID->prunedRoot
	// — i.e. it rejoins the graph through some other path.
	candidates := make(map[string]bool)
	var collect func(id string)
	collect = func(id string) {
		if candidates[id] {
			return
		}
		candidates[id] = true
		if n, ok := g.nodes[id]; ok {
			for dependent := range n.dependents {
				collect(dependent)
			}
		}
	}
	collect(prunedRoot)

	liveReachable := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if liveReachable[id] {
			return
		}
		liveReachable[id] = true
		n, ok := g.nodes[id]
		if !ok {
			return
		}
		for dependent := range n.dependents {
			if id == branchID && dependent == prunedRoot {
				continue // this is the cut edge itself
			}
			walk(dependent)
		}
	}
	for id, n := range g.nodes {
		if n.Status != StatusPruned && len(n.deps) == 0 {
			walk(id)
		}
	}

	for id := range candidates {
		n, ok := g.nodes[id]
		if !ok || n.Status == StatusPruned {
			continue
		}
		if !liveReachable[id] {
			n.Status = StatusPruned
		}
	}
	return nil
}

// AnnotateDurations stamps the EstimatedDur of every operation node Visit
// reaches (so not those behind a still-unresolved branch, nor pruned ones)
// using the supplied estimator function, falling back to the
// node's own ExpectedDur when the estimator reports no confident estimate —
// matching spec §4.6's "scheduler must then use the operation's declared
// expected_duration" fallback.
func (g *Graph) AnnotateDurations(ctx context.Context, estimate func(ctx context.Context, n *Node) (time.Duration, bool)) error {
	return g.Visit(ctx, func(ctx context.Context, n *Node) error {
		if n.Kind != KindOperation {
			return nil
		}
		if d, ok := estimate(ctx, n); ok {
			n.EstimatedDur = d
		} else {
			n.EstimatedDur = n.ExpectedDur
		}
		return nil
	})
}
