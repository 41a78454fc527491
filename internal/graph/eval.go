package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/labsched/internal/faults"
)

// parseExpr parses an HCL expression embedded in a NodeSpec's ExprSource,
// grounded on the teacher's own use of hclsyntax.ParseExpression for
// standalone (non-body) expression parsing in internal/bggoexpr.
func parseExpr(processID, nodeID, source string) (hcl.Expression, error) {
	if source == "" {
		return nil, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(source), nodeID, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, faults.Newf(faults.ConfigError, "process %s: node %s: parse expression: %s", processID, nodeID, diags.Error())
	}
	return expr, nil
}

// nativeToCty converts a variable/computation node's Go-native Value/Result
// into the cty.Value an hcl.Expression can consume, the reverse of the
// teacher's ctyValueToInterface (internal/executor/utils.go).
func nativeToCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return t, nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case float32:
		return cty.NumberFloatVal(float64(t)), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, e := range t {
			cv, err := nativeToCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			vals[i] = cv
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		vals := make(map[string]cty.Value, len(t))
		for k, e := range t {
			cv, err := nativeToCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			vals[k] = cv
		}
		return cty.ObjectVal(vals), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T for HCL evaluation", v)
	}
}

// ctyToNative is the inverse of nativeToCty, adapted directly from the
// teacher's internal/executor/utils.go ctyValueToInterface.
func ctyToNative(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			nv, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = nv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType():
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			nv, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported cty type %s for conversion", ty.FriendlyName())
	}
}

// splitNodeID splits a node ID like "var.od600" into its kind prefix and
// name, the convention every node ID in this package follows and which
// evalContextLocked relies on to group resolved values for HCL references.
func splitNodeID(id string) (prefix, name string, ok bool) {
	i := strings.Index(id, ".")
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// evalContextLocked builds the HCL evaluation context computation and
// branch expressions are evaluated against: one object per node-ID prefix
// ("var", "computation", ...), populated from every resolved variable or
// computation node sharing that prefix, so an expression written as
// var.od600 resolves against the node literally named "var.od600". Callers
// must already hold g.mu.
func (g *Graph) evalContextLocked() (*hcl.EvalContext, error) {
	groups := make(map[string]map[string]cty.Value)
	for id, n := range g.nodes {
		var value any
		switch n.Kind {
		case KindVariable:
			if !n.Resolved {
				continue
			}
			value = n.Value
		case KindComputation:
			if n.Status != StatusResolved {
				continue
			}
			value = n.Result
		default:
			continue
		}
		prefix, name, ok := splitNodeID(id)
		if !ok {
			continue
		}
		cv, err := nativeToCty(value)
		if err != nil {
			return nil, faults.Newf(faults.ConfigError, "node %q: %v", id, err)
		}
		if groups[prefix] == nil {
			groups[prefix] = make(map[string]cty.Value)
		}
		groups[prefix][name] = cv
	}

	vars := make(map[string]cty.Value, len(groups))
	for prefix, fields := range groups {
		vars[prefix] = cty.ObjectVal(fields)
	}
	return &hcl.EvalContext{Variables: vars}, nil
}

// depsResolvedLocked reports whether every Variable/Computation dependency
// of n has resolved; Labware/Operation/Branch dependencies never block an
// expression evaluation since expressions only ever reference values, not
// control flow. Callers must already hold g.mu.
func (g *Graph) depsResolvedLocked(n *Node) bool {
	for depID := range n.deps {
		dep, ok := g.nodes[depID]
		if !ok {
			continue
		}
		switch dep.Kind {
		case KindVariable:
			if !dep.Resolved {
				return false
			}
		case KindComputation:
			if dep.Status != StatusResolved {
				return false
			}
		}
	}
	return true
}

// EvaluateReady evaluates every pending computation node and resolves every
// pending branch node whose Variable/Computation dependencies have all
// resolved, repeating until a full pass makes no further progress so a
// chain of dependent computations resolves in one call. Called by the
// Scheduling Instance right after OnComplete resolves a variable, so
// downstream computations and branches become visible to ReadySteps and
// Snapshot without the caller re-walking the graph itself.
func (g *Graph) EvaluateReady(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		progressed := false
		evalCtx, err := g.evalContextLocked()
		if err != nil {
			return err
		}

		for _, n := range g.nodes {
			if n.Status != StatusPending {
				continue
			}
			switch n.Kind {
			case KindComputation:
				if n.Expr == nil || !g.depsResolvedLocked(n) {
					continue
				}
				val, diags := n.Expr.Value(evalCtx)
				if diags.HasErrors() {
					return faults.Newf(faults.ConfigError, "node %q: evaluate expression: %s", n.ID, diags.Error())
				}
				native, err := ctyToNative(val)
				if err != nil {
					return faults.Newf(faults.ConfigError, "node %q: %v", n.ID, err)
				}
				n.Result = native
				n.Status = StatusResolved
				progressed = true
				// Later nodes in this pass may read the value just computed.
				if evalCtx, err = g.evalContextLocked(); err != nil {
					return err
				}
			case KindBranch:
				if n.Predicate == nil || n.Outcome != BranchUnresolved || !g.depsResolvedLocked(n) {
					continue
				}
				val, diags := n.Predicate.Value(evalCtx)
				if diags.HasErrors() {
					return faults.Newf(faults.ConfigError, "node %q: evaluate predicate: %s", n.ID, diags.Error())
				}
				if val.Type() != cty.Bool {
					return faults.Newf(faults.ConfigError, "node %q: predicate did not evaluate to a bool", n.ID)
				}
				outcome := BranchFalse
				if val.True() {
					outcome = BranchTrue
				}
				if err := g.resolveBranchLocked(n.ID, outcome); err != nil {
					return err
				}
				progressed = true
			}
		}

		if !progressed {
			return nil
		}
	}
}
