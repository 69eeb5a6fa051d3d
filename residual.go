package gatekeeper

import "strings"

// ============================================================================
// RESIDUAL EVALUATOR
// ============================================================================

// Verdict is the short-circuit outcome of residual evaluation.
type Verdict int

const (
	// VerdictConditions means a non-trivial residual tree remains.
	VerdictConditions Verdict = iota
	// VerdictGrantedAll means the tree reduced to true.
	VerdictGrantedAll
	// VerdictDeniedAll means the tree reduced to false.
	VerdictDeniedAll
)

func (v Verdict) String() string {
	switch v {
	case VerdictGrantedAll:
		return string(FilterGrantedAll)
	case VerdictDeniedAll:
		return string(FilterDeniedAll)
	default:
		return string(FilterConditions)
	}
}

// Residual is the result of partially evaluating a tree against the request:
// either a verdict, or a simplified tree containing only resource leaves.
type Residual struct {
	Verdict Verdict
	Tree    *Condition
	// Unchanged reports that no leaf was rewritten, so a fragment compiled
	// from the original tree is still valid for this request.
	Unchanged bool
}

// Sentinels used during simplification. They never escape Residualize.
var (
	condTrue  = &Condition{Op: "true"}
	condFalse = &Condition{Op: "false"}
)

// Residualize partially evaluates principal/context subtrees against the
// request bindings and simplifies the remainder. Missing attributes evaluate
// their enclosing leaf to false (deny-on-missing). The returned tree, when
// present, refers only to resource attributes.
func Residualize(c *Condition, principal, context Bindings) Residual {
	if c == nil {
		return Residual{Verdict: VerdictGrantedAll, Unchanged: true}
	}
	doc := &EvalDocument{Principal: principal, Context: context}
	tree, changed := residualize(c, doc)
	switch tree {
	case condTrue:
		return Residual{Verdict: VerdictGrantedAll, Unchanged: !changed}
	case condFalse:
		return Residual{Verdict: VerdictDeniedAll, Unchanged: !changed}
	default:
		return Residual{Verdict: VerdictConditions, Tree: tree, Unchanged: !changed}
	}
}

func residualize(c *Condition, doc *EvalDocument) (*Condition, bool) {
	op := strings.ToLower(c.Op)
	switch op {
	case OpAnd, OpOr:
		return simplifyJunction(c, op, doc)
	case OpNot:
		if len(c.Conditions) != 1 {
			return condFalse, true
		}
		child, changed := residualize(c.Conditions[0], doc)
		switch child {
		case condTrue:
			return condFalse, true
		case condFalse:
			return condTrue, true
		default:
			if !changed {
				return c, false
			}
			return Not(child), true
		}
	default:
		return residualizeLeaf(c, doc)
	}
}

func simplifyJunction(c *Condition, op string, doc *EvalDocument) (*Condition, bool) {
	short, neutral := condFalse, condTrue
	if op == OpOr {
		short, neutral = condTrue, condFalse
	}
	kept := make([]*Condition, 0, len(c.Conditions))
	changed := false
	for _, child := range c.Conditions {
		sub, subChanged := residualize(child, doc)
		changed = changed || subChanged
		switch sub {
		case short:
			return short, true
		case neutral:
			changed = true
		default:
			kept = append(kept, sub)
		}
	}
	switch {
	case len(kept) == 0:
		return neutral, true
	case len(kept) == 1 && changed:
		return kept[0], true
	case !changed:
		return c, false
	default:
		return &Condition{Op: op, Conditions: kept}, true
	}
}

func residualizeLeaf(c *Condition, doc *EvalDocument) (*Condition, bool) {
	src := c.EffectiveSource()
	ref, hasRef := ParseRef(c.Val)

	if src == SourceResource {
		if !hasRef || ref.Source == SourceResource {
			return c, false
		}
		// Resource leaf with a principal/context reference: bind the value
		// now so the residual is a pure resource predicate.
		bound, ok := doc.lookup(ref.Source, strings.Join(ref.Path, "."))
		if !ok {
			return condFalse, true
		}
		out := *c
		out.Val = bound
		return &out, true
	}

	// Principal/context-sourced leaf: fully evaluable now unless its value
	// references the resource row.
	lhs, ok := doc.lookup(src, c.Attr)
	if !ok {
		return condFalse, true
	}
	if hasRef && ref.Source == SourceResource {
		// Flip the comparison so the bound side becomes the literal and the
		// residual reads from the resource row.
		if flipped, ok := flipComparison(c.Op); ok {
			out := &Condition{
				Op:     flipped,
				Source: SourceResource,
				Attr:   strings.Join(ref.Path, "."),
				Val:    lhs,
			}
			return out, true
		}
		return condFalse, true
	}
	rhs := c.Val
	if hasRef {
		rhs, ok = doc.lookup(ref.Source, strings.Join(ref.Path, "."))
		if !ok {
			return condFalse, true
		}
	}
	res, ok := evalOp(strings.ToLower(c.Op), lhs, rhs, c.Args)
	if ok && res {
		return condTrue, true
	}
	return condFalse, true
}

// flipComparison mirrors an operator across its operands.
func flipComparison(op string) (string, bool) {
	switch strings.ToLower(op) {
	case OpEq, OpNe:
		return strings.ToLower(op), true
	case OpGt:
		return OpLt, true
	case OpGte:
		return OpLte, true
	case OpLt:
		return OpGt, true
	case OpLte:
		return OpGte, true
	default:
		return "", false
	}
}
