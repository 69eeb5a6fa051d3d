package gatekeeper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// IN-PROCESS EVALUATION
// ============================================================================
//
// The production read path pushes filtering into the store; this evaluator
// exists for the residual pass (principal/context subtrees), for the memory
// stores, and for the residual-correctness tests.

// Bindings is one source's attribute document.
type Bindings map[string]any

// LookupPath walks a dotted path through nested maps. The second result is
// false when any segment is missing.
func LookupPath(doc map[string]any, path string) (any, bool) {
	return lookupSegments(doc, strings.Split(path, "."))
}

func lookupSegments(doc map[string]any, segs []string) (any, bool) {
	var cur any = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// EvalDocument bundles the three evaluation sources for a full tree walk.
type EvalDocument struct {
	Resource  map[string]any
	Geometry  string
	Principal map[string]any
	Context   map[string]any
}

func (d *EvalDocument) lookup(source, path string) (any, bool) {
	switch source {
	case SourcePrincipal:
		if d.Principal == nil {
			return nil, false
		}
		return LookupPath(d.Principal, path)
	case SourceContext:
		if d.Context == nil {
			return nil, false
		}
		return LookupPath(d.Context, path)
	default:
		if path == "geometry" {
			if d.Geometry == "" {
				return nil, false
			}
			return d.Geometry, true
		}
		if d.Resource == nil {
			return nil, false
		}
		return LookupPath(d.Resource, path)
	}
}

// Evaluate walks a full condition tree against the document. Missing
// attributes evaluate their enclosing leaf to false. A nil tree is true.
func Evaluate(c *Condition, doc *EvalDocument) bool {
	if c == nil {
		return true
	}
	switch strings.ToLower(c.Op) {
	case OpAnd:
		for _, child := range c.Conditions {
			if !Evaluate(child, doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Conditions {
			if Evaluate(child, doc) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Conditions) != 1 {
			return false
		}
		return !Evaluate(c.Conditions[0], doc)
	default:
		lhs, ok := doc.lookup(c.EffectiveSource(), c.Attr)
		if !ok {
			return false
		}
		rhs := c.Val
		if ref, isRef := ParseRef(c.Val); isRef {
			rhs, ok = doc.lookup(ref.Source, strings.Join(ref.Path, "."))
			if !ok {
				return false
			}
		}
		res, ok := evalOp(strings.ToLower(c.Op), lhs, rhs, c.Args)
		return ok && res
	}
}

// evalOp applies one leaf operator. The second result is false when the
// operands cannot be interpreted for the operator (treated as deny).
func evalOp(op string, lhs, rhs, args any) (bool, bool) {
	if IsSpatialOp(op) {
		return evalSpatial(op, lhs, rhs, args)
	}
	switch op {
	case OpEq:
		cmp, ok := compareValues(lhs, rhs)
		return cmp == 0, ok
	case OpNe:
		cmp, ok := compareValues(lhs, rhs)
		return cmp != 0, ok
	case OpGt:
		cmp, ok := compareValues(lhs, rhs)
		return cmp > 0, ok
	case OpGte:
		cmp, ok := compareValues(lhs, rhs)
		return cmp >= 0, ok
	case OpLt:
		cmp, ok := compareValues(lhs, rhs)
		return cmp < 0, ok
	case OpLte:
		cmp, ok := compareValues(lhs, rhs)
		return cmp <= 0, ok
	case OpIn, OpNotIn:
		found := false
		for _, item := range listValues(rhs) {
			if cmp, ok := compareValues(lhs, item); ok && cmp == 0 {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, true
		}
		return !found, true
	case OpAll:
		have := listValues(lhs)
		if have == nil {
			return false, true
		}
		for _, want := range listValues(rhs) {
			found := false
			for _, item := range have {
				if cmp, ok := compareValues(item, want); ok && cmp == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, true
			}
		}
		return true, true
	}
	return false, false
}

// compareValues orders two scalars: numerically when both coerce to numbers,
// as booleans when both are booleans, otherwise as byte strings. String
// comparison is locale-insensitive by construction.
func compareValues(a, b any) (int, bool) {
	if na, okA := coerceNumber(a); okA {
		if nb, okB := coerceNumber(b); okB {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if ba, okA := a.(bool); okA {
		if bb, okB := b.(bool); okB {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	sa, okA := stringValue(a)
	sb, okB := stringValue(b)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func coerceNumber(v any) (float64, bool) {
	if n, ok := numericValue(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case int:
		return strconv.Itoa(s), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

// evalSpatial supports point geometries, which is what the in-memory stores
// and tests use. The canonical projection is planar with meter units, so
// euclidean distance is a distance in meters.
func evalSpatial(op string, lhs, rhs, args any) (bool, bool) {
	ls, ok := lhs.(string)
	if !ok {
		return false, false
	}
	rlit, err := geometryLiteral(rhs)
	if err != nil {
		return false, false
	}
	ax, ay, okA := ParsePoint(ls)
	bx, by, okB := ParsePoint(rlit)
	if !okA || !okB {
		return false, false
	}
	switch op {
	case OpStDWithin:
		dist, okD := numericValue(args)
		if !okD {
			return false, false
		}
		return math.Hypot(ax-bx, ay-by) <= dist, true
	default:
		// Point-on-point relations degenerate to coincidence.
		return ax == bx && ay == by, true
	}
}
