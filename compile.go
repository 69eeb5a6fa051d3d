package gatekeeper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// SQL COMPILER
// ============================================================================

// Param kinds, carried on bind-site descriptors for observability.
const (
	ParamValue    = "value"
	ParamGeometry = "geometry"
	ParamDistance = "distance"
)

// Param is one ordered bind site of a compiled fragment.
type Param struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

// Fragment is a compiled SQL boolean expression. The SQL references exactly
// two free identifiers: `resource` (row alias exposing attributes and
// geometry) and `ctx` (the bound auth document exposing principal and
// context sub-objects). Every user literal is a `?` bind site listed in
// Params in order of appearance; nothing user-supplied is concatenated in.
type Fragment struct {
	SQL    string  `json:"sql"`
	Params []Param `json:"params"`
}

// Compile validates and lowers a condition tree to a Fragment. A nil tree
// compiles to TRUE. Structurally equal trees produce byte-identical SQL, so
// the fragment can be cached under the tree's Hash.
func Compile(c *Condition) (*Fragment, error) {
	if c == nil {
		return &Fragment{SQL: "TRUE"}, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cc := newCompiler()
	sql, err := cc.lower(c.Canonicalize())
	if err != nil {
		return nil, err
	}
	return &Fragment{SQL: sql, Params: cc.params}, nil
}

type compiler struct {
	params []Param
}

func newCompiler() *compiler { return &compiler{} }

func (cc *compiler) bind(kind string, v any) string {
	cc.params = append(cc.params, Param{Kind: kind, Value: v})
	return "?"
}

func (cc *compiler) lower(c *Condition) (string, error) {
	switch c.Op {
	case OpAnd, OpOr:
		if len(c.Conditions) == 0 {
			if c.Op == OpAnd {
				return "TRUE", nil
			}
			return "FALSE", nil
		}
		parts := make([]string, 0, len(c.Conditions))
		for _, child := range c.Conditions {
			sub, err := cc.lower(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, sub)
		}
		if len(parts) == 1 {
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " "+strings.ToUpper(c.Op)+" ") + ")", nil
	case OpNot:
		sub, err := cc.lower(c.Conditions[0])
		if err != nil {
			return "", err
		}
		return "NOT (" + sub + ")", nil
	default:
		return cc.lowerLeaf(c)
	}
}

func (cc *compiler) lowerLeaf(c *Condition) (string, error) {
	if IsSpatialOp(c.Op) {
		return cc.lowerSpatial(c)
	}

	lhs := attrPath(c.EffectiveSource(), c.Attr, false)

	switch c.Op {
	case OpIn, OpNotIn:
		return cc.lowerMembership(c, lhs)
	case OpAll:
		// Array containment over the JSONB value of the attribute.
		jsonVal, err := json.Marshal(c.Val)
		if err != nil {
			return "", invalidPolicyf("encode %q val: %v", OpAll, err)
		}
		lhsJSON := attrPath(c.EffectiveSource(), c.Attr, true)
		return fmt.Sprintf("%s @> %s::jsonb", lhsJSON, cc.bind(ParamValue, string(jsonVal))), nil
	}

	cast := castFor(c.Val)
	var rhs string
	if ref, ok := ParseRef(c.Val); ok {
		// References lower to a ctx/resource JSON path, never a bind site.
		rhs = refPath(ref, false)
	} else {
		rhs = cc.bind(ParamValue, c.Val)
	}
	return fmt.Sprintf("(%s)%s %s (%s)%s", lhs, cast, sqlComparison(c.Op), rhs, cast), nil
}

func (cc *compiler) lowerMembership(c *Condition, lhs string) (string, error) {
	items := listValues(c.Val)
	if len(items) == 0 {
		// Membership in the empty set is statically false.
		if c.Op == OpIn {
			return "FALSE", nil
		}
		return "TRUE", nil
	}
	cast := listCast(items)
	markers := make([]string, 0, len(items))
	for _, item := range items {
		markers = append(markers, cc.bind(ParamValue, item)+cast)
	}
	expr := fmt.Sprintf("(%s)%s IN (%s)", lhs, cast, strings.Join(markers, ", "))
	if c.Op == OpNotIn {
		return "NOT (" + expr + ")", nil
	}
	return expr, nil
}

func (cc *compiler) lowerSpatial(c *Condition) (string, error) {
	lhs := geometryLHS(c.EffectiveSource(), c.Attr)

	var rhs string
	if ref, ok := ParseRef(c.Val); ok {
		// Runtime value format is unknown until bind time; the store-side
		// helper detects WKT/EWKT/GeoJSON and lands it canonically.
		rhs = geometryFromPath(refPath(ref, true))
	} else {
		lit, err := geometryLiteral(c.Val)
		if err != nil {
			return "", err
		}
		format, err := DetectGeometry(lit)
		if err != nil {
			return "", invalidPolicyf("%s: %v", c.Op, err)
		}
		rhs = geometryConstructor(format, lit, 0, cc.bind(ParamGeometry, lit))
	}

	if c.Op == OpStDWithin {
		dist, _ := numericValue(c.Args)
		return fmt.Sprintf("ST_DWithin(%s, %s, %s)", lhs, rhs, cc.bind(ParamDistance, dist)), nil
	}
	return fmt.Sprintf("%s(%s, %s)", spatialFunc(c.Op), lhs, rhs), nil
}

func geometryLiteral(v any) (string, error) {
	switch lit := v.(type) {
	case string:
		return lit, nil
	case map[string]any:
		b, err := json.Marshal(lit)
		if err != nil {
			return "", invalidPolicyf("encode GeoJSON val: %v", err)
		}
		return string(b), nil
	default:
		return "", invalidPolicyf("geometry val must be a string or GeoJSON object, got %T", v)
	}
}

// attrPath lowers source+attr to a JSON path. Intermediate segments extract
// objects (->); the final segment extracts a scalar (->>), or stays JSONB
// when asJSON is set.
func attrPath(source, attr string, asJSON bool) string {
	segs := strings.Split(attr, ".")
	var b strings.Builder
	switch source {
	case SourceResource:
		if attr == "geometry" {
			return "resource.geometry"
		}
		b.WriteString("resource.attributes")
	default:
		b.WriteString("ctx->")
		b.WriteString(quoteSQL(source))
	}
	writeJSONPath(&b, segs, asJSON)
	return b.String()
}

func refPath(ref *Ref, asJSON bool) string {
	var b strings.Builder
	switch ref.Source {
	case SourceResource:
		if len(ref.Path) == 1 && ref.Path[0] == "geometry" {
			return "resource.geometry"
		}
		b.WriteString("resource.attributes")
	default:
		b.WriteString("ctx->")
		b.WriteString(quoteSQL(ref.Source))
	}
	writeJSONPath(&b, ref.Path, asJSON)
	return b.String()
}

func writeJSONPath(b *strings.Builder, segs []string, asJSON bool) {
	for i, seg := range segs {
		if i == len(segs)-1 && !asJSON {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteString(quoteSQL(seg))
	}
}

func geometryLHS(source, attr string) string {
	if source == SourceResource && attr == "geometry" {
		return "resource.geometry"
	}
	return geometryFromPath(attrPath(source, attr, true))
}

// castFor picks the explicit cast from the literal type of val. References
// carry no literal type and default to text.
func castFor(v any) string {
	if _, ok := ParseRef(v); ok {
		return "::text"
	}
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return "::numeric"
	case bool:
		return "::boolean"
	default:
		return "::text"
	}
}

func listValues(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	}
	return nil
}

func listCast(items []any) string {
	for _, item := range items {
		if _, ok := numericValue(item); !ok {
			return "::text"
		}
	}
	return "::numeric"
}

func sqlComparison(op string) string {
	// DSL comparison spellings coincide with SQL.
	return op
}

func spatialFunc(op string) string {
	switch op {
	case OpStContains:
		return "ST_Contains"
	case OpStWithin:
		return "ST_Within"
	case OpStIntersects:
		return "ST_Intersects"
	case OpStCovers:
		return "ST_Covers"
	default:
		return "ST_DWithin"
	}
}

// quoteSQL single-quotes a JSON path key, doubling embedded quotes. Keys are
// structural identifiers, not data, so they are inlined rather than bound.
func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ============================================================================
// FRAGMENT ASSEMBLY
// ============================================================================

// bindFragment rewrites a fragment's `?` markers to squealx named parameters
// p<start>, p<start+1>, ... and returns the rewritten SQL plus the next free
// index. Values are added to args.
func bindFragment(frag *Fragment, start int, args map[string]any) (string, int) {
	var b strings.Builder
	idx := start
	pi := 0
	inQuote := false
	for i := 0; i < len(frag.SQL); i++ {
		ch := frag.SQL[i]
		if ch == '\'' {
			inQuote = !inQuote
		}
		if ch == '?' && !inQuote && pi < len(frag.Params) {
			name := fmt.Sprintf("p%d", idx)
			b.WriteString(":" + name)
			args[name] = frag.Params[pi].Value
			pi++
			idx++
			continue
		}
		b.WriteByte(ch)
	}
	return b.String(), idx
}

// bindContextAlias rewrites the free identifier `ctx` to the bound auth
// document parameter. Only standalone `ctx` followed by `->` is touched, so
// quoted path keys are never corrupted.
func bindContextAlias(sql, paramName string) string {
	var b strings.Builder
	for i := 0; i < len(sql); {
		if sql[i] == 'c' && strings.HasPrefix(sql[i:], "ctx->") {
			prevOK := i == 0 || !isWordByte(sql[i-1]) && sql[i-1] != '\''
			if prevOK {
				b.WriteString("(:" + paramName + ")::jsonb->")
				i += len("ctx->")
				continue
			}
		}
		b.WriteByte(sql[i])
		i++
	}
	return b.String()
}

func isWordByte(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
}
