package gatekeeper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// CONDITION DSL
// ============================================================================

// Condition sources.
const (
	SourceResource  = "resource"
	SourcePrincipal = "principal"
	SourceContext   = "context"
)

// Logical operators carry child conditions; every other operator is a leaf.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"

	OpEq  = "="
	OpNe  = "!="
	OpGt  = ">"
	OpGte = ">="
	OpLt  = "<"
	OpLte = "<="

	OpIn    = "in"
	OpNotIn = "not_in"
	OpAll   = "all"

	OpStDWithin    = "st_dwithin"
	OpStContains   = "st_contains"
	OpStWithin     = "st_within"
	OpStIntersects = "st_intersects"
	OpStCovers     = "st_covers"
)

var comparisonOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

var setOps = map[string]bool{OpIn: true, OpNotIn: true, OpAll: true}

var spatialOps = map[string]bool{
	OpStDWithin: true, OpStContains: true, OpStWithin: true,
	OpStIntersects: true, OpStCovers: true,
}

// IsSpatialOp reports whether op is one of the geometry relations.
func IsSpatialOp(op string) bool { return spatialOps[op] }

// Condition is one node of a rule's tagged condition tree. Logical nodes
// (and/or/not) carry Conditions; leaves carry Source/Attr/Val and, for
// st_dwithin, Args (distance in meters).
type Condition struct {
	Op         string       `json:"op"`
	Source     string       `json:"source,omitempty"`
	Attr       string       `json:"attr,omitempty"`
	Val        any          `json:"val,omitempty"`
	Args       any          `json:"args,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty"`
}

// Logical reports whether c is an and/or/not node.
func (c *Condition) Logical() bool {
	return c.Op == OpAnd || c.Op == OpOr || c.Op == OpNot
}

// EffectiveSource is the leaf source with the resource default applied.
func (c *Condition) EffectiveSource() string {
	if c.Source == "" {
		return SourceResource
	}
	return strings.ToLower(c.Source)
}

func (c *Condition) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<condition %s>", c.Op)
	}
	return string(b)
}

// ParseCondition decodes a JSON condition tree. A nil or literal-null body
// yields a nil tree, which compiles to TRUE.
func ParseCondition(data []byte) (*Condition, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, invalidPolicyf("malformed condition JSON: %v", err)
	}
	return &c, nil
}

// Ref is a parsed `$<source>.<dotted.path>` reference.
type Ref struct {
	Source string
	Path   []string
}

// ParseRef recognizes reference values. The bool result is false for any
// string that is not a reference.
func ParseRef(v any) (*Ref, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return nil, false
	}
	body := s[1:]
	idx := strings.IndexByte(body, '.')
	if idx < 0 {
		return nil, false
	}
	src := strings.ToLower(body[:idx])
	if src != SourcePrincipal && src != SourceContext && src != SourceResource {
		return nil, false
	}
	return &Ref{Source: src, Path: strings.Split(body[idx+1:], ".")}, true
}

// Validate checks the tree against the DSL rules. It returns ErrInvalidPolicy
// with a path-qualified message on the first violation.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	return c.validate("$")
}

func (c *Condition) validate(at string) error {
	op := strings.ToLower(c.Op)
	switch {
	case op == OpAnd || op == OpOr:
		if c.Attr != "" || c.Val != nil {
			return invalidPolicyf("%s: %q node must not carry attr/val", at, op)
		}
		for i, child := range c.Conditions {
			if child == nil {
				return invalidPolicyf("%s: nil child in %q", at, op)
			}
			if err := child.validate(fmt.Sprintf("%s.%s[%d]", at, op, i)); err != nil {
				return err
			}
		}
		return nil
	case op == OpNot:
		if len(c.Conditions) != 1 {
			return invalidPolicyf("%s: %q takes exactly one child, got %d", at, OpNot, len(c.Conditions))
		}
		return c.Conditions[0].validate(at + ".not")
	case comparisonOps[op] || setOps[op] || spatialOps[op]:
		return c.validateLeaf(at, op)
	default:
		return invalidPolicyf("%s: unknown operator %q", at, c.Op)
	}
}

func (c *Condition) validateLeaf(at, op string) error {
	if len(c.Conditions) != 0 {
		return invalidPolicyf("%s: leaf %q must not carry child conditions", at, op)
	}
	src := c.EffectiveSource()
	if src != SourceResource && src != SourcePrincipal && src != SourceContext {
		return invalidPolicyf("%s: unknown source %q", at, c.Source)
	}
	if c.Attr == "" {
		return invalidPolicyf("%s: %q requires attr", at, op)
	}
	if err := validateDottedPath(c.Attr); err != nil {
		return invalidPolicyf("%s: attr %q: %v", at, c.Attr, err)
	}
	if ref, ok := ParseRef(c.Val); ok {
		if len(ref.Path) == 0 || ref.Path[0] == "" {
			return invalidPolicyf("%s: reference %v has empty path", at, c.Val)
		}
		for _, seg := range ref.Path {
			if seg == "" {
				return invalidPolicyf("%s: reference %v has empty path segment", at, c.Val)
			}
			if strings.HasPrefix(seg, "$") {
				return invalidPolicyf("%s: reference %v indirects through another reference; references are one hop", at, c.Val)
			}
		}
	}
	if setOps[op] {
		if _, ok := c.Val.([]any); !ok {
			if _, ok := c.Val.([]string); !ok {
				return invalidPolicyf("%s: %q requires a list val", at, op)
			}
		}
	}
	if spatialOps[op] {
		if _, isRef := ParseRef(c.Val); !isRef {
			lit, ok := c.Val.(string)
			if !ok {
				if _, isObj := c.Val.(map[string]any); !isObj {
					return invalidPolicyf("%s: %q requires a geometry literal or reference val", at, op)
				}
			} else if _, err := DetectGeometry(lit); err != nil {
				return invalidPolicyf("%s: %q val is not a geometry literal: %v", at, op, err)
			}
		}
		if op == OpStDWithin {
			if _, ok := numericValue(c.Args); !ok {
				return invalidPolicyf("%s: %q requires numeric args (distance in meters)", at, op)
			}
		}
	}
	return nil
}

func validateDottedPath(p string) error {
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return fmt.Errorf("empty path segment")
		}
	}
	return nil
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Canonicalize returns a structurally equal copy in canonical form:
// lower-cased op and source, the resource default made explicit on leaves,
// and children canonicalized recursively. Compiling a canonicalized tree
// yields byte-identical output for structurally equal inputs, which is what
// lets the compiled hash act as a cache key.
func (c *Condition) Canonicalize() *Condition {
	if c == nil {
		return nil
	}
	out := &Condition{
		Op:   strings.ToLower(c.Op),
		Attr: c.Attr,
		Val:  c.Val,
		Args: c.Args,
	}
	if out.Logical() {
		out.Conditions = make([]*Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			out.Conditions[i] = child.Canonicalize()
		}
		return out
	}
	out.Source = c.EffectiveSource()
	return out
}

// Hash is the stable content hash of the canonical tree. Map keys are
// emitted in sorted order by encoding/json, so equal trees hash equally.
func (c *Condition) Hash() string {
	canon := c.Canonicalize()
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HasContextRefs reports whether any leaf reads principal or context state,
// either through its source or through a reference val.
func (c *Condition) HasContextRefs() bool {
	if c == nil {
		return false
	}
	if c.Logical() {
		for _, child := range c.Conditions {
			if child.HasContextRefs() {
				return true
			}
		}
		return false
	}
	if src := c.EffectiveSource(); src == SourcePrincipal || src == SourceContext {
		return true
	}
	if ref, ok := ParseRef(c.Val); ok {
		return ref.Source == SourcePrincipal || ref.Source == SourceContext
	}
	return false
}

// And builds a conjunction node; empty input compiles to TRUE.
func And(children ...*Condition) *Condition {
	return &Condition{Op: OpAnd, Conditions: children}
}

// Or builds a disjunction node; empty input compiles to FALSE.
func Or(children ...*Condition) *Condition {
	return &Condition{Op: OpOr, Conditions: children}
}

// Not negates a single child.
func Not(child *Condition) *Condition {
	return &Condition{Op: OpNot, Conditions: []*Condition{child}}
}

// Leaf builds a leaf node against the default resource source.
func Leaf(op, attr string, val any) *Condition {
	return &Condition{Op: op, Attr: attr, Val: val}
}
