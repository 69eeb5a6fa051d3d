package gatekeeper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// WATERFALL SELECTOR
// ============================================================================
//
// Access is resolved through three levels, short-circuiting on success:
//
//   Level 1  public resource type        → granted with no rule fetch
//   Level 2  type-scoped rules           → blanket grant or residual clauses
//   Level 3  resource-scoped rules       → clauses pinned to resource ids
//
// Rules are disjoined: any match grants. There is no explicit deny; absence
// of a matching rule is a deny.

// subjectSet is the set of ids a rule's subject may match for one request.
type subjectSet struct {
	PrincipalID int64
	RoleIDs     []int64
}

// resolveSubjects computes the active subject set. When roleNames is
// supplied, the active roles are the intersection of the principal's roles
// and the named ones. The anonymous principal id is always considered by the
// rule store alongside PrincipalID.
func resolveSubjects(principal *Principal, principalRoles []int64, roleNames []string, m *RealmMap) subjectSet {
	set := subjectSet{PrincipalID: AnonymousPrincipalID}
	if principal != nil {
		set.PrincipalID = principal.ID
	}
	if len(roleNames) == 0 {
		set.RoleIDs = principalRoles
		return set
	}
	named := make(map[int64]bool, len(roleNames))
	for _, name := range roleNames {
		if id, ok := m.RoleID(name); ok {
			named[id] = true
		}
	}
	for _, id := range principalRoles {
		if named[id] {
			set.RoleIDs = append(set.RoleIDs, id)
		}
	}
	return set
}

// selection is the outcome of running the candidate rules through the
// residual evaluator for one request.
type selection struct {
	// grantedAll is set when a type-scoped rule reduced to true: the whole
	// partition is authorized and no predicate needs to run.
	grantedAll bool
	// clauses are the per-rule residual fragments still referencing the
	// resource row; trees are their DSL counterparts for non-SQL stores.
	clauses []*Fragment
	trees   []*Condition
}

// selectRules residualizes each candidate against the request bindings and
// folds the outcomes per the waterfall's levels 2 and 3.
func selectRules(rules []*Rule, principal, context Bindings) (selection, error) {
	var sel selection
	for _, rule := range rules {
		res := Residualize(rule.Conditions, principal, context)
		switch res.Verdict {
		case VerdictDeniedAll:
			continue
		case VerdictGrantedAll:
			if rule.TypeScoped() {
				sel.grantedAll = true
				return sel, nil
			}
			sel.clauses = append(sel.clauses, resourcePin(*rule.ResourceID, nil))
			sel.trees = append(sel.trees, resourceIDLeaf(*rule.ResourceID))
		default:
			frag, err := Compile(res.Tree)
			if err != nil {
				return sel, err
			}
			tree := res.Tree
			if !rule.TypeScoped() {
				frag = resourcePin(*rule.ResourceID, frag)
				tree = And(resourceIDLeaf(*rule.ResourceID), res.Tree)
			}
			sel.clauses = append(sel.clauses, frag)
			sel.trees = append(sel.trees, tree)
		}
	}
	return sel, nil
}

// resourcePin restricts a fragment to one resource id (level 3).
func resourcePin(resourceID int64, frag *Fragment) *Fragment {
	pin := &Fragment{SQL: "resource.id = ?", Params: []Param{{Kind: ParamValue, Value: resourceID}}}
	if frag == nil || frag.SQL == "TRUE" {
		return pin
	}
	return &Fragment{
		SQL:    "(" + pin.SQL + " AND " + frag.SQL + ")",
		Params: append(append([]Param{}, pin.Params...), frag.Params...),
	}
}

func resourceIDLeaf(resourceID int64) *Condition {
	return &Condition{Op: OpEq, Source: SourceResource, Attr: "id", Val: resourceID}
}

// assemblePredicate disjoins the selected clauses into one executable
// predicate. The auth document is bound under the auth_ctx parameter;
// per-clause literals become p1..pN.
func assemblePredicate(sel selection, realmID, typeID int64, authDoc map[string]any, resourceIDs []int64) (*PredicateQuery, error) {
	q := &PredicateQuery{
		RealmID:     realmID,
		TypeID:      typeID,
		Args:        make(map[string]any),
		Trees:       sel.trees,
		ResourceIDs: resourceIDs,
	}
	if sel.grantedAll {
		q.SQL = "TRUE"
		q.Trees = nil
		return q, nil
	}
	if len(sel.clauses) == 0 {
		q.SQL = "FALSE"
		return q, nil
	}
	parts := make([]string, 0, len(sel.clauses))
	next := 1
	for _, frag := range sel.clauses {
		sql, n := bindFragment(frag, next, q.Args)
		next = n
		parts = append(parts, sql)
	}
	combined := strings.Join(parts, " OR ")
	if len(parts) > 1 {
		combined = "(" + combined + ")"
	}
	if strings.Contains(combined, "ctx->") {
		doc, err := json.Marshal(authDoc)
		if err != nil {
			return nil, fmt.Errorf("marshal auth context: %w", err)
		}
		combined = bindContextAlias(combined, "auth_ctx")
		q.Args["auth_ctx"] = string(doc)
	}
	q.SQL = combined
	return q, nil
}
