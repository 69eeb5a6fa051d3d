package gatekeeper

import (
	"testing"
)

func TestResidualizeSimplification(t *testing.T) {
	// and[ principal.dept = "Sales", resource.status = "active" ]
	tree := mustParse(t, `{"op":"and","conditions":[
		{"op":"=","source":"principal","attr":"dept","val":"Sales"},
		{"op":"=","source":"resource","attr":"status","val":"active"}
	]}`)

	res := Residualize(tree, Bindings{"dept": "Sales"}, nil)
	if res.Verdict != VerdictConditions {
		t.Fatalf("expected residual conditions, got %v", res.Verdict)
	}
	if res.Tree.Op != OpEq || res.Tree.Attr != "status" {
		t.Fatalf("expected bare status leaf, got %s", res.Tree)
	}
	if res.Unchanged {
		t.Fatal("tree was rewritten; Unchanged must be false")
	}

	res = Residualize(tree, Bindings{"dept": "HR"}, nil)
	if res.Verdict != VerdictDeniedAll {
		t.Fatalf("HR must be denied outright, got %v", res.Verdict)
	}
}

func TestResidualizeDenyOnMissing(t *testing.T) {
	tree := mustParse(t, `{"op":"=","source":"principal","attr":"clearance","val":"top"}`)
	res := Residualize(tree, Bindings{}, nil)
	if res.Verdict != VerdictDeniedAll {
		t.Fatalf("missing principal attribute must deny, got %v", res.Verdict)
	}
}

func TestResidualizeNilTree(t *testing.T) {
	res := Residualize(nil, nil, nil)
	if res.Verdict != VerdictGrantedAll || !res.Unchanged {
		t.Fatalf("nil tree is an unconditional grant, got %+v", res)
	}
}

func TestResidualizeOrShortCircuit(t *testing.T) {
	tree := mustParse(t, `{"op":"or","conditions":[
		{"op":"=","source":"context","attr":"env","val":"dev"},
		{"op":"=","source":"resource","attr":"status","val":"active"}
	]}`)
	res := Residualize(tree, nil, Bindings{"env": "dev"})
	if res.Verdict != VerdictGrantedAll {
		t.Fatalf("true branch must collapse or, got %v", res.Verdict)
	}
	res = Residualize(tree, nil, Bindings{"env": "prod"})
	if res.Verdict != VerdictConditions || res.Tree.Attr != "status" {
		t.Fatalf("false branch must drop from or, got %+v", res)
	}
}

func TestResidualizeNotFolding(t *testing.T) {
	tree := mustParse(t, `{"op":"not","conditions":[{"op":"=","source":"context","attr":"embargo","val":true}]}`)
	res := Residualize(tree, nil, Bindings{"embargo": true})
	if res.Verdict != VerdictDeniedAll {
		t.Fatalf("not true must fold to false, got %v", res.Verdict)
	}
	res = Residualize(tree, nil, Bindings{"embargo": false})
	if res.Verdict != VerdictGrantedAll {
		t.Fatalf("not false must fold to true, got %v", res.Verdict)
	}
}

func TestResidualizeUnchangedPassThrough(t *testing.T) {
	tree := mustParse(t, `{"op":"=","source":"resource","attr":"status","val":"active"}`)
	res := Residualize(tree, Bindings{"dept": "Sales"}, nil)
	if res.Verdict != VerdictConditions || !res.Unchanged {
		t.Fatalf("resource-only tree must pass through unchanged, got %+v", res)
	}
	if res.Tree != tree {
		t.Fatal("unchanged tree should be returned as-is")
	}
}

func TestResidualizeBindsReferences(t *testing.T) {
	// resource.owner = $principal.username
	tree := mustParse(t, `{"op":"=","attr":"owner","val":"$principal.username"}`)
	res := Residualize(tree, Bindings{"username": "alice"}, nil)
	if res.Verdict != VerdictConditions {
		t.Fatalf("expected residual, got %v", res.Verdict)
	}
	if res.Tree.Val != "alice" {
		t.Fatalf("reference must be bound to the literal, got %v", res.Tree.Val)
	}

	// Missing binding denies.
	res = Residualize(tree, Bindings{}, nil)
	if res.Verdict != VerdictDeniedAll {
		t.Fatalf("missing reference target must deny, got %v", res.Verdict)
	}
}

func TestResidualizeFlipsResourceReference(t *testing.T) {
	// principal.max_level >= $resource.level  becomes  resource.level <= <bound>
	tree := mustParse(t, `{"op":">=","source":"principal","attr":"max_level","val":"$resource.level"}`)
	res := Residualize(tree, Bindings{"max_level": 4}, nil)
	if res.Verdict != VerdictConditions {
		t.Fatalf("expected residual, got %v", res.Verdict)
	}
	if res.Tree.Op != OpLte || res.Tree.EffectiveSource() != SourceResource || res.Tree.Attr != "level" {
		t.Fatalf("comparison not flipped onto the resource: %s", res.Tree)
	}
	doc := &EvalDocument{Resource: map[string]any{"level": 3}}
	if !Evaluate(res.Tree, doc) {
		t.Fatal("level 3 must pass a max_level of 4")
	}
	doc = &EvalDocument{Resource: map[string]any{"level": 5}}
	if Evaluate(res.Tree, doc) {
		t.Fatal("level 5 must fail a max_level of 4")
	}
}

// Residual correctness: evaluating the residual against the resource alone
// agrees with evaluating the full tree against all bindings.
func TestResidualCorrectness(t *testing.T) {
	trees := []*Condition{
		mustParse(t, `{"op":"and","conditions":[
			{"op":"=","source":"principal","attr":"dept","val":"Sales"},
			{"op":"=","attr":"status","val":"active"}
		]}`),
		mustParse(t, `{"op":"or","conditions":[
			{"op":"=","source":"context","attr":"env","val":"dev"},
			{"op":"in","attr":"status","val":["active","draft"]},
			{"op":"not","conditions":[{"op":"=","attr":"deleted","val":true}]}
		]}`),
		mustParse(t, `{"op":"=","attr":"owner","val":"$principal.username"}`),
	}
	principal := Bindings{"dept": "Sales", "username": "alice"}
	contexts := []Bindings{{"env": "dev"}, {"env": "prod"}, nil}
	resources := []map[string]any{
		{"status": "active", "deleted": false, "owner": "alice"},
		{"status": "gone", "deleted": true, "owner": "bob"},
		{"status": "draft", "deleted": true, "owner": "alice"},
	}
	for _, tree := range trees {
		for _, context := range contexts {
			res := Residualize(tree, principal, context)
			for _, attrs := range resources {
				full := Evaluate(tree, &EvalDocument{
					Resource:  attrs,
					Principal: principal,
					Context:   context,
				})
				var got bool
				switch res.Verdict {
				case VerdictGrantedAll:
					got = true
				case VerdictDeniedAll:
					got = false
				default:
					got = Evaluate(res.Tree, &EvalDocument{Resource: attrs})
				}
				if got != full {
					t.Fatalf("residual disagrees with full evaluation\ntree=%s\nctx=%v attrs=%v\nfull=%v residual=%v (verdict %v)",
						tree, context, attrs, full, got, res.Verdict)
				}
			}
		}
	}
}

func TestEvaluateCompositeNotNotIn(t *testing.T) {
	tree := mustParse(t, `{"op":"not","conditions":[{"op":"and","conditions":[
		{"op":"=","attr":"deleted","val":true},
		{"op":"not_in","attr":"status","val":["published","active"]}
	]}]}`)
	ok := Evaluate(tree, &EvalDocument{Resource: map[string]any{"deleted": false, "status": "draft"}})
	if !ok {
		t.Fatal("undeleted draft must pass")
	}
	ok = Evaluate(tree, &EvalDocument{Resource: map[string]any{"deleted": true, "status": "draft"}})
	if ok {
		t.Fatal("deleted draft must fail")
	}
}

func TestEvaluateSpatialPoints(t *testing.T) {
	doc := &EvalDocument{Geometry: "POINT(23.7275 37.9838)"}
	near := mustParse(t, `{"op":"st_dwithin","attr":"geometry","val":"POINT(23.7275 37.9838)","args":5000}`)
	if !Evaluate(near, doc) {
		t.Fatal("coincident point must be within 5km")
	}
	far := mustParse(t, `{"op":"st_dwithin","attr":"geometry","val":"POINT(0 0)","args":5000}`)
	if Evaluate(far, doc) {
		t.Fatal("origin point must not be within 5km")
	}
	ref := mustParse(t, `{"op":"st_dwithin","attr":"geometry","val":"$context.loc","args":5000}`)
	if !Evaluate(ref, &EvalDocument{Geometry: "POINT(1 1)", Context: Bindings{"loc": "POINT(1 1)"}}) {
		t.Fatal("context-referenced location must evaluate")
	}
}
