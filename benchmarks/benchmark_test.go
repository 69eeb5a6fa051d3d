package benchmarks

import (
	"testing"

	"github.com/oarkflow/gatekeeper"
)

func benchTree() *gatekeeper.Condition {
	return gatekeeper.And(
		&gatekeeper.Condition{Op: gatekeeper.OpEq, Source: gatekeeper.SourcePrincipal, Attr: "dept", Val: "Sales"},
		gatekeeper.Or(
			gatekeeper.Leaf(gatekeeper.OpEq, "status", "active"),
			gatekeeper.Leaf(gatekeeper.OpIn, "category", []any{"a", "b", "c"}),
		),
		gatekeeper.Not(gatekeeper.Leaf(gatekeeper.OpEq, "deleted", true)),
	)
}

func BenchmarkCompile(b *testing.B) {
	tree := benchTree()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := gatekeeper.Compile(tree); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkHash(b *testing.B) {
	tree := benchTree()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = tree.Hash()
	}
}

func BenchmarkResidualize(b *testing.B) {
	tree := benchTree()
	principal := gatekeeper.Bindings{"dept": "Sales"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		res := gatekeeper.Residualize(tree, principal, nil)
		if res.Verdict == gatekeeper.VerdictDeniedAll {
			b.Fatal("unexpected deny")
		}
	}
}

func BenchmarkEvaluate(b *testing.B) {
	tree := benchTree()
	doc := &gatekeeper.EvalDocument{
		Resource:  map[string]any{"status": "active", "deleted": false},
		Principal: map[string]any{"dept": "Sales"},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if !gatekeeper.Evaluate(tree, doc) {
			b.Fatal("unexpected deny")
		}
	}
}
