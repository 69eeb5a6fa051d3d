package gatekeeper_test

import (
	"testing"
	"time"

	"github.com/oarkflow/gatekeeper"
)

func TestConfigLoadYAML(t *testing.T) {
	src := `
engine:
  realm_cache_ttl_ms: 600000
  decision_cache_ttl_ms: 30000
  item_concurrency: 4
  audit_queue_depth: 256
manifest:
  realm: acme
  actions: [view, edit]
  resource_types:
    - name: documents
    - name: public_docs
      is_public: true
  roles:
    - name: editor
  rules:
    - resource_type_name: documents
      action_name: view
      role_name: editor
      conditions:
        op: and
        conditions:
          - op: "="
            attr: status
            val: active
          - op: "="
            source: principal
            attr: dept
            val: Sales
`
	cfg, err := gatekeeper.NewConfigLoader().LoadYAML([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.RealmTTL() != 10*time.Minute {
		t.Fatalf("realm ttl: %v", cfg.Engine.RealmTTL())
	}
	if cfg.Engine.ItemConcurrency != 4 || cfg.Engine.AuditQueueDepth != 256 {
		t.Fatalf("engine knobs wrong: %+v", cfg.Engine)
	}
	m := cfg.Manifest
	if m == nil || m.Realm != "acme" || len(m.Rules) != 1 {
		t.Fatalf("manifest wrong: %+v", m)
	}
	cond := m.Rules[0].Conditions
	if cond == nil || cond.Op != gatekeeper.OpAnd || len(cond.Conditions) != 2 {
		t.Fatalf("conditions not decoded: %s", cond)
	}
	if err := cond.Validate(); err != nil {
		t.Fatalf("decoded conditions must validate: %v", err)
	}
	if cond.Conditions[1].EffectiveSource() != gatekeeper.SourcePrincipal {
		t.Fatalf("source lost in decode: %+v", cond.Conditions[1])
	}
}

func TestConfigJSONRoundtrip(t *testing.T) {
	cfg := &gatekeeper.Config{
		Engine: gatekeeper.EngineConfig{DecisionTTLMs: 1000},
		Manifest: &gatekeeper.Manifest{
			Realm:   "acme",
			Actions: []string{"view"},
		},
	}
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	again, err := gatekeeper.NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if again.Engine.DecisionTTLMs != 1000 || again.Manifest.Realm != "acme" {
		t.Fatalf("roundtrip lost data: %+v", again)
	}
}
