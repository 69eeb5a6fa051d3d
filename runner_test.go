package gatekeeper_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/logger"
	"github.com/oarkflow/gatekeeper/stores"
)

type fixture struct {
	entities  *stores.MemoryEntityStore
	rules     *countingRuleStore
	resources *stores.MemoryResourceStore
	audit     *stores.MemoryAuditStore
	engine    *gatekeeper.Engine

	realm  *gatekeeper.Realm
	typeID map[string]int64
}

// countingRuleStore observes candidate fetches for the waterfall property.
type countingRuleStore struct {
	gatekeeper.RuleStore
	candidateCalls atomic.Int64
	failNext       atomic.Int64
}

func (s *countingRuleStore) Candidates(ctx context.Context, realmID, typeID, actionID, principalID int64, roleIDs []int64) ([]*gatekeeper.Rule, error) {
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return nil, errors.New("transient store outage")
	}
	s.candidateCalls.Add(1)
	return s.RuleStore.Candidates(ctx, realmID, typeID, actionID, principalID, roleIDs)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		entities:  stores.NewMemoryEntityStore(),
		resources: stores.NewMemoryResourceStore(),
		audit:     stores.NewMemoryAuditStore(),
		typeID:    make(map[string]int64),
	}
	f.rules = &countingRuleStore{RuleStore: stores.NewMemoryRuleStore()}

	engine, err := gatekeeper.NewEngine(f.entities, f.rules, f.resources, f.audit,
		gatekeeper.EngineConfig{}, gatekeeper.WithLogger(logger.NewNull()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)
	f.engine = engine

	if err := engine.ApplyManifest(ctx, &gatekeeper.Manifest{
		Realm:   "acme",
		Actions: []string{"view", "edit"},
		ResourceTypes: []gatekeeper.ManifestType{
			{Name: "secrets"},
			{Name: "public_docs", IsPublic: true},
		},
		Roles: []gatekeeper.ManifestRole{{Name: "editor"}, {Name: "auditor"}},
	}); err != nil {
		t.Fatal(err)
	}
	f.realm, _ = f.entities.GetRealmByName(ctx, "acme")
	rm, err := engine.Cache().RealmMap(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"secrets", "public_docs"} {
		entry, _ := rm.Type(name)
		f.typeID[name] = entry.ID
	}
	return f
}

func (f *fixture) principal(t *testing.T, username string, attrs map[string]any, roleNames ...string) *gatekeeper.Principal {
	t.Helper()
	ctx := context.Background()
	p := &gatekeeper.Principal{RealmID: f.realm.ID, Username: username, Attributes: attrs}
	if err := f.entities.UpsertPrincipal(ctx, p); err != nil {
		t.Fatal(err)
	}
	rm, _ := f.engine.Cache().RealmMap(ctx, "acme")
	for _, name := range roleNames {
		roleID, ok := rm.RoleID(name)
		if !ok {
			t.Fatalf("unknown role %s", name)
		}
		if err := f.entities.AssignRole(ctx, p.ID, roleID); err != nil {
			t.Fatal(err)
		}
		p.RoleIDs = append(p.RoleIDs, roleID)
	}
	return p
}

func (f *fixture) resource(t *testing.T, typeName, externalID string, attrs map[string]any, geometry string) *gatekeeper.Resource {
	t.Helper()
	res, err := f.resources.CreateResource(context.Background(), &gatekeeper.Resource{
		RealmID:    f.realm.ID,
		TypeID:     f.typeID[typeName],
		Attributes: attrs,
		Geometry:   geometry,
	}, externalID)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func (f *fixture) rule(t *testing.T, m gatekeeper.ManifestRule) {
	t.Helper()
	if err := f.engine.ApplyManifest(context.Background(), &gatekeeper.Manifest{
		Realm: "acme",
		Rules: []gatekeeper.ManifestRule{m},
	}); err != nil {
		t.Fatal(err)
	}
}

func checkOne(t *testing.T, f *fixture, p *gatekeeper.Principal, item gatekeeper.AccessRequestItem, authCtx map[string]any, roleNames []string) gatekeeper.AccessAnswer {
	t.Helper()
	resp, err := f.engine.CheckAccess(context.Background(), p, &gatekeeper.CheckAccessRequest{
		RealmName:   "acme",
		ReqAccess:   []gatekeeper.AccessRequestItem{item},
		AuthContext: authCtx,
		RoleNames:   roleNames,
	})
	if err != nil {
		t.Fatal(err)
	}
	return resp.Results[0].Answer
}

func TestPublicTypeShortCircuit(t *testing.T) {
	f := newFixture(t)
	before := f.rules.candidateCalls.Load()
	answer := checkOne(t, f, nil, gatekeeper.AccessRequestItem{
		ResourceTypeName: "public_docs",
		ActionName:       "view",
		ReturnType:       gatekeeper.ReturnDecision,
	}, nil, nil)
	if !answer.Decision {
		t.Fatal("public type must grant")
	}
	if f.rules.candidateCalls.Load() != before {
		t.Fatal("level-1 grant must not fetch rules")
	}
}

func TestRoleScopedTypeRule(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", map[string]any{"status": "active"}, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})

	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if !answer.Decision {
		t.Fatal("editor must view secrets")
	}

	// A principal without the role is denied.
	bob := f.principal(t, "bob", nil)
	answer = checkOne(t, f, bob, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if answer.Decision {
		t.Fatal("bob has no grant")
	}
}

func TestResidualDecisionOnContext(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", map[string]any{"dept": "Sales"}, "editor")
	f.resource(t, "secrets", "s-1", map[string]any{"status": "active"}, "")
	f.resource(t, "secrets", "s-2", map[string]any{"status": "archived"}, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		Conditions: gatekeeper.And(
			&gatekeeper.Condition{Op: gatekeeper.OpEq, Source: gatekeeper.SourcePrincipal, Attr: "dept", Val: "Sales"},
			gatekeeper.Leaf(gatekeeper.OpEq, "status", "active"),
		),
	})

	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnIDList,
	}, nil, nil)
	if len(answer.ExternalIDs) != 1 || answer.ExternalIDs[0] != "s-1" {
		t.Fatalf("expected [s-1], got %v", answer.ExternalIDs)
	}

	hr := f.principal(t, "harry", map[string]any{"dept": "HR"}, "editor")
	answer = checkOne(t, f, hr, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnIDList,
	}, nil, nil)
	if len(answer.ExternalIDs) != 0 {
		t.Fatalf("HR must see nothing, got %v", answer.ExternalIDs)
	}
}

func TestAnonymousException(t *testing.T) {
	f := newFixture(t)
	f.resource(t, "secrets", "doc-1", nil, "")
	f.resource(t, "secrets", "doc-2", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view",
		PrincipalName: "anonymous", ResourceExternalID: "doc-2",
	})

	answer := checkOne(t, f, nil, gatekeeper.AccessRequestItem{
		ResourceTypeName:    "secrets",
		ActionName:          "view",
		ReturnType:          gatekeeper.ReturnIDList,
		ExternalResourceIDs: []string{"doc-1", "doc-2"},
	}, nil, nil)
	if len(answer.ExternalIDs) != 1 || answer.ExternalIDs[0] != "doc-2" {
		t.Fatalf("anonymous exception must yield [doc-2], got %v", answer.ExternalIDs)
	}
}

func TestSpatialDWithinContextRef(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "athens", nil, "POINT(23.7275 37.9838)")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		Conditions: &gatekeeper.Condition{
			Op: gatekeeper.OpStDWithin, Attr: "geometry",
			Val: "$context.loc", Args: 5000,
		},
	})

	near := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, map[string]any{"loc": "POINT(23.7275 37.9838)"}, nil)
	if !near.Decision {
		t.Fatal("coincident location must grant")
	}
	far := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, map[string]any{"loc": "POINT(0 0)"}, nil)
	if far.Decision {
		t.Fatal("distant location must deny")
	}
}

func TestRoleNamesOverrideIntersection(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})

	// Restricting to a role the principal holds keeps the grant.
	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, []string{"editor"})
	if !answer.Decision {
		t.Fatal("held role in override must grant")
	}

	// Restricting to a role the principal lacks drops the grant, even
	// though the role itself exists.
	answer = checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, []string{"auditor"})
	if answer.Decision {
		t.Fatal("override must intersect with held roles")
	}
}

func TestUnknownNamesDenyItemOnly(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine.CheckAccess(context.Background(), nil, &gatekeeper.CheckAccessRequest{
		RealmName: "acme",
		ReqAccess: []gatekeeper.AccessRequestItem{
			{ResourceTypeName: "nonexistent", ActionName: "view", ReturnType: gatekeeper.ReturnDecision},
			{ResourceTypeName: "public_docs", ActionName: "view", ReturnType: gatekeeper.ReturnDecision},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].Answer.Decision {
		t.Fatal("unknown type must deny its item")
	}
	if !resp.Results[1].Answer.Decision {
		t.Fatal("other items are unaffected")
	}
}

func TestUnknownRealmFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CheckAccess(context.Background(), nil, &gatekeeper.CheckAccessRequest{
		RealmName: "ghost",
		ReqAccess: []gatekeeper.AccessRequestItem{{ResourceTypeName: "x", ActionName: "y", ReturnType: gatekeeper.ReturnDecision}},
	})
	if !errors.Is(err, gatekeeper.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestReverseMappingOmitsUnmapped(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	// A resource without any external id.
	f.resource(t, "secrets", "", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})
	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnIDList,
	}, nil, nil)
	if len(answer.ExternalIDs) != 1 || answer.ExternalIDs[0] != "s-1" {
		t.Fatalf("unmapped resources must be omitted, got %v", answer.ExternalIDs)
	}
}

func TestRuleUpsertSupersedes(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", map[string]any{"status": "archived"}, "")

	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})
	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if !answer.Decision {
		t.Fatal("unconditional grant expected")
	}

	// Re-creating the same subject-scope tuple replaces the rule.
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		Conditions: gatekeeper.Leaf(gatekeeper.OpEq, "status", "active"),
	})
	answer = checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if answer.Decision {
		t.Fatal("superseded unconditional grant must no longer apply")
	}
}

func TestRetiredRulesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	rm, _ := f.engine.Cache().RealmMap(ctx, "acme")
	roleID, _ := rm.RoleID("editor")
	actionID, _ := rm.ActionID("view")
	saved, err := f.engine.SaveRule(ctx, &gatekeeper.Rule{
		RealmID:  f.realm.ID,
		TypeID:   f.typeID["secrets"],
		ActionID: actionID,
		RoleID:   &roleID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != gatekeeper.RuleActive {
		t.Fatalf("saved rule must be active, got %s", saved.State)
	}
	if err := f.engine.DeleteRule(ctx, f.realm.ID, saved.ID); err != nil {
		t.Fatal(err)
	}
	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if answer.Decision {
		t.Fatal("retired rule must not grant")
	}
}

func TestInvalidPolicyRejectedAtWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.engine.Cache().RealmMap(ctx, "acme")
	roleID, _ := rm.RoleID("editor")
	actionID, _ := rm.ActionID("view")
	_, err := f.engine.SaveRule(ctx, &gatekeeper.Rule{
		RealmID:    f.realm.ID,
		TypeID:     f.typeID["secrets"],
		ActionID:   actionID,
		RoleID:     &roleID,
		Conditions: &gatekeeper.Condition{Op: "frobnicate", Attr: "x", Val: 1},
	})
	if !errors.Is(err, gatekeeper.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestStoreFailureRetriedOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})

	f.rules.failNext.Store(1)
	answer := checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	if !answer.Decision {
		t.Fatal("single failure must be retried")
	}

	f.rules.failNext.Store(2)
	_, err := f.engine.CheckAccess(context.Background(), alice, &gatekeeper.CheckAccessRequest{
		RealmName: "acme",
		ReqAccess: []gatekeeper.AccessRequestItem{{ResourceTypeName: "secrets", ActionName: "edit", ReturnType: gatekeeper.ReturnDecision}},
	})
	if !errors.Is(err, gatekeeper.ErrStoreFailure) {
		t.Fatalf("second failure must surface, got %v", err)
	}
}

func TestMultiItemOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})
	items := []gatekeeper.AccessRequestItem{
		{ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision},
		{ResourceTypeName: "secrets", ActionName: "edit", ReturnType: gatekeeper.ReturnDecision},
		{ResourceTypeName: "public_docs", ActionName: "view", ReturnType: gatekeeper.ReturnDecision},
		{ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnIDList},
	}
	resp, err := f.engine.CheckAccess(context.Background(), alice, &gatekeeper.CheckAccessRequest{
		RealmName: "acme", ReqAccess: items,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(resp.Results))
	}
	for i, res := range resp.Results {
		if res.ActionName != items[i].ActionName || res.ResourceTypeName != items[i].ResourceTypeName {
			t.Fatalf("result %d out of order: %+v", i, res)
		}
	}
	if !resp.Results[0].Answer.Decision || resp.Results[1].Answer.Decision || !resp.Results[2].Answer.Decision {
		t.Fatalf("unexpected answers: %+v", resp.Results)
	}
	if len(resp.Results[3].Answer.ExternalIDs) != 1 {
		t.Fatalf("id list expected, got %+v", resp.Results[3].Answer)
	}
}

func TestGetAuthorizationConditions(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", map[string]any{"dept": "Sales"}, "editor")
	f.resource(t, "secrets", "s-9", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		Conditions: gatekeeper.And(
			&gatekeeper.Condition{Op: gatekeeper.OpEq, Source: gatekeeper.SourcePrincipal, Attr: "dept", Val: "Sales"},
			gatekeeper.Leaf(gatekeeper.OpEq, "status", "active"),
		),
	})

	conds, err := f.engine.GetAuthorizationConditions(context.Background(), alice, "acme", "secrets", "view", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conds.FilterType != gatekeeper.FilterConditions {
		t.Fatalf("expected conditions, got %s", conds.FilterType)
	}
	if conds.ConditionsDSL.Attr != "status" || conds.ConditionsDSL.EffectiveSource() != gatekeeper.SourceResource {
		t.Fatalf("residual must be resource-only: %s", conds.ConditionsDSL)
	}
	if !conds.HasContextRefs {
		t.Fatal("contributing rule read principal state")
	}

	hr := f.principal(t, "harry", map[string]any{"dept": "HR"}, "editor")
	conds, err = f.engine.GetAuthorizationConditions(context.Background(), hr, "acme", "secrets", "view", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conds.FilterType != gatekeeper.FilterDeniedAll {
		t.Fatalf("HR must be denied_all, got %s", conds.FilterType)
	}

	// Public type short-circuits to granted_all.
	conds, err = f.engine.GetAuthorizationConditions(context.Background(), nil, "acme", "public_docs", "view", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conds.FilterType != gatekeeper.FilterGrantedAll {
		t.Fatalf("public type must be granted_all, got %s", conds.FilterType)
	}
}

func TestGetAuthorizationConditionsResourceScoped(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	f.resource(t, "secrets", "s-2", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		ResourceExternalID: "s-1",
	})
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		ResourceExternalID: "s-2",
	})

	conds, err := f.engine.GetAuthorizationConditions(context.Background(), alice, "acme", "secrets", "view", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conds.FilterType != gatekeeper.FilterConditions {
		t.Fatalf("expected conditions, got %s", conds.FilterType)
	}
	leaf := conds.ConditionsDSL
	if leaf.Op != gatekeeper.OpIn || leaf.Attr != "external_id" {
		t.Fatalf("unconditional resource grants must merge into an IN leaf: %s", leaf)
	}
}

func TestGetPermittedActions(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", map[string]any{"status": "active"}, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "edit", RoleName: "editor",
		Conditions: gatekeeper.Leaf(gatekeeper.OpEq, "status", "active"),
	})

	results, err := f.engine.GetPermittedActions(context.Background(), alice, "acme",
		[]gatekeeper.PermittedActionsItem{{ResourceTypeName: "secrets", ExternalResourceIDs: []string{"s-1"}}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	got := results[0].Actions
	if len(got) != 2 || got[0] != "edit" || got[1] != "view" {
		t.Fatalf("expected [edit view], got %v", got)
	}

	// Type-level only: the conditional edit grant needs a resource row.
	results, err = f.engine.GetPermittedActions(context.Background(), alice, "acme",
		[]gatekeeper.PermittedActionsItem{{ResourceTypeName: "secrets"}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || len(results[0].Actions) != 1 || results[0].Actions[0] != "view" {
		t.Fatalf("type-level actions must be [view], got %+v", results)
	}
}

func TestManifestApplyIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &gatekeeper.Manifest{
		Realm:         "acme",
		Actions:       []string{"view"},
		ResourceTypes: []gatekeeper.ManifestType{{Name: "secrets"}},
		Roles:         []gatekeeper.ManifestRole{{Name: "editor"}},
		Rules: []gatekeeper.ManifestRule{{
			ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
		}},
	}
	if err := f.engine.ApplyManifest(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ApplyManifest(ctx, m); err != nil {
		t.Fatal(err)
	}
	rm, _ := f.engine.Cache().RealmMap(ctx, "acme")
	actionID, _ := rm.ActionID("view")
	typeEntry, _ := rm.Type("secrets")
	roleID, _ := rm.RoleID("editor")
	rules, err := f.rules.Candidates(ctx, f.realm.ID, typeEntry.ID, actionID, 99, []int64{roleID})
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("re-apply must supersede, not duplicate: %d active rules", len(rules))
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice", nil, "editor")
	f.resource(t, "secrets", "s-1", nil, "")
	f.rule(t, gatekeeper.ManifestRule{
		ResourceTypeName: "secrets", ActionName: "view", RoleName: "editor",
	})
	_ = checkOne(t, f, alice, gatekeeper.AccessRequestItem{
		ResourceTypeName: "secrets", ActionName: "view", ReturnType: gatekeeper.ReturnDecision,
	}, nil, nil)
	f.engine.Close()

	log, err := f.audit.GetAccessLog(context.Background(), gatekeeper.AuditFilter{RealmID: f.realm.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(log) == 0 {
		t.Fatal("decision must be audited")
	}
	if log[0].ActionName != "view" || !log[0].Decision {
		t.Fatalf("unexpected audit entry %+v", log[0])
	}
}
