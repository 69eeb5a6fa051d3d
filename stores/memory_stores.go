package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/gatekeeper"
)

// In-memory store implementations. They back tests, examples and small
// single-process deployments; the predicate path evaluates the residual DSL
// trees directly instead of SQL.

// MemoryEntityStore holds realms and their named children.
type MemoryEntityStore struct {
	mu         sync.RWMutex
	nextID     int64
	realms     map[int64]*gatekeeper.Realm
	actions    map[int64]*gatekeeper.Action
	types      map[int64]*gatekeeper.ResourceType
	roles      map[int64]*gatekeeper.Role
	principals map[int64]*gatekeeper.Principal
	roleLinks  map[int64][]int64 // principal id → role ids
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		realms:     make(map[int64]*gatekeeper.Realm),
		actions:    make(map[int64]*gatekeeper.Action),
		types:      make(map[int64]*gatekeeper.ResourceType),
		roles:      make(map[int64]*gatekeeper.Role),
		principals: make(map[int64]*gatekeeper.Principal),
		roleLinks:  make(map[int64][]int64),
	}
}

func (s *MemoryEntityStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryEntityStore) GetRealmByName(_ context.Context, name string) (*gatekeeper.Realm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.realms {
		if r.Name == name {
			dup := *r
			return &dup, nil
		}
	}
	return nil, nil
}

func (s *MemoryEntityStore) UpsertRealm(_ context.Context, realm *gatekeeper.Realm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.realms {
		if r.Name == realm.Name {
			realm.ID = r.ID
			*r = *realm
			return nil
		}
	}
	realm.ID = s.id()
	dup := *realm
	s.realms[realm.ID] = &dup
	return nil
}

func (s *MemoryEntityStore) ListActions(_ context.Context, realmID int64) ([]*gatekeeper.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gatekeeper.Action, 0)
	for _, a := range s.actions {
		if a.RealmID == realmID {
			dup := *a
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEntityStore) ListResourceTypes(_ context.Context, realmID int64) ([]*gatekeeper.ResourceType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gatekeeper.ResourceType, 0)
	for _, t := range s.types {
		if t.RealmID == realmID {
			dup := *t
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEntityStore) ListRoles(_ context.Context, realmID int64) ([]*gatekeeper.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gatekeeper.Role, 0)
	for _, r := range s.roles {
		if r.RealmID == realmID {
			dup := *r
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEntityStore) GetPrincipalByName(_ context.Context, realmID int64, username string) (*gatekeeper.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.RealmID == realmID && p.Username == username {
			dup := *p
			dup.RoleIDs = append([]int64{}, s.roleLinks[p.ID]...)
			return &dup, nil
		}
	}
	return nil, nil
}

func (s *MemoryEntityStore) GetPrincipalRoles(_ context.Context, principalID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64{}, s.roleLinks[principalID]...), nil
}

func (s *MemoryEntityStore) UpsertAction(_ context.Context, a *gatekeeper.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.RealmID == a.RealmID && existing.Name == a.Name {
			a.ID = existing.ID
			return nil
		}
	}
	a.ID = s.id()
	dup := *a
	s.actions[a.ID] = &dup
	return nil
}

func (s *MemoryEntityStore) UpsertResourceType(_ context.Context, rt *gatekeeper.ResourceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.types {
		if existing.RealmID == rt.RealmID && existing.Name == rt.Name {
			rt.ID = existing.ID
			existing.IsPublic = rt.IsPublic
			return nil
		}
	}
	rt.ID = s.id()
	dup := *rt
	s.types[rt.ID] = &dup
	return nil
}

func (s *MemoryEntityStore) UpsertRole(_ context.Context, role *gatekeeper.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.RealmID == role.RealmID && existing.Name == role.Name {
			role.ID = existing.ID
			existing.Attributes = role.Attributes
			return nil
		}
	}
	role.ID = s.id()
	dup := *role
	s.roles[role.ID] = &dup
	return nil
}

func (s *MemoryEntityStore) UpsertPrincipal(_ context.Context, p *gatekeeper.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.principals {
		if existing.RealmID == p.RealmID && existing.Username == p.Username {
			p.ID = existing.ID
			existing.Attributes = p.Attributes
			return nil
		}
	}
	p.ID = s.id()
	dup := *p
	s.principals[p.ID] = &dup
	return nil
}

func (s *MemoryEntityStore) AssignRole(_ context.Context, principalID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.roleLinks[principalID] {
		if id == roleID {
			return nil
		}
	}
	s.roleLinks[principalID] = append(s.roleLinks[principalID], roleID)
	return nil
}

// MemoryRuleStore holds rules with upsert-on-subject-scope semantics.
type MemoryRuleStore struct {
	mu     sync.RWMutex
	nextID int64
	rules  map[int64]*gatekeeper.Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[int64]*gatekeeper.Rule)}
}

func sameKey(a, b *gatekeeper.Rule) bool {
	eq := func(x, y *int64) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return *x == *y
	}
	return a.RealmID == b.RealmID && a.TypeID == b.TypeID && a.ActionID == b.ActionID &&
		eq(a.PrincipalID, b.PrincipalID) && eq(a.RoleID, b.RoleID) && eq(a.ResourceID, b.ResourceID)
}

func (s *MemoryRuleStore) Save(_ context.Context, rule *gatekeeper.Rule) (*gatekeeper.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.State == gatekeeper.RuleActive && sameKey(existing, rule) {
			existing.State = gatekeeper.RuleSuperseded
		}
	}
	s.nextID++
	dup := *rule
	dup.ID = s.nextID
	dup.State = gatekeeper.RuleActive
	dup.CreatedAt = time.Now()
	dup.UpdatedAt = dup.CreatedAt
	s.rules[dup.ID] = &dup
	out := dup
	return &out, nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, realmID, ruleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok || rule.RealmID != realmID {
		return fmt.Errorf("rule %d not found", ruleID)
	}
	rule.State = gatekeeper.RuleRetired
	return nil
}

func (s *MemoryRuleStore) Get(_ context.Context, realmID, ruleID int64) (*gatekeeper.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok || rule.RealmID != realmID {
		return nil, nil
	}
	dup := *rule
	return &dup, nil
}

func (s *MemoryRuleStore) Candidates(_ context.Context, realmID, typeID, actionID, principalID int64, roleIDs []int64) ([]*gatekeeper.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gatekeeper.Rule, 0)
	for _, rule := range s.rules {
		if rule.State != gatekeeper.RuleActive {
			continue
		}
		if rule.RealmID != realmID || rule.TypeID != typeID || rule.ActionID != actionID {
			continue
		}
		if !rule.SubjectMatches(principalID, roleIDs) {
			continue
		}
		dup := *rule
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryResourceStore holds resources and evaluates predicates via the
// residual DSL trees carried on the query.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	nextID    int64
	resources map[int64]*gatekeeper.Resource
	externals map[string]int64 // realm/type/ext → resource id
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{
		resources: make(map[int64]*gatekeeper.Resource),
		externals: make(map[string]int64),
	}
}

func extKey(realmID, typeID int64, ext string) string {
	return fmt.Sprintf("%d/%d/%s", realmID, typeID, ext)
}

func (s *MemoryResourceStore) CreateResource(_ context.Context, res *gatekeeper.Resource, externalID string) (*gatekeeper.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID != "" {
		if id, ok := s.externals[extKey(res.RealmID, res.TypeID, externalID)]; ok {
			existing := s.resources[id]
			existing.Attributes = res.Attributes
			if res.Geometry != "" {
				existing.Geometry = res.Geometry
			}
			dup := *existing
			return &dup, nil
		}
	}
	s.nextID++
	dup := *res
	dup.ID = s.nextID
	if externalID != "" {
		dup.ExternalIDs = append(append([]string{}, res.ExternalIDs...), externalID)
		s.externals[extKey(res.RealmID, res.TypeID, externalID)] = dup.ID
	}
	s.resources[dup.ID] = &dup
	out := dup
	return &out, nil
}

func (s *MemoryResourceStore) matches(q *gatekeeper.PredicateQuery, res *gatekeeper.Resource) bool {
	if q.SQL == "FALSE" && len(q.Trees) == 0 {
		return false
	}
	if len(q.Trees) == 0 {
		// Blanket grant: assembled as TRUE with no residual trees.
		return q.SQL == "TRUE" || q.SQL == ""
	}
	doc := &gatekeeper.EvalDocument{
		Resource: resourceDoc(res),
		Geometry: res.Geometry,
	}
	for _, tree := range q.Trees {
		if gatekeeper.Evaluate(tree, doc) {
			return true
		}
	}
	return false
}

// resourceDoc exposes the attribute map plus the structural fields the
// compiler can reference (id, external_id).
func resourceDoc(res *gatekeeper.Resource) map[string]any {
	doc := make(map[string]any, len(res.Attributes)+2)
	for k, v := range res.Attributes {
		doc[k] = v
	}
	doc["id"] = res.ID
	if len(res.ExternalIDs) > 0 {
		doc["external_id"] = res.ExternalIDs[0]
	}
	return doc
}

func (s *MemoryResourceStore) SelectAuthorizedIDs(_ context.Context, q *gatekeeper.PredicateQuery) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var filter map[int64]bool
	if len(q.ResourceIDs) > 0 {
		filter = make(map[int64]bool, len(q.ResourceIDs))
		for _, id := range q.ResourceIDs {
			filter[id] = true
		}
	}
	out := make([]int64, 0)
	for _, res := range s.resources {
		if res.RealmID != q.RealmID || res.TypeID != q.TypeID {
			continue
		}
		if filter != nil && !filter[res.ID] {
			continue
		}
		if s.matches(q, res) {
			out = append(out, res.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryResourceStore) ExistsAuthorized(ctx context.Context, q *gatekeeper.PredicateQuery) (bool, error) {
	ids, err := s.SelectAuthorizedIDs(ctx, q)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (s *MemoryResourceStore) ResolveExternalIDs(_ context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(externalIDs))
	for _, ext := range externalIDs {
		if id, ok := s.externals[extKey(realmID, typeID, ext)]; ok {
			out[ext] = id
		}
	}
	return out, nil
}

func (s *MemoryResourceStore) ExternalIDsFor(_ context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[int64]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		want[id] = true
	}
	out := make(map[int64]string)
	for _, res := range s.resources {
		if res.RealmID == realmID && res.TypeID == typeID && want[res.ID] && len(res.ExternalIDs) > 0 {
			out[res.ID] = res.ExternalIDs[0]
		}
	}
	return out, nil
}

func (s *MemoryResourceStore) ListExternalIDs(_ context.Context, realmID, typeID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for _, res := range s.resources {
		if res.RealmID == realmID && res.TypeID == typeID {
			out = append(out, res.ExternalIDs...)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryAuditStore collects audit entries.
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []*gatekeeper.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(_ context.Context, entry *gatekeeper.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *entry
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(_ context.Context, filter gatekeeper.AuditFilter) ([]*gatekeeper.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gatekeeper.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if filter.RealmID != 0 && entry.RealmID != filter.RealmID {
			continue
		}
		if filter.PrincipalID != 0 && entry.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		dup := *entry
		out = append(out, &dup)
	}
	return out, nil
}
