package gatekeeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// NAME → ID CACHE
// ============================================================================

// TypeEntry is the cached slice of one resource type.
type TypeEntry struct {
	ID       int64
	IsPublic bool
}

// RealmMap is an immutable snapshot of a realm's symbolic names. Readers
// share the snapshot; refreshes install a new one (copy-on-write), so no
// reader ever blocks on an update.
type RealmMap struct {
	ID      int64
	Actions map[string]int64
	Types   map[string]TypeEntry
	Roles   map[string]int64
}

// ActionID resolves an action name; ok is false for unknown names.
func (m *RealmMap) ActionID(name string) (int64, bool) {
	id, ok := m.Actions[name]
	return id, ok
}

// Type resolves a resource type name with its public flag.
func (m *RealmMap) Type(name string) (TypeEntry, bool) {
	t, ok := m.Types[name]
	return t, ok
}

// RoleID resolves a role name.
func (m *RealmMap) RoleID(name string) (int64, bool) {
	id, ok := m.Roles[name]
	return id, ok
}

// ActionNames returns every registered action name, sorted.
func (m *RealmMap) ActionNames() []string {
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CacheConfig sizes the process-local cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	RealmTTL    time.Duration
	DecisionTTL time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 1 << 16
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1 << 24
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	if c.RealmTTL <= 0 {
		c.RealmTTL = 10 * time.Minute
	}
	if c.DecisionTTL <= 0 {
		c.DecisionTTL = 5 * time.Minute
	}
	return c
}

// Cache maps per-realm symbolic names, principal role sets, external-id
// mappings and short-lived type-level decisions to their resolved forms.
// Misses are filled under a single-flight guarantee: concurrent misses for
// the same key issue at most one store fetch.
type Cache struct {
	entities EntityStore
	lru      *ristretto.Cache
	cfg      CacheConfig
	group    singleflight.Group

	mu   sync.Mutex
	gens map[int64]uint64 // realm id → decision generation
}

// NewCache builds a cache over the given entity store.
func NewCache(entities EntityStore, cfg CacheConfig) (*Cache, error) {
	cfg = cfg.withDefaults()
	lru, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{
		entities: entities,
		lru:      lru,
		cfg:      cfg,
		gens:     make(map[int64]uint64),
	}, nil
}

// Close releases the underlying cache.
func (c *Cache) Close() {
	c.lru.Close()
}

// RealmMap returns the cached name map for a realm, loading it in a single
// batched pass on miss. Unknown realms surface ErrUnknownEntity.
func (c *Cache) RealmMap(ctx context.Context, realmName string) (*RealmMap, error) {
	key := "realm:" + realmName
	if v, ok := c.lru.Get(key); ok {
		return v.(*RealmMap), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		m, err := c.loadRealmMap(ctx, realmName)
		if err != nil {
			return nil, err
		}
		c.lru.SetWithTTL(key, m, 1, c.cfg.RealmTTL)
		c.lru.Wait()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RealmMap), nil
}

func (c *Cache) loadRealmMap(ctx context.Context, realmName string) (*RealmMap, error) {
	realm, err := c.entities.GetRealmByName(ctx, realmName)
	if err != nil {
		return nil, storeFailure(err)
	}
	if realm == nil {
		return nil, unknownEntityf("realm %q", realmName)
	}
	m := &RealmMap{
		ID:      realm.ID,
		Actions: make(map[string]int64),
		Types:   make(map[string]TypeEntry),
		Roles:   make(map[string]int64),
	}
	actions, err := c.entities.ListActions(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, a := range actions {
		m.Actions[a.Name] = a.ID
	}
	types, err := c.entities.ListResourceTypes(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, t := range types {
		m.Types[t.Name] = TypeEntry{ID: t.ID, IsPublic: t.IsPublic}
	}
	roles, err := c.entities.ListRoles(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, r := range roles {
		m.Roles[r.Name] = r.ID
	}
	return m, nil
}

// InvalidateRealm drops the realm's name map. Any CRUD mutation on actions,
// types or roles must call this.
func (c *Cache) InvalidateRealm(realmName string) {
	c.lru.Del("realm:" + realmName)
}

// PrincipalRoles returns the role ids of a principal. The anonymous
// principal has none.
func (c *Cache) PrincipalRoles(ctx context.Context, principalID int64) ([]int64, error) {
	if principalID == AnonymousPrincipalID {
		return nil, nil
	}
	key := fmt.Sprintf("proles:%d", principalID)
	if v, ok := c.lru.Get(key); ok {
		return v.([]int64), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		roles, err := c.entities.GetPrincipalRoles(ctx, principalID)
		if err != nil {
			return nil, storeFailure(err)
		}
		c.lru.SetWithTTL(key, roles, 1, c.cfg.RealmTTL)
		c.lru.Wait()
		return roles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]int64), nil
}

// InvalidatePrincipal drops a principal's cached role set.
func (c *Cache) InvalidatePrincipal(principalID int64) {
	c.lru.Del(fmt.Sprintf("proles:%d", principalID))
}

// ExternalIDs returns cached (external id → resource id) mappings for the
// requested ids; absent entries are cache misses, not negatives.
func (c *Cache) ExternalIDs(realmID, typeID int64, externalIDs []string) map[string]int64 {
	out := make(map[string]int64, len(externalIDs))
	for _, ext := range externalIDs {
		if v, ok := c.lru.Get(extIDKey(realmID, typeID, ext)); ok {
			out[ext] = v.(int64)
		}
	}
	return out
}

// StoreExternalIDs caches resolved mappings.
func (c *Cache) StoreExternalIDs(realmID, typeID int64, mappings map[string]int64) {
	for ext, rid := range mappings {
		c.lru.SetWithTTL(extIDKey(realmID, typeID, ext), rid, 1, c.cfg.RealmTTL)
	}
	c.lru.Wait()
}

// InvalidateExternalID drops one mapping.
func (c *Cache) InvalidateExternalID(realmID, typeID int64, externalID string) {
	c.lru.Del(extIDKey(realmID, typeID, externalID))
}

func extIDKey(realmID, typeID int64, ext string) string {
	return fmt.Sprintf("extid:%d:%d:%s", realmID, typeID, ext)
}

// Decision caching: answers to type-level decision questions are cached for
// a short TTL. Invalidation bumps a per-realm generation instead of scanning
// keys, so stale entries simply stop being addressable.

func (c *Cache) decisionGen(realmID int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[realmID]
}

// InvalidateDecisions retires every cached decision of a realm.
func (c *Cache) InvalidateDecisions(realmID int64) {
	c.mu.Lock()
	c.gens[realmID]++
	c.mu.Unlock()
}

func decisionKey(gen uint64, realmID, principalID, typeID, actionID int64, roleIDs []int64) string {
	ids := make([]int64, len(roleIDs))
	copy(ids, roleIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	roleKey := "none"
	if len(parts) > 0 {
		roleKey = strings.Join(parts, ",")
	}
	return fmt.Sprintf("dec:%d:%d:%d:%d:%d:%s", gen, realmID, principalID, typeID, actionID, roleKey)
}

// Decision returns a cached type-level decision if present.
func (c *Cache) Decision(realmID, principalID, typeID, actionID int64, roleIDs []int64) (bool, bool) {
	key := decisionKey(c.decisionGen(realmID), realmID, principalID, typeID, actionID, roleIDs)
	if v, ok := c.lru.Get(key); ok {
		return v.(bool), true
	}
	return false, false
}

// StoreDecision caches a type-level decision under the current generation.
func (c *Cache) StoreDecision(realmID, principalID, typeID, actionID int64, roleIDs []int64, decision bool) {
	key := decisionKey(c.decisionGen(realmID), realmID, principalID, typeID, actionID, roleIDs)
	c.lru.SetWithTTL(key, decision, 1, c.cfg.DecisionTTL)
	c.lru.Wait()
}
