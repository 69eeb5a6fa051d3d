package gatekeeper

import (
	"context"
	"encoding/json"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// AnonymousPrincipalID is the reserved principal id for unauthenticated
// requests. Rules granted to principal 0 apply to every request, so the
// subject set always includes it.
const AnonymousPrincipalID int64 = 0

// Realm is an isolated authorization domain. Every other entity lives within
// exactly one realm; deleting a realm cascades to all of them.
type Realm struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	IsActive    bool           `json:"is_active"`
	IdP         *RealmIdPConfig `json:"idp,omitempty"`
}

// RealmIdPConfig describes the optional identity-provider attachment of a
// realm. The sync scheduler itself lives outside this module; from here it is
// just another writer of principals and roles.
type RealmIdPConfig struct {
	ServerURL    string `json:"server_url" yaml:"server_url"`
	ProviderRealm string `json:"provider_realm" yaml:"provider_realm"`
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	PublicKey    string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
	Algorithm    string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	SyncGroups   bool   `json:"sync_groups" yaml:"sync_groups"`
	SyncCron     string `json:"sync_cron,omitempty" yaml:"sync_cron,omitempty"`
}

// ResourceType classifies resources within a realm. A public type grants
// every action on every resource of the type without consulting rules.
type ResourceType struct {
	ID       int64  `json:"id"`
	RealmID  int64  `json:"realm_id"`
	Name     string `json:"name"`
	IsPublic bool   `json:"is_public"`
}

// Action is a named operation registered within a realm.
type Action struct {
	ID      int64  `json:"id"`
	RealmID int64  `json:"realm_id"`
	Name    string `json:"name"`
}

// Role is a named subject group. Attributes are opaque to the engine except
// through DSL references.
type Role struct {
	ID         int64          `json:"id"`
	RealmID    int64          `json:"realm_id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Principal is an authenticated subject. The anonymous principal has id 0 and
// empty attributes.
type Principal struct {
	ID         int64          `json:"id"`
	RealmID    int64          `json:"realm_id"`
	Username   string         `json:"username"`
	Attributes map[string]any `json:"attributes,omitempty"`
	RoleIDs    []int64        `json:"role_ids,omitempty"`
}

// AnonymousPrincipal returns the shared anonymous identity.
func AnonymousPrincipal() *Principal {
	return &Principal{
		ID:         AnonymousPrincipalID,
		Username:   "anonymous",
		Attributes: map[string]any{"is_anonymous": true},
	}
}

// IsAnonymous reports whether p carries the reserved anonymous id.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.ID == AnonymousPrincipalID
}

// Resource is a protected object. Geometry, when present, is stored as EWKT
// in the canonical projection (see geometry.go).
type Resource struct {
	ID          int64          `json:"id"`
	RealmID     int64          `json:"realm_id"`
	TypeID      int64          `json:"resource_type_id"`
	Attributes  map[string]any `json:"attributes"`
	Geometry    string         `json:"geometry,omitempty"`
	ExternalIDs []string       `json:"external_ids,omitempty"`
}

// ExternalIDMapping links an application-supplied identifier to an internal
// resource id. External ids are unique only within (realm, resource type).
type ExternalIDMapping struct {
	RealmID    int64  `json:"realm_id"`
	TypeID     int64  `json:"resource_type_id"`
	ExternalID string `json:"external_id"`
	ResourceID int64  `json:"resource_id"`
}

// ============================================================================
// RULES
// ============================================================================

// RuleState tracks the lifecycle of a rule row.
type RuleState string

const (
	RuleDraft      RuleState = "draft"
	RuleCompiled   RuleState = "compiled"
	RuleActive     RuleState = "active"
	RuleSuperseded RuleState = "superseded"
	RuleRetired    RuleState = "retired"
)

// Rule grants an action on a resource type to exactly one subject (role or
// principal), optionally scoped to a single resource and guarded by a
// condition tree. CompiledSQL is an opaque cache derived from Conditions: it
// is regenerated on every mutation and never edited independently.
type Rule struct {
	ID          int64      `json:"id"`
	RealmID     int64      `json:"realm_id"`
	TypeID      int64      `json:"resource_type_id"`
	ActionID    int64      `json:"action_id"`
	PrincipalID *int64     `json:"principal_id,omitempty"`
	RoleID      *int64     `json:"role_id,omitempty"`
	ResourceID  *int64     `json:"resource_id,omitempty"`
	Conditions  *Condition `json:"conditions,omitempty"`
	CompiledSQL string     `json:"compiled_sql,omitempty"`
	CompiledHash string    `json:"compiled_hash,omitempty"`
	State       RuleState  `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SubjectMatches reports whether the rule's subject is in the given set.
// A rule with neither subject set is an explicit anonymous grant.
func (r *Rule) SubjectMatches(principalID int64, roleIDs []int64) bool {
	if r.PrincipalID != nil {
		if *r.PrincipalID == principalID || *r.PrincipalID == AnonymousPrincipalID {
			return true
		}
	}
	if r.RoleID != nil {
		for _, id := range roleIDs {
			if *r.RoleID == id {
				return true
			}
		}
	}
	if r.PrincipalID == nil && r.RoleID == nil {
		return true
	}
	return false
}

// TypeScoped reports whether the rule applies to the whole type partition.
func (r *Rule) TypeScoped() bool { return r.ResourceID == nil }

// ============================================================================
// ACCESS-CHECK SURFACE
// ============================================================================

// ReturnType selects the answer shape of an access item.
type ReturnType string

const (
	ReturnDecision ReturnType = "decision"
	ReturnIDList   ReturnType = "id_list"
)

// AccessRequestItem asks one (type, action) question, optionally restricted
// to specific external resource ids.
type AccessRequestItem struct {
	ResourceTypeName    string     `json:"resource_type_name"`
	ActionName          string     `json:"action_name"`
	ReturnType          ReturnType `json:"return_type"`
	ExternalResourceIDs []string   `json:"external_resource_ids,omitempty"`
}

// CheckAccessRequest is the primary external contract.
type CheckAccessRequest struct {
	RealmName   string              `json:"realm_name"`
	RoleNames   []string            `json:"role_names,omitempty"`
	ReqAccess   []AccessRequestItem `json:"req_access"`
	AuthContext map[string]any      `json:"auth_context,omitempty"`
}

// AccessAnswer is either a boolean decision or a list of external ids.
type AccessAnswer struct {
	Decision    bool     `json:"-"`
	ExternalIDs []string `json:"-"`
	IsDecision  bool     `json:"-"`
}

// MarshalJSON emits the wire form: a bare boolean for decisions, otherwise
// the external-id list.
func (a AccessAnswer) MarshalJSON() ([]byte, error) {
	if a.IsDecision {
		return json.Marshal(a.Decision)
	}
	ids := a.ExternalIDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// AccessResponseItem mirrors one request item in request order.
type AccessResponseItem struct {
	ResourceTypeName string       `json:"resource_type_name"`
	ActionName       string       `json:"action_name"`
	Answer           AccessAnswer `json:"answer"`
}

// CheckAccessResponse joins the per-item answers in request order.
type CheckAccessResponse struct {
	Results []AccessResponseItem `json:"results"`
}

// FilterType classifies an authorization-conditions verdict.
type FilterType string

const (
	FilterGrantedAll FilterType = "granted_all"
	FilterDeniedAll  FilterType = "denied_all"
	FilterConditions FilterType = "conditions"
)

// AuthorizationConditions is the residual-filter answer: a verdict, or a DSL
// tree referring only to resource attributes, suitable for merging with an
// application query.
type AuthorizationConditions struct {
	FilterType     FilterType `json:"filter_type"`
	ConditionsDSL  *Condition `json:"conditions_dsl,omitempty"`
	HasContextRefs bool       `json:"has_context_refs"`
}

// PermittedActionsItem asks which actions are allowed on a type or on
// specific resources of it.
type PermittedActionsItem struct {
	ResourceTypeName    string   `json:"resource_type_name"`
	ExternalResourceIDs []string `json:"external_resource_ids,omitempty"`
}

// PermittedActionsResult lists the permitted action names for one resource
// (ExternalResourceID empty for the type-level answer).
type PermittedActionsResult struct {
	ResourceTypeName   string   `json:"resource_type_name"`
	ExternalResourceID string   `json:"external_resource_id,omitempty"`
	Actions            []string `json:"actions"`
}

// ============================================================================
// AUDIT
// ============================================================================

// AuditEntry records one authorization decision. Dispatch is best-effort and
// never blocks the decision path.
type AuditEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	RealmID             int64     `json:"realm_id"`
	PrincipalID         int64     `json:"principal_id"`
	ActionName          string    `json:"action_name"`
	ResourceTypeName    string    `json:"resource_type_name"`
	Decision            bool      `json:"decision"`
	ResourceIDs         []int64   `json:"resource_ids,omitempty"`
	ExternalResourceIDs []string  `json:"external_resource_ids,omitempty"`
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	RealmID     int64
	PrincipalID int64
	Since       time.Time
	Limit       int
}

// ============================================================================
// STORE CONTRACTS
// ============================================================================

// EntityStore persists realms and their named children. Implementations must
// scope every lookup by realm.
type EntityStore interface {
	GetRealmByName(ctx context.Context, name string) (*Realm, error)
	ListActions(ctx context.Context, realmID int64) ([]*Action, error)
	ListResourceTypes(ctx context.Context, realmID int64) ([]*ResourceType, error)
	ListRoles(ctx context.Context, realmID int64) ([]*Role, error)
	GetPrincipalByName(ctx context.Context, realmID int64, username string) (*Principal, error)
	GetPrincipalRoles(ctx context.Context, principalID int64) ([]int64, error)

	UpsertAction(ctx context.Context, a *Action) error
	UpsertResourceType(ctx context.Context, rt *ResourceType) error
	UpsertRole(ctx context.Context, r *Role) error
	UpsertPrincipal(ctx context.Context, p *Principal) error
	AssignRole(ctx context.Context, principalID, roleID int64) error
	UpsertRealm(ctx context.Context, r *Realm) error
}

// RuleStore persists rules and their compiled fragments. Save performs the
// upsert on the canonical subject-scope key; Delete retires. Candidate
// queries only ever see active rules.
type RuleStore interface {
	Save(ctx context.Context, rule *Rule) (*Rule, error)
	Delete(ctx context.Context, realmID, ruleID int64) error
	Get(ctx context.Context, realmID, ruleID int64) (*Rule, error)
	// Candidates returns the active rules for (realm, type, action) whose
	// subject intersects {principalID, anonymous} ∪ roleIDs.
	Candidates(ctx context.Context, realmID, typeID, actionID, principalID int64, roleIDs []int64) ([]*Rule, error)
}

// PredicateQuery is the assembled row filter handed to the resource store.
// SQL and Args drive the relational execution path; Trees carries the same
// disjunction as DSL residuals so non-SQL stores can evaluate it.
type PredicateQuery struct {
	RealmID     int64
	TypeID      int64
	SQL         string
	Args        map[string]any
	Trees       []*Condition
	ResourceIDs []int64
}

// ResourceStore persists resources and external-id mappings and executes
// assembled predicates against the type partition.
type ResourceStore interface {
	CreateResource(ctx context.Context, res *Resource, externalID string) (*Resource, error)
	SelectAuthorizedIDs(ctx context.Context, q *PredicateQuery) ([]int64, error)
	ExistsAuthorized(ctx context.Context, q *PredicateQuery) (bool, error)
	ResolveExternalIDs(ctx context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error)
	ExternalIDsFor(ctx context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error)
	ListExternalIDs(ctx context.Context, realmID, typeID int64) ([]string, error)
}

// AuditStore persists authorization log entries.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
