package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/squealx"
)

// SQLRuleStore persists rules with their compiled fragments (squealx).
// Save upserts on the canonical subject-scope key, superseding the prior
// active row; Delete retires. Candidate reads only ever see active rows.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

const ruleColumns = `id, realm_id, resource_type_id, action_id, principal_id, role_id, resource_id, conditions, compiled_sql, compiled_hash, state, created_at, updated_at`

func (s *SQLRuleStore) Save(ctx context.Context, rule *gatekeeper.Rule) (*gatekeeper.Rule, error) {
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	// Supersede the active row with the same subject-scope key, if any.
	args := map[string]any{
		"realm_id":         rule.RealmID,
		"resource_type_id": rule.TypeID,
		"action_id":        rule.ActionID,
		"state":            string(gatekeeper.RuleSuperseded),
	}
	q := `UPDATE acl SET state = :state WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id AND action_id = :action_id AND state = 'active'`
	q += nullableClause("principal_id", rule.PrincipalID, args)
	q += nullableClause("role_id", rule.RoleID, args)
	q += nullableClause("resource_id", rule.ResourceID, args)
	if _, err := s.db.NamedExecContext(ctx, q, args); err != nil {
		return nil, err
	}

	conditions := ""
	if rule.Conditions != nil {
		conditions = rule.Conditions.String()
	}
	ins := map[string]any{
		"realm_id":         rule.RealmID,
		"resource_type_id": rule.TypeID,
		"action_id":        rule.ActionID,
		"principal_id":     nilOrInt(rule.PrincipalID),
		"role_id":          nilOrInt(rule.RoleID),
		"resource_id":      nilOrInt(rule.ResourceID),
		"conditions":       conditions,
		"compiled_sql":     rule.CompiledSQL,
		"compiled_hash":    rule.CompiledHash,
		"state":            string(gatekeeper.RuleActive),
		"created_at":       now,
		"updated_at":       now,
	}
	insQ := `INSERT INTO acl(realm_id, resource_type_id, action_id, principal_id, role_id, resource_id, conditions, compiled_sql, compiled_hash, state, created_at, updated_at)
	VALUES(:realm_id, :resource_type_id, :action_id, :principal_id, :role_id, :resource_id, :conditions, :compiled_sql, :compiled_hash, :state, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, insQ, ins); err != nil {
		return nil, err
	}

	// Read the committed row back; the fragment hash is recorded with it.
	sel := `SELECT ` + ruleColumns + ` FROM acl WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id AND action_id = :action_id AND state = 'active'`
	selArgs := map[string]any{
		"realm_id":         rule.RealmID,
		"resource_type_id": rule.TypeID,
		"action_id":        rule.ActionID,
	}
	sel += nullableClause("principal_id", rule.PrincipalID, selArgs)
	sel += nullableClause("role_id", rule.RoleID, selArgs)
	sel += nullableClause("resource_id", rule.ResourceID, selArgs)
	r, err := s.db.NamedQueryContext(ctx, sel, selArgs)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("rule not visible after save")
	}
	return scanRule(r)
}

func (s *SQLRuleStore) Delete(ctx context.Context, realmID, ruleID int64) error {
	q := `UPDATE acl SET state = :state WHERE id = :id AND realm_id = :realm_id AND state = 'active'`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"state": string(gatekeeper.RuleRetired), "id": ruleID, "realm_id": realmID,
	})
	return err
}

func (s *SQLRuleStore) Get(ctx context.Context, realmID, ruleID int64) (*gatekeeper.Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM acl WHERE id = :id AND realm_id = :realm_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": ruleID, "realm_id": realmID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	return scanRule(r)
}

func (s *SQLRuleStore) Candidates(ctx context.Context, realmID, typeID, actionID, principalID int64, roleIDs []int64) ([]*gatekeeper.Rule, error) {
	args := map[string]any{
		"realm_id":         realmID,
		"resource_type_id": typeID,
		"action_id":        actionID,
		"principal_id":     principalID,
		"anon_id":          gatekeeper.AnonymousPrincipalID,
	}
	subject := `(principal_id = :principal_id OR principal_id = :anon_id`
	if len(roleIDs) > 0 {
		subject += ` OR role_id IN ` + namedInList("r", roleIDs, args)
	}
	subject += `)`
	q := `SELECT ` + ruleColumns + ` FROM acl
	WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id AND action_id = :action_id
	AND state = 'active' AND ` + subject + ` ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*gatekeeper.Rule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func nullableClause(col string, v *int64, args map[string]any) string {
	if v == nil {
		return " AND " + col + " IS NULL"
	}
	args["k_"+col] = *v
	return " AND " + col + " = :k_" + col
}

func nilOrInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(r rowScanner) (*gatekeeper.Rule, error) {
	var (
		rule       gatekeeper.Rule
		principal  *int64
		role       *int64
		resource   *int64
		conditions *string
		compiled   *string
		hash       *string
		state      string
		createdRaw any
		updatedRaw any
	)
	if err := r.Scan(&rule.ID, &rule.RealmID, &rule.TypeID, &rule.ActionID,
		&principal, &role, &resource, &conditions, &compiled, &hash, &state,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rule.PrincipalID = principal
	rule.RoleID = role
	rule.ResourceID = resource
	if conditions != nil && *conditions != "" {
		tree, err := gatekeeper.ParseCondition([]byte(*conditions))
		if err != nil {
			return nil, err
		}
		rule.Conditions = tree
	}
	if compiled != nil {
		rule.CompiledSQL = *compiled
	}
	if hash != nil {
		rule.CompiledHash = *hash
	}
	rule.State = gatekeeper.RuleState(state)
	rule.CreatedAt = scanTime(createdRaw)
	rule.UpdatedAt = scanTime(updatedRaw)
	return &rule, nil
}
