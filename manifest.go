package gatekeeper

import (
	"context"
	"fmt"
)

// ============================================================================
// REALM MANIFEST
// ============================================================================
//
// A manifest is a declarative snapshot of one realm's authorization surface:
// its actions, resource types, roles and rules, addressed by name. Applying a
// manifest upserts every entry, so re-applying the same manifest is a no-op.
// This is how deployment tooling ships authorization state alongside code.

// Manifest declares one realm's entities and rules.
type Manifest struct {
	Realm         string             `json:"realm" yaml:"realm"`
	Actions       []string           `json:"actions,omitempty" yaml:"actions,omitempty"`
	ResourceTypes []ManifestType     `json:"resource_types,omitempty" yaml:"resource_types,omitempty"`
	Roles         []ManifestRole     `json:"roles,omitempty" yaml:"roles,omitempty"`
	Rules         []ManifestRule     `json:"rules,omitempty" yaml:"rules,omitempty"`
	IdP           *RealmIdPConfig    `json:"idp,omitempty" yaml:"idp,omitempty"`
}

// ManifestType declares a resource type.
type ManifestType struct {
	Name     string `json:"name" yaml:"name"`
	IsPublic bool   `json:"is_public,omitempty" yaml:"is_public,omitempty"`
}

// ManifestRole declares a role with optional opaque attributes.
type ManifestRole struct {
	Name       string         `json:"name" yaml:"name"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ManifestRule declares a rule by symbolic names. Exactly one of RoleName or
// PrincipalName must be set (PrincipalName "anonymous" maps to principal 0).
type ManifestRule struct {
	ResourceTypeName   string     `json:"resource_type_name" yaml:"resource_type_name"`
	ActionName         string     `json:"action_name" yaml:"action_name"`
	RoleName           string     `json:"role_name,omitempty" yaml:"role_name,omitempty"`
	PrincipalName      string     `json:"principal_name,omitempty" yaml:"principal_name,omitempty"`
	ResourceExternalID string     `json:"resource_external_id,omitempty" yaml:"resource_external_id,omitempty"`
	Conditions         *Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ApplyManifest upserts the manifest into the stores and invalidates the
// realm's cache slice. Rules are compiled through the normal write path, so
// an invalid condition aborts with ErrInvalidPolicy before any rule of that
// entry is committed.
func (e *Engine) ApplyManifest(ctx context.Context, m *Manifest) error {
	if m.Realm == "" {
		return fmt.Errorf("manifest requires a realm name")
	}
	realm, err := e.entities.GetRealmByName(ctx, m.Realm)
	if err != nil {
		return storeFailure(err)
	}
	if realm == nil {
		realm = &Realm{Name: m.Realm, IsActive: true, IdP: m.IdP}
		if err := e.entities.UpsertRealm(ctx, realm); err != nil {
			return storeFailure(err)
		}
		realm, err = e.entities.GetRealmByName(ctx, m.Realm)
		if err != nil || realm == nil {
			return storeFailure(fmt.Errorf("realm %q not visible after upsert: %v", m.Realm, err))
		}
	}

	for _, name := range m.Actions {
		if err := e.entities.UpsertAction(ctx, &Action{RealmID: realm.ID, Name: name}); err != nil {
			return storeFailure(err)
		}
	}
	for _, t := range m.ResourceTypes {
		if err := e.entities.UpsertResourceType(ctx, &ResourceType{RealmID: realm.ID, Name: t.Name, IsPublic: t.IsPublic}); err != nil {
			return storeFailure(err)
		}
	}
	for _, r := range m.Roles {
		if err := e.entities.UpsertRole(ctx, &Role{RealmID: realm.ID, Name: r.Name, Attributes: r.Attributes}); err != nil {
			return storeFailure(err)
		}
	}
	e.cache.InvalidateRealm(m.Realm)

	if len(m.Rules) == 0 {
		return nil
	}
	rm, err := e.cache.RealmMap(ctx, m.Realm)
	if err != nil {
		return err
	}
	for _, mr := range m.Rules {
		rule, err := e.resolveManifestRule(ctx, rm, mr)
		if err != nil {
			return err
		}
		if _, err := e.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("rule (%s, %s): %w", mr.ResourceTypeName, mr.ActionName, err)
		}
	}
	return nil
}

func (e *Engine) resolveManifestRule(ctx context.Context, rm *RealmMap, mr ManifestRule) (*Rule, error) {
	typeEntry, ok := rm.Type(mr.ResourceTypeName)
	if !ok {
		return nil, unknownEntityf("resource type %q", mr.ResourceTypeName)
	}
	actionID, ok := rm.ActionID(mr.ActionName)
	if !ok {
		return nil, unknownEntityf("action %q", mr.ActionName)
	}
	rule := &Rule{
		RealmID:    rm.ID,
		TypeID:     typeEntry.ID,
		ActionID:   actionID,
		Conditions: mr.Conditions,
	}
	switch {
	case mr.RoleName != "" && mr.PrincipalName != "":
		return nil, invalidPolicyf("rule (%s, %s) carries both role and principal", mr.ResourceTypeName, mr.ActionName)
	case mr.RoleName != "":
		roleID, ok := rm.RoleID(mr.RoleName)
		if !ok {
			return nil, unknownEntityf("role %q", mr.RoleName)
		}
		rule.RoleID = &roleID
	case mr.PrincipalName == "anonymous":
		pid := AnonymousPrincipalID
		rule.PrincipalID = &pid
	case mr.PrincipalName != "":
		p, err := e.entities.GetPrincipalByName(ctx, rm.ID, mr.PrincipalName)
		if err != nil {
			return nil, storeFailure(err)
		}
		if p == nil {
			return nil, unknownEntityf("principal %q", mr.PrincipalName)
		}
		rule.PrincipalID = &p.ID
	default:
		return nil, invalidPolicyf("rule (%s, %s) requires a subject", mr.ResourceTypeName, mr.ActionName)
	}
	if mr.ResourceExternalID != "" {
		resolved, err := e.resources.ResolveExternalIDs(ctx, rm.ID, typeEntry.ID, []string{mr.ResourceExternalID})
		if err != nil {
			return nil, storeFailure(err)
		}
		rid, ok := resolved[mr.ResourceExternalID]
		if !ok {
			return nil, unknownEntityf("external resource %q", mr.ResourceExternalID)
		}
		rule.ResourceID = &rid
	}
	return rule, nil
}

// ExportManifest reads the realm's current state back into manifest form:
// its IdP config, actions, resource types and roles. Rules are not exported.
func (e *Engine) ExportManifest(ctx context.Context, realmName string) (*Manifest, error) {
	realm, err := e.entities.GetRealmByName(ctx, realmName)
	if err != nil {
		return nil, storeFailure(err)
	}
	if realm == nil {
		return nil, unknownEntityf("realm %q", realmName)
	}
	m := &Manifest{Realm: realm.Name, IdP: realm.IdP}
	actions, err := e.entities.ListActions(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, a := range actions {
		m.Actions = append(m.Actions, a.Name)
	}
	types, err := e.entities.ListResourceTypes(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, t := range types {
		m.ResourceTypes = append(m.ResourceTypes, ManifestType{Name: t.Name, IsPublic: t.IsPublic})
	}
	roles, err := e.entities.ListRoles(ctx, realm.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	for _, r := range roles {
		m.Roles = append(m.Roles, ManifestRole{Name: r.Name, Attributes: r.Attributes})
	}
	return m, nil
}
