package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/squealx"
)

// SQLEntityStore persists realms and their named children (squealx).
type SQLEntityStore struct {
	db *squealx.DB
}

func NewSQLEntityStore(db *squealx.DB) *SQLEntityStore {
	return &SQLEntityStore{db: db}
}

func (s *SQLEntityStore) GetRealmByName(ctx context.Context, name string) (*gatekeeper.Realm, error) {
	q := `SELECT id, name, description, is_active, idp_config FROM realm WHERE name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	var (
		realm     gatekeeper.Realm
		desc      *string
		activeInt int
		idpJSON   *string
	)
	if err := r.Scan(&realm.ID, &realm.Name, &desc, &activeInt, &idpJSON); err != nil {
		return nil, err
	}
	if desc != nil {
		realm.Description = *desc
	}
	realm.IsActive = activeInt != 0
	if idpJSON != nil && *idpJSON != "" {
		var idp gatekeeper.RealmIdPConfig
		if err := json.Unmarshal([]byte(*idpJSON), &idp); err == nil {
			realm.IdP = &idp
		}
	}
	return &realm, nil
}

func (s *SQLEntityStore) UpsertRealm(ctx context.Context, realm *gatekeeper.Realm) error {
	existing, err := s.GetRealmByName(ctx, realm.Name)
	if err != nil {
		return err
	}
	idp := ""
	if realm.IdP != nil {
		idp = marshalJSON(realm.IdP)
	}
	args := map[string]any{
		"name":        realm.Name,
		"description": realm.Description,
		"is_active":   boolToInt(realm.IsActive),
		"idp_config":  idp,
	}
	if existing == nil {
		q := `INSERT INTO realm(name, description, is_active, idp_config) VALUES(:name, :description, :is_active, :idp_config)`
		if _, err = s.db.NamedExecContext(ctx, q, args); err != nil {
			return err
		}
		created, err := s.GetRealmByName(ctx, realm.Name)
		if err != nil {
			return err
		}
		if created != nil {
			realm.ID = created.ID
		}
		return nil
	}
	realm.ID = existing.ID
	args["id"] = existing.ID
	q := `UPDATE realm SET description = :description, is_active = :is_active, idp_config = :idp_config WHERE id = :id`
	_, err = s.db.NamedExecContext(ctx, q, args)
	return err
}

func (s *SQLEntityStore) ListActions(ctx context.Context, realmID int64) ([]*gatekeeper.Action, error) {
	q := `SELECT id, realm_id, name FROM action WHERE realm_id = :realm_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"realm_id": realmID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*gatekeeper.Action, 0)
	for r.Next() {
		a := &gatekeeper.Action{}
		if err := r.Scan(&a.ID, &a.RealmID, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLEntityStore) ListResourceTypes(ctx context.Context, realmID int64) ([]*gatekeeper.ResourceType, error) {
	q := `SELECT id, realm_id, name, is_public FROM resource_type WHERE realm_id = :realm_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"realm_id": realmID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*gatekeeper.ResourceType, 0)
	for r.Next() {
		rt := &gatekeeper.ResourceType{}
		var publicInt int
		if err := r.Scan(&rt.ID, &rt.RealmID, &rt.Name, &publicInt); err != nil {
			return nil, err
		}
		rt.IsPublic = publicInt != 0
		out = append(out, rt)
	}
	return out, nil
}

func (s *SQLEntityStore) ListRoles(ctx context.Context, realmID int64) ([]*gatekeeper.Role, error) {
	q := `SELECT id, realm_id, name, attributes FROM auth_role WHERE realm_id = :realm_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"realm_id": realmID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*gatekeeper.Role, 0)
	for r.Next() {
		role := &gatekeeper.Role{}
		var attrs *string
		if err := r.Scan(&role.ID, &role.RealmID, &role.Name, &attrs); err != nil {
			return nil, err
		}
		if attrs != nil {
			role.Attributes = unmarshalMap(*attrs)
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLEntityStore) GetPrincipalByName(ctx context.Context, realmID int64, username string) (*gatekeeper.Principal, error) {
	q := `SELECT id, realm_id, username, attributes FROM principal WHERE realm_id = :realm_id AND username = :username`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"realm_id": realmID, "username": username})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	p := &gatekeeper.Principal{}
	var attrs string
	if err := r.Scan(&p.ID, &p.RealmID, &p.Username, &attrs); err != nil {
		return nil, err
	}
	p.Attributes = unmarshalMap(attrs)
	roles, err := s.GetPrincipalRoles(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.RoleIDs = roles
	return p, nil
}

func (s *SQLEntityStore) GetPrincipalRoles(ctx context.Context, principalID int64) ([]int64, error) {
	q := `SELECT role_id FROM principal_roles WHERE principal_id = :principal_id ORDER BY role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"principal_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]int64, 0)
	for r.Next() {
		var id int64
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *SQLEntityStore) UpsertAction(ctx context.Context, a *gatekeeper.Action) error {
	q := `SELECT id FROM action WHERE realm_id = :realm_id AND name = :name`
	if id, ok, err := s.lookupID(ctx, q, map[string]any{"realm_id": a.RealmID, "name": a.Name}); err != nil {
		return err
	} else if ok {
		a.ID = id
		return nil
	}
	args := map[string]any{"realm_id": a.RealmID, "name": a.Name}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO action(realm_id, name) VALUES(:realm_id, :name)`, args); err != nil {
		return err
	}
	id, _, err := s.lookupID(ctx, q, args)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *SQLEntityStore) UpsertResourceType(ctx context.Context, rt *gatekeeper.ResourceType) error {
	q := `SELECT id FROM resource_type WHERE realm_id = :realm_id AND name = :name`
	args := map[string]any{"realm_id": rt.RealmID, "name": rt.Name, "is_public": boolToInt(rt.IsPublic)}
	if id, ok, err := s.lookupID(ctx, q, args); err != nil {
		return err
	} else if ok {
		rt.ID = id
		args["id"] = id
		_, err := s.db.NamedExecContext(ctx,
			`UPDATE resource_type SET is_public = :is_public WHERE id = :id`, args)
		return err
	}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO resource_type(realm_id, name, is_public) VALUES(:realm_id, :name, :is_public)`, args); err != nil {
		return err
	}
	id, _, err := s.lookupID(ctx, q, args)
	if err != nil {
		return err
	}
	rt.ID = id
	return nil
}

func (s *SQLEntityStore) UpsertRole(ctx context.Context, role *gatekeeper.Role) error {
	q := `SELECT id FROM auth_role WHERE realm_id = :realm_id AND name = :name`
	args := map[string]any{"realm_id": role.RealmID, "name": role.Name, "attributes": marshalJSON(role.Attributes)}
	if id, ok, err := s.lookupID(ctx, q, args); err != nil {
		return err
	} else if ok {
		role.ID = id
		args["id"] = id
		_, err := s.db.NamedExecContext(ctx,
			`UPDATE auth_role SET attributes = :attributes WHERE id = :id`, args)
		return err
	}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO auth_role(realm_id, name, attributes) VALUES(:realm_id, :name, :attributes)`, args); err != nil {
		return err
	}
	id, _, err := s.lookupID(ctx, q, args)
	if err != nil {
		return err
	}
	role.ID = id
	return nil
}

func (s *SQLEntityStore) UpsertPrincipal(ctx context.Context, p *gatekeeper.Principal) error {
	q := `SELECT id FROM principal WHERE realm_id = :realm_id AND username = :username`
	args := map[string]any{"realm_id": p.RealmID, "username": p.Username, "attributes": marshalJSON(p.Attributes)}
	if args["attributes"] == "" {
		args["attributes"] = "{}"
	}
	if id, ok, err := s.lookupID(ctx, q, args); err != nil {
		return err
	} else if ok {
		p.ID = id
		args["id"] = id
		_, err := s.db.NamedExecContext(ctx,
			`UPDATE principal SET attributes = :attributes WHERE id = :id`, args)
		return err
	}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO principal(realm_id, username, attributes) VALUES(:realm_id, :username, :attributes)`, args); err != nil {
		return err
	}
	id, _, err := s.lookupID(ctx, q, args)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *SQLEntityStore) AssignRole(ctx context.Context, principalID, roleID int64) error {
	q := `SELECT role_id FROM principal_roles WHERE principal_id = :principal_id AND role_id = :role_id`
	args := map[string]any{"principal_id": principalID, "role_id": roleID}
	if _, ok, err := s.lookupID(ctx, q, args); err != nil {
		return err
	} else if ok {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO principal_roles(principal_id, role_id) VALUES(:principal_id, :role_id)`, args)
	return err
}

func (s *SQLEntityStore) lookupID(ctx context.Context, q string, args map[string]any) (int64, bool, error) {
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, false, nil
	}
	var id int64
	if err := r.Scan(&id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}
