package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/squealx"
)

// reverseChunkSize bounds IN-lists when reverse-mapping internal ids.
const reverseChunkSize = 30000

// SQLResourceStore persists resources and external-id mappings and executes
// assembled predicates against the type partition (squealx).
type SQLResourceStore struct {
	db *squealx.DB
	// postgres enables spatial ingest transforms; other dialects store the
	// normalized EWKT literal as-is.
	postgres bool
}

func NewSQLResourceStore(db *squealx.DB) *SQLResourceStore {
	return &SQLResourceStore{db: db}
}

// NewPostgresResourceStore enables the spatial ingest path: geometries in a
// non-canonical projection are transformed by the store at INSERT time.
func NewPostgresResourceStore(db *squealx.DB) *SQLResourceStore {
	return &SQLResourceStore{db: db, postgres: true}
}

func (s *SQLResourceStore) CreateResource(ctx context.Context, res *gatekeeper.Resource, externalID string) (*gatekeeper.Resource, error) {
	// Upsert through the external id, when one is supplied.
	if externalID != "" {
		existing, err := s.ResolveExternalIDs(ctx, res.RealmID, res.TypeID, []string{externalID})
		if err != nil {
			return nil, err
		}
		if id, ok := existing[externalID]; ok {
			res.ID = id
			return res, s.updateResource(ctx, res)
		}
	}

	geomExpr, args, err := s.geometryValue(res.Geometry)
	if err != nil {
		return nil, err
	}
	args["realm_id"] = res.RealmID
	args["resource_type_id"] = res.TypeID
	args["attributes"] = marshalJSON(res.Attributes)
	if args["attributes"] == "" {
		args["attributes"] = "{}"
	}
	q := fmt.Sprintf(`INSERT INTO resource(realm_id, resource_type_id, attributes, geometry) VALUES(:realm_id, :resource_type_id, :attributes, %s)`, geomExpr)
	if _, err := s.db.NamedExecContext(ctx, q, args); err != nil {
		return nil, err
	}

	r, err := s.db.NamedQueryContext(ctx,
		`SELECT id FROM resource WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id ORDER BY id DESC LIMIT 1`,
		map[string]any{"realm_id": res.RealmID, "resource_type_id": res.TypeID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("resource not visible after insert")
	}
	if err := r.Scan(&res.ID); err != nil {
		return nil, err
	}

	if externalID != "" {
		_, err := s.db.NamedExecContext(ctx,
			`INSERT INTO external_ids(realm_id, resource_type_id, external_id, resource_id) VALUES(:realm_id, :resource_type_id, :external_id, :resource_id)`,
			map[string]any{
				"realm_id": res.RealmID, "resource_type_id": res.TypeID,
				"external_id": externalID, "resource_id": res.ID,
			})
		if err != nil {
			return nil, err
		}
		res.ExternalIDs = append(res.ExternalIDs, externalID)
	}
	return res, nil
}

func (s *SQLResourceStore) updateResource(ctx context.Context, res *gatekeeper.Resource) error {
	geomExpr, args, err := s.geometryValue(res.Geometry)
	if err != nil {
		return err
	}
	args["id"] = res.ID
	args["attributes"] = marshalJSON(res.Attributes)
	if args["attributes"] == "" {
		args["attributes"] = "{}"
	}
	q := fmt.Sprintf(`UPDATE resource SET attributes = :attributes, geometry = %s WHERE id = :id`, geomExpr)
	_, err = s.db.NamedExecContext(ctx, q, args)
	return err
}

// geometryValue normalizes the ingest literal and returns the SQL expression
// plus args that land it in the canonical projection.
func (s *SQLResourceStore) geometryValue(input string) (string, map[string]any, error) {
	args := make(map[string]any)
	if input == "" {
		return "NULL", args, nil
	}
	lit, srid, err := gatekeeper.NormalizeGeometry(input, 0)
	if err != nil {
		return "", nil, err
	}
	if !s.postgres {
		if srid != gatekeeper.CanonicalSRID {
			return "", nil, fmt.Errorf("geometry in SRID %d requires the spatial store", srid)
		}
		args["geometry"] = fmt.Sprintf("SRID=%d;%s", gatekeeper.CanonicalSRID, stripEWKT(lit))
		return ":geometry", args, nil
	}
	args["geometry"] = lit
	format, err := gatekeeper.DetectGeometry(lit)
	if err != nil {
		return "", nil, err
	}
	switch format {
	case gatekeeper.GeomGeoJSON:
		if srid == gatekeeper.CanonicalSRID {
			return fmt.Sprintf("ST_SetSRID(ST_GeomFromGeoJSON(:geometry), %d)", gatekeeper.CanonicalSRID), args, nil
		}
		return fmt.Sprintf("ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(:geometry), %d), %d)", srid, gatekeeper.CanonicalSRID), args, nil
	case gatekeeper.GeomEWKT:
		if srid == gatekeeper.CanonicalSRID {
			return "ST_GeomFromEWKT(:geometry)", args, nil
		}
		return fmt.Sprintf("ST_Transform(ST_GeomFromEWKT(:geometry), %d)", gatekeeper.CanonicalSRID), args, nil
	default:
		if srid == gatekeeper.CanonicalSRID {
			return fmt.Sprintf("ST_SetSRID(ST_GeomFromText(:geometry), %d)", gatekeeper.CanonicalSRID), args, nil
		}
		return fmt.Sprintf("ST_Transform(ST_SetSRID(ST_GeomFromText(:geometry), %d), %d)", srid, gatekeeper.CanonicalSRID), args, nil
	}
}

func stripEWKT(lit string) string {
	if idx := strings.IndexByte(lit, ';'); idx >= 0 {
		return lit[idx+1:]
	}
	return lit
}

func (s *SQLResourceStore) SelectAuthorizedIDs(ctx context.Context, q *gatekeeper.PredicateQuery) ([]int64, error) {
	sqlText, args := s.partitionQuery(`SELECT resource.id FROM resource`, q)
	r, err := s.db.NamedQueryContext(ctx, sqlText, args)
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

func (s *SQLResourceStore) ExistsAuthorized(ctx context.Context, q *gatekeeper.PredicateQuery) (bool, error) {
	sqlText, args := s.partitionQuery(`SELECT 1 FROM resource`, q)
	sqlText += ` LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, sqlText, args)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

// partitionQuery restricts the predicate to the realm's type partition so
// the planner never scans past it.
func (s *SQLResourceStore) partitionQuery(head string, q *gatekeeper.PredicateQuery) (string, map[string]any) {
	args := make(map[string]any, len(q.Args)+2)
	for k, v := range q.Args {
		args[k] = v
	}
	args["realm_id"] = q.RealmID
	args["resource_type_id"] = q.TypeID
	sqlText := head + ` WHERE resource.realm_id = :realm_id AND resource.resource_type_id = :resource_type_id`
	pred := q.SQL
	if pred == "" {
		pred = "TRUE"
	}
	sqlText += ` AND (` + pred + `)`
	if len(q.ResourceIDs) > 0 {
		sqlText += ` AND resource.id IN ` + namedInList("rid", q.ResourceIDs, args)
	}
	return sqlText, args
}

func (s *SQLResourceStore) ResolveExternalIDs(ctx context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	args := map[string]any{"realm_id": realmID, "resource_type_id": typeID}
	q := `SELECT external_id, resource_id FROM external_ids WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id AND external_id IN ` +
		namedInList("e", externalIDs, args)
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var ext string
		var id int64
		if err := r.Scan(&ext, &id); err != nil {
			return nil, err
		}
		out[ext] = id
	}
	return out, nil
}

func (s *SQLResourceStore) ExternalIDsFor(ctx context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(resourceIDs))
	for start := 0; start < len(resourceIDs); start += reverseChunkSize {
		end := start + reverseChunkSize
		if end > len(resourceIDs) {
			end = len(resourceIDs)
		}
		chunk := resourceIDs[start:end]
		args := map[string]any{"realm_id": realmID, "resource_type_id": typeID}
		q := `SELECT resource_id, external_id FROM external_ids WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id AND resource_id IN ` +
			namedInList("i", chunk, args)
		r, err := s.db.NamedQueryContext(ctx, q, args)
		if err != nil {
			return nil, err
		}
		for r.Next() {
			var id int64
			var ext string
			if err := r.Scan(&id, &ext); err != nil {
				r.Close()
				return nil, err
			}
			out[id] = ext
		}
		r.Close()
	}
	return out, nil
}

func (s *SQLResourceStore) ListExternalIDs(ctx context.Context, realmID, typeID int64) ([]string, error) {
	q := `SELECT external_id FROM external_ids WHERE realm_id = :realm_id AND resource_type_id = :resource_type_id ORDER BY external_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"realm_id": realmID, "resource_type_id": typeID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var ext string
		if err := r.Scan(&ext); err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, nil
}
