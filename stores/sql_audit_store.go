package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists authorization log entries (squealx).
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *gatekeeper.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	q := `INSERT INTO authorization_log(timestamp, realm_id, principal_id, action_name, resource_type_name, decision, resource_ids, external_resource_ids)
	VALUES(:timestamp, :realm_id, :principal_id, :action_name, :resource_type_name, :decision, :resource_ids, :external_resource_ids)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"timestamp":             ts,
		"realm_id":              entry.RealmID,
		"principal_id":          entry.PrincipalID,
		"action_name":           entry.ActionName,
		"resource_type_name":    entry.ResourceTypeName,
		"decision":              boolToInt(entry.Decision),
		"resource_ids":          marshalJSON(entry.ResourceIDs),
		"external_resource_ids": marshalJSON(entry.ExternalResourceIDs),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter gatekeeper.AuditFilter) ([]*gatekeeper.AuditEntry, error) {
	q := `SELECT timestamp, realm_id, principal_id, action_name, resource_type_name, decision, resource_ids, external_resource_ids FROM authorization_log WHERE 1=1`
	args := map[string]any{}
	if filter.RealmID != 0 {
		q += ` AND realm_id = :realm_id`
		args["realm_id"] = filter.RealmID
	}
	if filter.PrincipalID != 0 {
		q += ` AND principal_id = :principal_id`
		args["principal_id"] = filter.PrincipalID
	}
	if !filter.Since.IsZero() {
		q += ` AND timestamp >= :since`
		args["since"] = filter.Since
	}
	q += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		q += ` LIMIT :limit`
		args["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*gatekeeper.AuditEntry, 0)
	for r.Next() {
		var (
			entry       gatekeeper.AuditEntry
			tsRaw       any
			decisionInt int
			resIDs      *string
			extIDs      *string
			actionName  *string
			typeName    *string
		)
		if err := r.Scan(&tsRaw, &entry.RealmID, &entry.PrincipalID, &actionName, &typeName, &decisionInt, &resIDs, &extIDs); err != nil {
			return nil, err
		}
		entry.Timestamp = scanTime(tsRaw)
		if actionName != nil {
			entry.ActionName = *actionName
		}
		if typeName != nil {
			entry.ResourceTypeName = *typeName
		}
		entry.Decision = decisionInt != 0
		if resIDs != nil && *resIDs != "" {
			_ = json.Unmarshal([]byte(*resIDs), &entry.ResourceIDs)
		}
		if extIDs != nil && *extIDs != "" {
			_ = json.Unmarshal([]byte(*extIDs), &entry.ExternalResourceIDs)
		}
		out = append(out, &entry)
	}
	return out, nil
}
