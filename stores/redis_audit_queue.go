package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/gatekeeper"
	"github.com/redis/go-redis/v9"
)

const auditQueueKey = "audit_queue"

// RedisAuditStore implements gatekeeper.AuditStore by pushing entries onto a
// redis list. A separate drain worker (ProcessAuditQueue) moves them into a
// durable store, so decision-path processes never hold a SQL connection for
// auditing.
type RedisAuditStore struct {
	client *redis.Client
}

func NewRedisAuditStore(client *redis.Client) *RedisAuditStore {
	return &RedisAuditStore{client: client}
}

func (s *RedisAuditStore) LogDecision(ctx context.Context, entry *gatekeeper.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, auditQueueKey, data).Err()
}

// GetAccessLog reads back the queued (not yet drained) entries, newest first.
func (s *RedisAuditStore) GetAccessLog(ctx context.Context, filter gatekeeper.AuditFilter) ([]*gatekeeper.AuditEntry, error) {
	limit := int64(filter.Limit)
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, auditQueueKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*gatekeeper.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry gatekeeper.AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if filter.RealmID != 0 && entry.RealmID != filter.RealmID {
			continue
		}
		if filter.PrincipalID != 0 && entry.PrincipalID != filter.PrincipalID {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

// ProcessAuditQueue drains the redis audit list into the delegate store
// until ctx is canceled. Malformed entries are skipped.
func ProcessAuditQueue(ctx context.Context, client *redis.Client, delegate gatekeeper.AuditStore) error {
	for {
		res, err := client.BRPop(ctx, 10*time.Second, auditQueueKey).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) < 2 {
			continue
		}
		var entry gatekeeper.AuditEntry
		if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
			continue
		}
		if err := delegate.LogDecision(ctx, &entry); err != nil {
			return err
		}
	}
}
