package stores

import (
	"context"
	"strconv"
	"time"

	"github.com/oarkflow/gatekeeper"
	"github.com/redis/go-redis/v9"
)

// RedisRealmCache shares name→id realm maps across processes. It is a second
// cache tier in front of the entity store: each process still keeps its own
// in-memory snapshot, but invalidation through redis reaches every replica.
type RedisRealmCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRealmCache(client *redis.Client, ttl time.Duration) *RedisRealmCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRealmCache{client: client, ttl: ttl}
}

const (
	realmKeyPrefix = "realm:"

	fieldRealmID    = "_id"
	actionKeyPrefix = "action:"
	typeKeyPrefix   = "type:"
	publicKeyPrefix = "type_public:"
	roleKeyPrefix   = "role:"
)

// RealmMapFields is the flat hash form of a realm map: the same layout the
// in-memory cache uses, flattened into prefixed fields.
type RealmMapFields map[string]string

// Get loads a realm map hash; the bool result is false on a miss.
func (c *RedisRealmCache) Get(ctx context.Context, realmName string) (RealmMapFields, bool, error) {
	data, err := c.client.HGetAll(ctx, realmKeyPrefix+realmName).Result()
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Set stores a realm map hash with the bounded TTL.
func (c *RedisRealmCache) Set(ctx context.Context, realmName string, fields RealmMapFields) error {
	key := realmKeyPrefix + realmName
	flat := make(map[string]any, len(fields))
	for k, v := range fields {
		flat[k] = v
	}
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, flat)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate drops a realm map so every replica refetches it.
func (c *RedisRealmCache) Invalidate(ctx context.Context, realmName string) error {
	return c.client.Del(ctx, realmKeyPrefix+realmName).Err()
}

// FlattenRealmMap converts a resolved realm map into the hash layout.
func FlattenRealmMap(m *gatekeeper.RealmMap) RealmMapFields {
	fields := RealmMapFields{fieldRealmID: strconv.FormatInt(m.ID, 10)}
	for name, id := range m.Actions {
		fields[actionKeyPrefix+name] = strconv.FormatInt(id, 10)
	}
	for name, t := range m.Types {
		fields[typeKeyPrefix+name] = strconv.FormatInt(t.ID, 10)
		fields[publicKeyPrefix+name] = strconv.FormatBool(t.IsPublic)
	}
	for name, id := range m.Roles {
		fields[roleKeyPrefix+name] = strconv.FormatInt(id, 10)
	}
	return fields
}

// ExpandRealmMap parses the hash layout back into a realm map.
func ExpandRealmMap(fields RealmMapFields) *gatekeeper.RealmMap {
	m := &gatekeeper.RealmMap{
		Actions: make(map[string]int64),
		Types:   make(map[string]gatekeeper.TypeEntry),
		Roles:   make(map[string]int64),
	}
	for k, v := range fields {
		switch {
		case k == fieldRealmID:
			m.ID, _ = strconv.ParseInt(v, 10, 64)
		case len(k) > len(actionKeyPrefix) && k[:len(actionKeyPrefix)] == actionKeyPrefix:
			id, _ := strconv.ParseInt(v, 10, 64)
			m.Actions[k[len(actionKeyPrefix):]] = id
		case len(k) > len(publicKeyPrefix) && k[:len(publicKeyPrefix)] == publicKeyPrefix:
			name := k[len(publicKeyPrefix):]
			entry := m.Types[name]
			entry.IsPublic = v == "true"
			m.Types[name] = entry
		case len(k) > len(typeKeyPrefix) && k[:len(typeKeyPrefix)] == typeKeyPrefix:
			name := k[len(typeKeyPrefix):]
			entry := m.Types[name]
			entry.ID, _ = strconv.ParseInt(v, 10, 64)
			m.Types[name] = entry
		case len(k) > len(roleKeyPrefix) && k[:len(roleKeyPrefix)] == roleKeyPrefix:
			id, _ := strconv.ParseInt(v, 10, 64)
			m.Roles[k[len(roleKeyPrefix):]] = id
		}
	}
	return m
}
