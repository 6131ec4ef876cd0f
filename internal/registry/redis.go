package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "wsrelay:"
	sessionIndexKey = keyPrefix + "sessions"
	totalKey        = keyPrefix + "stats:total"
	failuresKey     = keyPrefix + "stats:connect_failures"
)

func sessionKey(id string) string { return keyPrefix + "session:" + id }

// redisStore implements Store on Redis so several relay instances can
// enumerate each other's sessions. Readiness flags stay process local.
type redisStore struct {
	client     *redis.Client
	instanceID string

	mu      sync.Mutex
	local   map[string]Info
	closing bool
	ready   bool

	heartbeatInterval time.Duration
	keyTTL            time.Duration
	opTimeout         time.Duration
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(rdb, fmt.Sprintf("wsrelay-%d", time.Now().UnixNano())), nil
}

func newRedisStore(rdb *redis.Client, instanceID string) *redisStore {
	return &redisStore{
		client:            rdb,
		instanceID:        instanceID,
		local:             make(map[string]Info),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
		opTimeout:         2 * time.Second,
	}
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *redisStore) Add(ctx context.Context, info Info) error {
	info.Instance = r.instanceID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	r.mu.Lock()
	if _, exists := r.local[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session already registered: %s", info.ID)
	}
	r.local[info.ID] = info
	r.mu.Unlock()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(info.ID), data, r.keyTTL)
	pipe.SAdd(ctx, sessionIndexKey, info.ID)
	pipe.Incr(ctx, totalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		// The session still runs; only cross-instance visibility is lost.
		return fmt.Errorf("redis add session failed: %w", err)
	}
	return nil
}

func (r *redisStore) Update(ctx context.Context, id, state string) {
	r.mu.Lock()
	info, ok := r.local[id]
	if ok {
		info.State = state
		r.local[id] = info
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		obs.Error("redis.update.marshal", obs.Fields{"err": err.Error(), "session": id})
		return
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	// XX: a Remove that already deleted the key wins over a late update.
	if err := r.client.SetXX(ctx, sessionKey(id), data, r.keyTTL).Err(); err != nil {
		obs.Error("redis.update", obs.Fields{"err": err.Error(), "session": id})
	}
}

func (r *redisStore) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.remove", obs.Fields{"err": err.Error(), "session": id})
	}
}

// List returns the sessions of every instance sharing this Redis. Index
// entries whose key already expired are pruned.
func (r *redisStore) List(ctx context.Context) ([]Info, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget sessions failed: %w", err)
	}
	out := make([]Info, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			obs.Error("redis.list.unmarshal", obs.Fields{"err": err.Error(), "session": ids[i]})
			continue
		}
		out = append(out, info)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, sessionIndexKey, stale...).Err(); err != nil {
			obs.Error("redis.list.prune", obs.Fields{"err": err.Error()})
		}
	}
	return out, nil
}

// Count returns the number of sessions owned by this instance.
func (r *redisStore) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

func (r *redisStore) RecordConnectFailure() {
	ctx, cancel := r.withTimeout(context.Background())
	defer cancel()
	if err := r.client.Incr(ctx, failuresKey).Err(); err != nil {
		obs.Error("redis.connect_failure.incr", obs.Fields{"err": err.Error()})
	}
}

func (r *redisStore) Stats() Stats {
	st := Stats{Active: r.Count()}
	ctx, cancel := r.withTimeout(context.Background())
	defer cancel()
	vals, err := r.client.MGet(ctx, totalKey, failuresKey).Result()
	if err != nil {
		obs.Error("redis.stats", obs.Fields{"err": err.Error()})
		return st
	}
	st.TotalSessions = parseCounter(vals[0])
	st.ConnectFailures = parseCounter(vals[1])
	return st
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0
	}
	return n
}

// StartMaintenance refreshes key TTLs of locally owned sessions until ctx is done.
func (r *redisStore) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

func (r *redisStore) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(context.Background(), id)
	}
	return r.client.Close()
}

// Maintainer is implemented by stores that need a background loop.
type Maintainer interface {
	StartMaintenance(ctx context.Context)
}
