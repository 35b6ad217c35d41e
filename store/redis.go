package store

import (
	"context"
	"errors"
	"fmt"

	"intelvault/core"
	"intelvault/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPersistence stores each record under its own key and keeps insertion order
// in sorted sets, one per kind and one per (kind, tenant).
type RedisPersistence struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

// NewRedisPersistence connects to addr. All keys are prefixed with prefix.
func NewRedisPersistence(addr, password string, db, poolSize int, prefix string, logger *zap.SugaredLogger) *RedisPersistence {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	if prefix == "" {
		prefix = "intelvault"
	}
	return &RedisPersistence{client: client, prefix: prefix, logger: logger}
}

// Ping tests the Redis connection
func (r *RedisPersistence) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPersistence) Name() string { return "redis" }

func (r *RedisPersistence) recordKey(kind core.Kind, id string) string {
	return fmt.Sprintf("%s:%s:rec:%s", r.prefix, kind, id)
}

func (r *RedisPersistence) orderKey(kind core.Kind) string {
	return fmt.Sprintf("%s:%s:order", r.prefix, kind)
}

func (r *RedisPersistence) tenantOrderKey(kind core.Kind, tenantID string) string {
	return fmt.Sprintf("%s:%s:tenant:%s:order", r.prefix, kind, tenantID)
}

func (r *RedisPersistence) seqKey(kind core.Kind) string {
	return fmt.Sprintf("%s:%s:seq", r.prefix, kind)
}

func (r *RedisPersistence) Put(ctx context.Context, kind core.Kind, tenantID, id string, data []byte) error {
	seq, err := r.client.Incr(ctx, r.seqKey(kind)).Result()
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "put").Inc()
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	value, err := encodeEnvelope(envelope{Seq: uint64(seq), TenantID: tenantID, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}

	member := redis.Z{Score: float64(seq), Member: id}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(kind, id), value, 0)
		// NX keeps the first-insertion position on update
		pipe.ZAddNX(ctx, r.orderKey(kind), member)
		pipe.ZAddNX(ctx, r.tenantOrderKey(kind, tenantID), member)
		return nil
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "put").Inc()
		return fmt.Errorf("failed to put %s %s: %w", kind, id, err)
	}
	return nil
}

func (r *RedisPersistence) getEnvelope(ctx context.Context, kind core.Kind, id string) (envelope, error) {
	raw, err := r.client.Get(ctx, r.recordKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return envelope{}, ErrRecordNotFound
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "get").Inc()
		return envelope{}, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return decodeEnvelope(raw)
}

func (r *RedisPersistence) Get(ctx context.Context, kind core.Kind, id string) ([]byte, error) {
	env, err := r.getEnvelope(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (r *RedisPersistence) Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error) {
	key := r.orderKey(kind)
	if tenantID != "" {
		key = r.tenantOrderKey(kind, tenantID)
	}
	start := int64(page.Offset)
	stop := int64(-1)
	if page.Limit > 0 {
		stop = start + int64(page.Limit) - 1
	}
	ids, err := r.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "query").Inc()
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(kind, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "query").Inc()
		return nil, fmt.Errorf("failed to load %s records: %w", kind, err)
	}

	rows := make([]Row, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// removed between ZRANGE and MGET
			continue
		}
		env, err := decodeEnvelope([]byte(s))
		if err != nil {
			r.logger.Warnw("Skipping undecodable record", "kind", kind, "id", ids[i], "error", err)
			continue
		}
		rows = append(rows, Row{TenantID: env.TenantID, ID: ids[i], Data: env.Data})
	}
	return rows, nil
}

func (r *RedisPersistence) Delete(ctx context.Context, kind core.Kind, id string) error {
	env, err := r.getEnvelope(ctx, kind, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.recordKey(kind, id))
		pipe.ZRem(ctx, r.orderKey(kind), id)
		pipe.ZRem(ctx, r.tenantOrderKey(kind, env.TenantID), id)
		return nil
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(r.Name(), "delete").Inc()
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisPersistence) Close() error {
	return r.client.Close()
}
