package store

import (
	"context"
	"fmt"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltPersistence stores records in a BoltDB file. Each kind has a bucket with
// two nested buckets: "records" (id -> envelope) and "order" (seq -> id).
type BoltPersistence struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

var (
	bucketRecords = []byte("records")
	bucketOrder   = []byte("order")
)

// NewBoltPersistence opens (or creates) the BoltDB file at path.
func NewBoltPersistence(path string, logger *zap.SugaredLogger) (*BoltPersistence, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range core.AllKinds {
			kb, err := tx.CreateBucketIfNotExists([]byte(kind))
			if err != nil {
				return err
			}
			for _, name := range [][]byte{bucketRecords, bucketOrder} {
				if _, err := kb.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	logger.Infow("Bolt persistence initialized", "path", path)
	return &BoltPersistence{db: db, logger: logger}, nil
}

func (b *BoltPersistence) Name() string { return "bbolt" }

func kindBuckets(tx *bbolt.Tx, kind core.Kind) (records, order *bbolt.Bucket, err error) {
	kb := tx.Bucket([]byte(kind))
	if kb == nil {
		return nil, nil, fmt.Errorf("bucket %s not found", kind)
	}
	return kb.Bucket(bucketRecords), kb.Bucket(bucketOrder), nil
}

func seqKey(seq uint64) []byte {
	// big endian so byte order matches numeric order
	var k [8]byte
	for i := 0; i < 8; i++ {
		k[7-i] = byte(seq >> (8 * i))
	}
	return k[:]
}

func (b *BoltPersistence) Put(_ context.Context, kind core.Kind, tenantID, id string, data []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records, order, err := kindBuckets(tx, kind)
		if err != nil {
			return err
		}
		env := envelope{TenantID: tenantID, Data: data}
		if raw := records.Get([]byte(id)); raw != nil {
			existing, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			env.Seq = existing.Seq
		} else {
			next, err := order.NextSequence()
			if err != nil {
				return err
			}
			env.Seq = next
			if err := order.Put(seqKey(next), []byte(id)); err != nil {
				return err
			}
		}
		enc, err := encodeEnvelope(env)
		if err != nil {
			return err
		}
		return records.Put([]byte(id), enc)
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "put").Inc()
		return fmt.Errorf("failed to put %s %s: %w", kind, id, err)
	}
	return nil
}

func (b *BoltPersistence) Get(_ context.Context, kind core.Kind, id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		records, _, err := kindBuckets(tx, kind)
		if err != nil {
			return err
		}
		raw := records.Get([]byte(id))
		if raw == nil {
			return ErrRecordNotFound
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		// bolt memory is only valid inside the transaction
		out = append([]byte(nil), env.Data...)
		return nil
	})
	if err != nil {
		if err != ErrRecordNotFound {
			metrics.PersistenceErrors.WithLabelValues(b.Name(), "get").Inc()
		}
		return nil, err
	}
	return out, nil
}

func (b *BoltPersistence) Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error) {
	var rows []Row
	err := b.db.View(func(tx *bbolt.Tx) error {
		records, order, err := kindBuckets(tx, kind)
		if err != nil {
			return err
		}
		skipped := 0
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw := records.Get(v)
			if raw == nil {
				continue
			}
			env, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			if tenantID != "" && env.TenantID != tenantID {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			rows = append(rows, Row{TenantID: env.TenantID, ID: string(v), Data: append([]byte(nil), env.Data...)})
			if page.Limit > 0 && len(rows) == page.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "query").Inc()
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return rows, nil
}

func (b *BoltPersistence) Delete(_ context.Context, kind core.Kind, id string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records, order, err := kindBuckets(tx, kind)
		if err != nil {
			return err
		}
		raw := records.Get([]byte(id))
		if raw == nil {
			return nil
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		if err := order.Delete(seqKey(env.Seq)); err != nil {
			return err
		}
		return records.Delete([]byte(id))
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "delete").Inc()
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// Close gracefully closes the database
func (b *BoltPersistence) Close() error {
	return b.db.Close()
}
