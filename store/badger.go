package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"intelvault/core"
	"intelvault/metrics"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerPersistence stores records in an embedded BadgerDB under "<kind>/<id>" keys.
type BadgerPersistence struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.SugaredLogger
}

// NewBadgerPersistence opens a BadgerDB rooted at path. An empty path opens an
// in-memory database.
func NewBadgerPersistence(path string, logger *zap.SugaredLogger) (*BadgerPersistence, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("meta/seq"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	logger.Infow("Badger persistence initialized", "path", path)
	return &BadgerPersistence{db: db, seq: seq, logger: logger}, nil
}

func badgerKey(kind core.Kind, id string) []byte {
	return []byte(string(kind) + "/" + id)
}

func (b *BadgerPersistence) Name() string { return "badger" }

func (b *BadgerPersistence) Put(_ context.Context, kind core.Kind, tenantID, id string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(kind, id)
		env := envelope{TenantID: tenantID, Data: data}

		item, err := txn.Get(key)
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			existing, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			env.Seq = existing.Seq
		case errors.Is(err, badger.ErrKeyNotFound):
			next, err := b.seq.Next()
			if err != nil {
				return err
			}
			env.Seq = next + 1
		default:
			return err
		}

		enc, err := encodeEnvelope(env)
		if err != nil {
			return err
		}
		return txn.Set(key, enc)
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "put").Inc()
		return fmt.Errorf("failed to put %s %s: %w", kind, id, err)
	}
	return nil
}

func (b *BadgerPersistence) Get(_ context.Context, kind core.Kind, id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(kind, id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		out = env.Data
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "get").Inc()
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return out, nil
}

func (b *BadgerPersistence) Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error) {
	type seqRow struct {
		seq uint64
		row Row
	}
	var matched []seqRow
	prefix := []byte(string(kind) + "/")

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			env, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			if tenantID != "" && env.TenantID != tenantID {
				continue
			}
			id := string(item.Key()[len(prefix):])
			matched = append(matched, seqRow{seq: env.Seq, row: Row{TenantID: env.TenantID, ID: id, Data: env.Data}})
		}
		return nil
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "query").Inc()
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	rows := make([]Row, len(matched))
	for i, r := range matched {
		rows[i] = r.row
	}
	return pageRows(rows, page), nil
}

func (b *BadgerPersistence) Delete(_ context.Context, kind core.Kind, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(kind, id))
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(b.Name(), "delete").Inc()
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

func (b *BadgerPersistence) Close() error {
	serr := b.seq.Release()
	return errors.Join(serr, b.db.Close())
}
