package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultStripes is the number of tenant stripes when none is configured.
const DefaultStripes = 32

// Option configures an EntityStore.
type Option func(*options)

type options struct {
	persistence Persistence
	codec       Codec
	clock       func() time.Time
	logger      *zap.SugaredLogger
	stripes     int
}

// WithPersistence sets the write-through backend. Defaults to a private MemoryPersistence.
func WithPersistence(p Persistence) Option { return func(o *options) { o.persistence = p } }

// WithCodec sets the record codec. Defaults to JSONCodec.
func WithCodec(c Codec) Option { return func(o *options) { o.codec = c } }

// WithClock overrides time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.logger = l } }

// WithStripes sets the number of tenant stripes.
func WithStripes(n int) Option { return func(o *options) { o.stripes = n } }

type entry[T any] struct {
	seq uint64
	rec T
}

// tenantIndex holds one tenant's records of a single kind.
type tenantIndex[T any] struct {
	records map[string]*entry[T]
}

type stripe[T any] struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex[T]
}

// EntityStore is a thread-safe, tenant-sharded container for one entity kind.
// Tenants are hashed onto stripes, each guarded by its own RWMutex, so writes
// for one tenant never block reads of tenants on other stripes. Every value
// handed to or returned from the store is a deep copy.
type EntityStore[T core.Record[T]] struct {
	kind    core.Kind
	newT    func() T
	stripes []*stripe[T]

	// owners maps id -> tenant id across all tenants
	owners     sync.Map
	seq        atomic.Uint64
	generation atomic.Uint64

	persistence Persistence
	codec       Codec
	clock       func() time.Time
	logger      *zap.SugaredLogger
}

// New creates an EntityStore. newT must return a fresh, empty entity.
func New[T core.Record[T]](newT func() T, opts ...Option) *EntityStore[T] {
	o := options{stripes: DefaultStripes}
	for _, opt := range opts {
		opt(&o)
	}
	if o.persistence == nil {
		o.persistence = NewMemoryPersistence()
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.stripes <= 0 {
		o.stripes = DefaultStripes
	}

	s := &EntityStore[T]{
		kind:        newT().Kind(),
		newT:        newT,
		stripes:     make([]*stripe[T], o.stripes),
		persistence: o.persistence,
		codec:       o.codec,
		clock:       o.clock,
		logger:      o.logger,
	}
	for i := range s.stripes {
		s.stripes[i] = &stripe[T]{tenants: make(map[string]*tenantIndex[T])}
	}
	return s
}

// Kind returns the entity kind held by the store.
func (s *EntityStore[T]) Kind() core.Kind { return s.kind }

// Generation increases on every successful mutation. Readers can use it to
// detect that cached derived data is stale.
func (s *EntityStore[T]) Generation() uint64 { return s.generation.Load() }

func (s *EntityStore[T]) stripeFor(tenantID string) *stripe[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func (s *EntityStore[T]) ownerOf(id string) (string, bool) {
	v, ok := s.owners.Load(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *EntityStore[T]) notFound(id string) error {
	return &core.NotFoundError{Kind: s.kind, ID: id}
}

// EncodedSize returns the encoded size of entity in bytes.
func (s *EntityStore[T]) EncodedSize(entity T) (int64, error) {
	data, err := s.codec.Marshal(entity)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", s.kind, err)
	}
	return int64(len(data)), nil
}

// Create validates entity, assigns a new id and timestamps, persists it and
// returns a copy of the stored record. The caller's value is not modified.
func (s *EntityStore[T]) Create(ctx context.Context, tenantID string, entity T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	rec := entity.Clone()
	meta := rec.Meta()
	meta.TenantID = tenantID
	if err := rec.Validate(); err != nil {
		return zero, err
	}

	now := s.clock().UTC()
	meta.ID = uuid.NewString()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	rec.Stamp(now)

	data, err := s.codec.Marshal(rec)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s: %w", s.kind, err)
	}

	st := s.stripeFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// persist before the index changes so a failed write leaves no trace
	if err := s.persistence.Put(ctx, s.kind, tenantID, meta.ID, data); err != nil {
		return zero, fmt.Errorf("failed to persist %s: %w", s.kind, err)
	}
	s.insertLocked(st, tenantID, meta.ID, rec)

	metrics.EntityMutations.WithLabelValues(string(s.kind), string(core.ActionCreated)).Inc()
	return rec.Clone(), nil
}

func (s *EntityStore[T]) insertLocked(st *stripe[T], tenantID, id string, rec T) {
	idx, ok := st.tenants[tenantID]
	if !ok {
		idx = &tenantIndex[T]{records: make(map[string]*entry[T])}
		st.tenants[tenantID] = idx
	}
	idx.records[id] = &entry[T]{seq: s.seq.Add(1), rec: rec}
	s.owners.Store(id, tenantID)
	s.generation.Add(1)
	metrics.StoreRecords.WithLabelValues(string(s.kind)).Inc()
}

// Get returns a copy of the record with the given id.
func (s *EntityStore[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	tenantID, ok := s.ownerOf(id)
	if !ok {
		return zero, s.notFound(id)
	}
	st := s.stripeFor(tenantID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	idx, ok := st.tenants[tenantID]
	if !ok {
		return zero, s.notFound(id)
	}
	e, ok := idx.records[id]
	if !ok {
		return zero, s.notFound(id)
	}
	return e.rec.Clone(), nil
}

// Update merges patch into the record with the given id. Changing the id or
// tenant id is rejected with an ImmutableFieldError. UpdatedAt always moves
// strictly forward, even if the clock does not.
func (s *EntityStore[T]) Update(ctx context.Context, id string, patch core.Patch[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	tenantID, ok := s.ownerOf(id)
	if !ok {
		return zero, s.notFound(id)
	}

	st := s.stripeFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	idx, ok := st.tenants[tenantID]
	if !ok {
		return zero, s.notFound(id)
	}
	e, ok := idx.records[id]
	if !ok {
		return zero, s.notFound(id)
	}

	prev := e.rec.Meta()
	patchID, patchTenant := patch.Identity()
	if err := core.CheckImmutable(prev, patchID, patchTenant); err != nil {
		return zero, err
	}

	next := e.rec.Clone()
	if err := patch.Apply(next); err != nil {
		return zero, err
	}
	if err := next.Validate(); err != nil {
		return zero, err
	}

	now := s.clock().UTC()
	if !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Nanosecond)
	}
	meta := next.Meta()
	meta.ID, meta.TenantID, meta.CreatedAt = prev.ID, prev.TenantID, prev.CreatedAt
	meta.UpdatedAt = now

	data, err := s.codec.Marshal(next)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s: %w", s.kind, err)
	}
	if err := s.persistence.Put(ctx, s.kind, tenantID, id, data); err != nil {
		return zero, fmt.Errorf("failed to persist %s: %w", s.kind, err)
	}

	e.rec = next
	s.generation.Add(1)
	metrics.EntityMutations.WithLabelValues(string(s.kind), string(core.ActionUpdated)).Inc()
	return next.Clone(), nil
}

// Delete removes the record with the given id. It returns false, and no error,
// if the record does not exist.
func (s *EntityStore[T]) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tenantID, ok := s.ownerOf(id)
	if !ok {
		return false, nil
	}

	st := s.stripeFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	idx, ok := st.tenants[tenantID]
	if !ok {
		return false, nil
	}
	if _, ok := idx.records[id]; !ok {
		return false, nil
	}
	if err := s.persistence.Delete(ctx, s.kind, id); err != nil {
		return false, fmt.Errorf("failed to delete %s from persistence: %w", s.kind, err)
	}

	delete(idx.records, id)
	if len(idx.records) == 0 {
		delete(st.tenants, tenantID)
	}
	s.owners.Delete(id)
	s.generation.Add(1)
	metrics.EntityMutations.WithLabelValues(string(s.kind), string(core.ActionDeleted)).Inc()
	metrics.StoreRecords.WithLabelValues(string(s.kind)).Dec()
	return true, nil
}

// snapshot returns the tenant's entries accepted by keep, in insertion order.
// Entries are shared with the store and must be cloned before escaping.
func (s *EntityStore[T]) snapshot(tenantID string, keep func(T) bool) []*entry[T] {
	st := s.stripeFor(tenantID)
	st.mu.RLock()
	idx, ok := st.tenants[tenantID]
	if !ok {
		st.mu.RUnlock()
		return nil
	}
	out := make([]*entry[T], 0, len(idx.records))
	for _, e := range idx.records {
		if keep == nil || keep(e.rec) {
			// clone under the lock; Update swaps e.rec
			out = append(out, &entry[T]{seq: e.seq, rec: e.rec.Clone()})
		}
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *EntityStore[T]) page(entries []*entry[T], p core.Pagination) core.Page[T] {
	result := core.Page[T]{Items: make([]T, 0), Total: len(entries), Offset: p.Offset, Limit: p.Limit}
	if p.Offset >= len(entries) {
		return result
	}
	end := p.Offset + p.Limit
	if end > len(entries) {
		end = len(entries)
	}
	for _, e := range entries[p.Offset:end] {
		result.Items = append(result.Items, e.rec)
	}
	return result
}

// List returns one page of the tenant's records that match filter, in insertion order.
// Total is the size of the whole filtered set.
func (s *EntityStore[T]) List(ctx context.Context, tenantID string, filter *core.Filter, p core.Pagination) (core.Page[T], error) {
	if err := ctx.Err(); err != nil {
		return core.Page[T]{}, err
	}
	p, err := p.Normalize()
	if err != nil {
		return core.Page[T]{}, err
	}
	entries := s.snapshot(tenantID, func(rec T) bool { return rec.Matches(filter) })
	return s.page(entries, p), nil
}

// Search is List restricted to records where every token of text occurs in
// one of the record's searchable fields.
func (s *EntityStore[T]) Search(ctx context.Context, tenantID, text string, filter *core.Filter, p core.Pagination) (core.Page[T], error) {
	if err := ctx.Err(); err != nil {
		return core.Page[T]{}, err
	}
	p, err := p.Normalize()
	if err != nil {
		return core.Page[T]{}, err
	}
	entries := s.snapshot(tenantID, func(rec T) bool {
		return rec.Matches(filter) && core.MatchText(text, rec.SearchFields())
	})
	return s.page(entries, p), nil
}

// Range calls fn with a copy of each of the tenant's records in insertion order
// until fn returns false.
func (s *EntityStore[T]) Range(tenantID string, fn func(T) bool) {
	for _, e := range s.snapshot(tenantID, nil) {
		if !fn(e.rec.Clone()) {
			return
		}
	}
}

// Count returns the number of records the tenant owns.
func (s *EntityStore[T]) Count(tenantID string) int {
	st := s.stripeFor(tenantID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if idx, ok := st.tenants[tenantID]; ok {
		return len(idx.records)
	}
	return 0
}

// Tenants returns the ids of all tenants that own at least one record.
func (s *EntityStore[T]) Tenants() []string {
	var out []string
	for _, st := range s.stripes {
		st.mu.RLock()
		for tenantID := range st.tenants {
			out = append(out, tenantID)
		}
		st.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Load rehydrates the in-memory index from persistence. It must be called before
// the store serves traffic. Records that fail to decode are logged and skipped.
func (s *EntityStore[T]) Load(ctx context.Context) (int, error) {
	rows, err := s.persistence.Query(ctx, s.kind, "", core.Pagination{})
	if err != nil {
		return 0, fmt.Errorf("failed to load %s records: %w", s.kind, err)
	}

	loaded := 0
	for _, row := range rows {
		rec := s.newT()
		if err := s.codec.Unmarshal(row.Data, rec); err != nil {
			s.logger.Warnw("Skipping undecodable record", "kind", s.kind, "id", row.ID, "error", err)
			continue
		}
		meta := rec.Meta()
		if meta.ID == "" {
			meta.ID = row.ID
		}
		if meta.TenantID == "" {
			meta.TenantID = row.TenantID
		}
		if _, exists := s.owners.Load(meta.ID); exists {
			continue
		}

		st := s.stripeFor(meta.TenantID)
		st.mu.Lock()
		s.insertLocked(st, meta.TenantID, meta.ID, rec)
		st.mu.Unlock()
		loaded++
	}

	s.logger.Infow("Loaded records from persistence",
		"kind", s.kind, "count", loaded, "backend", s.persistence.Name())
	return loaded, nil
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
