package quota

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"go.uber.org/zap"
)

// Denial reasons. Quota denials use ReasonPrefix followed by the resource name.
const (
	ReasonPrefix             = "quota-exceeded:"
	ReasonNotProvisioned     = "tenant-not-provisioned"
	ReasonUnknownResource    = "unknown-resource"
	ReasonInvalidDelta       = "invalid-delta"
	DefaultAPIWindow         = time.Hour
	DefaultAPIBucketInterval = time.Minute
)

var (
	// ErrNegativeUsage is returned when a release would take a counter below zero.
	ErrNegativeUsage = errors.New("release would make usage negative")

	// ErrNotReleasable is returned for resources that only the window sweep decrements.
	ErrNotReleasable = errors.New("resource is decremented by the window sweep, not by release")

	// ErrTenantNotProvisioned is returned for operations on unknown tenants.
	ErrTenantNotProvisioned = errors.New("tenant not provisioned")
)

// Decision is the outcome of a reservation. Current is the usage before the
// reservation was applied.
type Decision struct {
	Allowed  bool
	Reason   string
	Resource core.Resource
	Current  int64
	Limit    int64
}

// Err converts a denial into a QuotaExceededError, or returns nil when allowed.
func (d Decision) Err(tenantID string) error {
	if d.Allowed {
		return nil
	}
	return &core.QuotaExceededError{
		TenantID: tenantID,
		Resource: d.Resource,
		Current:  d.Current,
		Limit:    d.Limit,
		Reason:   d.Reason,
	}
}

// counter is one (tenant, resource) usage value. Its mutex is the single point
// of serialization for reservations against that pair.
type counter struct {
	mu    sync.Mutex
	value int64
	// buckets is only used for apiRequests: bucket start (unix seconds) -> requests
	buckets map[int64]int64
}

type tenantState struct {
	quota    atomic.Pointer[core.TenantQuota]
	features atomic.Pointer[core.TenantFeatures]
	counters map[core.Resource]*counter
}

func newTenantState(t core.Tenant) *tenantState {
	st := &tenantState{counters: make(map[core.Resource]*counter, len(core.AllResources))}
	for _, r := range core.AllResources {
		st.counters[r] = &counter{}
	}
	st.counters[core.ResourceAPIRequests].buckets = make(map[int64]int64)
	q, f := t.Quota, t.Features
	st.quota.Store(&q)
	st.features.Store(&f)
	return st
}

// Guard tracks per-tenant usage against quotas. Reservations are atomic per
// (tenant, resource): two concurrent reservations can never both pass the limit.
type Guard struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState

	window time.Duration
	bucket time.Duration
	clock  func() time.Time
	logger *zap.SugaredLogger
}

// Config configures a Guard.
type Config struct {
	// APIWindow is the rolling window for apiRequests (default 1h).
	APIWindow time.Duration
	// BucketInterval is the granularity of the rolling window (default 1m).
	BucketInterval time.Duration
	Clock          func() time.Time
}

// NewGuard creates an empty guard. Tenants must be provisioned before use.
func NewGuard(cfg Config, logger *zap.SugaredLogger) *Guard {
	if cfg.APIWindow <= 0 {
		cfg.APIWindow = DefaultAPIWindow
	}
	if cfg.BucketInterval <= 0 {
		cfg.BucketInterval = DefaultAPIBucketInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{
		tenants: make(map[string]*tenantState),
		window:  cfg.APIWindow,
		bucket:  cfg.BucketInterval,
		clock:   cfg.Clock,
		logger:  logger,
	}
}

// Provision registers a tenant or replaces the quota and features of an existing
// one. Existing usage is kept.
func (g *Guard) Provision(t core.Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.tenants[t.ID]; ok {
		q, f := t.Quota, t.Features
		st.quota.Store(&q)
		st.features.Store(&f)
		g.logger.Infow("Tenant plan updated", "tenant", t.ID)
		return nil
	}
	g.tenants[t.ID] = newTenantState(t)
	g.logger.Infow("Tenant provisioned", "tenant", t.ID)
	return nil
}

// Deprovision forgets a tenant and its usage.
func (g *Guard) Deprovision(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tenants, tenantID)
}

func (g *Guard) tenant(tenantID string) (*tenantState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.tenants[tenantID]
	return st, ok
}

// Tenants returns the provisioned tenant ids, sorted.
func (g *Guard) Tenants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.tenants))
	for id := range g.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Features returns the tenant's feature flags.
func (g *Guard) Features(tenantID string) (core.TenantFeatures, bool) {
	st, ok := g.tenant(tenantID)
	if !ok {
		return core.TenantFeatures{}, false
	}
	return *st.features.Load(), true
}

// Quota returns the tenant's quota.
func (g *Guard) Quota(tenantID string) (core.TenantQuota, bool) {
	st, ok := g.tenant(tenantID)
	if !ok {
		return core.TenantQuota{}, false
	}
	return *st.quota.Load(), true
}

// CheckAndReserve atomically checks usage+delta against the limit and applies
// delta when it fits. A negative limit means unlimited.
func (g *Guard) CheckAndReserve(tenantID string, resource core.Resource, delta int64) Decision {
	d := Decision{Resource: resource}
	if !resource.IsValid() {
		d.Reason = ReasonUnknownResource
		return d
	}
	if delta < 0 {
		d.Reason = ReasonInvalidDelta
		return d
	}
	st, ok := g.tenant(tenantID)
	if !ok {
		d.Reason = ReasonNotProvisioned
		metrics.QuotaDecisions.WithLabelValues(string(resource), "not_provisioned").Inc()
		return d
	}

	c := st.counters[resource]
	c.mu.Lock()
	defer c.mu.Unlock()

	d.Current = c.value
	d.Limit = st.quota.Load().Limit(resource)
	if d.Limit >= 0 && c.value+delta > d.Limit {
		d.Reason = ReasonPrefix + string(resource)
		metrics.QuotaDecisions.WithLabelValues(string(resource), "denied").Inc()
		g.logger.Debugw("Quota reservation denied",
			"tenant", tenantID, "resource", resource, "current", c.value, "delta", delta, "limit", d.Limit)
		return d
	}

	c.value += delta
	if c.buckets != nil && delta > 0 {
		c.buckets[g.bucketStart(g.clock())] += delta
	}
	d.Allowed = true
	metrics.QuotaDecisions.WithLabelValues(string(resource), "allowed").Inc()
	return d
}

// RecordAPIRequest reserves one apiRequests unit in the rolling window.
func (g *Guard) RecordAPIRequest(tenantID string) Decision {
	return g.CheckAndReserve(tenantID, core.ResourceAPIRequests, 1)
}

// Release returns delta units of resource. It must be called at most once per
// successful reservation. Releases that would go below zero are rejected.
func (g *Guard) Release(tenantID string, resource core.Resource, delta int64) error {
	if !resource.IsValid() {
		return core.NewValidationError("resource", fmt.Sprintf("unknown resource %q", resource))
	}
	if resource == core.ResourceAPIRequests {
		return ErrNotReleasable
	}
	if delta < 0 {
		return core.NewValidationError("delta", "must not be negative")
	}
	st, ok := g.tenant(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotProvisioned, tenantID)
	}

	c := st.counters[resource]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value-delta < 0 {
		g.logger.Errorw("Rejected release below zero",
			"tenant", tenantID, "resource", resource, "current", c.value, "delta", delta)
		return fmt.Errorf("%w: tenant %s %s current %d release %d", ErrNegativeUsage, tenantID, resource, c.value, delta)
	}
	c.value -= delta
	return nil
}

// Seed sets a counter to an absolute value, used to reconcile usage with the
// store after loading persisted records.
func (g *Guard) Seed(tenantID string, resource core.Resource, value int64) error {
	if value < 0 {
		return ErrNegativeUsage
	}
	st, ok := g.tenant(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotProvisioned, tenantID)
	}
	c, ok := st.counters[resource]
	if !ok || resource == core.ResourceAPIRequests {
		return core.NewValidationError("resource", fmt.Sprintf("cannot seed %q", resource))
	}
	c.mu.Lock()
	c.value = value
	c.mu.Unlock()
	return nil
}

// GetUsage returns a snapshot of the tenant's counters.
func (g *Guard) GetUsage(tenantID string) (core.TenantUsage, error) {
	st, ok := g.tenant(tenantID)
	if !ok {
		return core.TenantUsage{}, fmt.Errorf("%w: %s", ErrTenantNotProvisioned, tenantID)
	}
	usage := core.TenantUsage{TenantID: tenantID}
	for _, r := range core.AllResources {
		c := st.counters[r]
		c.mu.Lock()
		usage.Set(r, c.value)
		c.mu.Unlock()
	}
	return usage, nil
}

func (g *Guard) bucketStart(t time.Time) int64 {
	return t.Truncate(g.bucket).Unix()
}

// Sweep drops apiRequests buckets that fell out of the rolling window at now and
// returns the number of requests expired across all tenants.
func (g *Guard) Sweep(now time.Time) int64 {
	start := time.Now()
	defer func() { metrics.QuotaSweepDuration.Observe(time.Since(start).Seconds()) }()

	g.mu.RLock()
	states := make([]*tenantState, 0, len(g.tenants))
	for _, st := range g.tenants {
		states = append(states, st)
	}
	g.mu.RUnlock()

	// a bucket expires once its whole interval is older than the window
	cutoff := now.Add(-g.window).Unix()
	bucketSecs := int64(g.bucket / time.Second)
	var expired int64
	for _, st := range states {
		c := st.counters[core.ResourceAPIRequests]
		c.mu.Lock()
		for startSec, n := range c.buckets {
			if startSec+bucketSecs <= cutoff {
				delete(c.buckets, startSec)
				c.value -= n
				expired += n
			}
		}
		c.mu.Unlock()
	}
	if expired > 0 {
		g.logger.Debugw("Swept API request window", "expired", expired)
	}
	return expired
}
