package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"intelvault/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newIndicatorStore(t *testing.T, opts ...Option) *EntityStore[*core.Indicator] {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	return New(func() *core.Indicator { return new(core.Indicator) }, opts...)
}

func ipIndicator(value string) *core.Indicator {
	return &core.Indicator{
		Type:       core.IndicatorIP,
		Value:      value,
		Severity:   core.SeverityHigh,
		Confidence: 0.5,
		Tags:       []string{"c2"},
	}
}

// fixedClock returns the same instant on every call
func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestEntityStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)

	input := ipIndicator("203.0.113.5")
	created, err := s.Create(ctx, "T1", input)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "T1", created.TenantID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.Equal(t, created.CreatedAt, created.FirstSeen)
	assert.Empty(t, input.ID, "caller's value must not be modified")

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	// mutating a returned copy must not affect the store
	got.Tags[0] = "mutated"
	again, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "c2", again.Tags[0])
}

func TestEntityStore_CreateValidation(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)

	_, err := s.Create(ctx, "", ipIndicator("203.0.113.5"))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.Create(ctx, "T1", &core.Indicator{Type: core.IndicatorIP})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.Create(ctx, "T1", &core.Indicator{Value: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	assert.Equal(t, 0, s.Count("T1"))
}

func TestEntityStore_GetNotFound(t *testing.T) {
	s := newIndicatorStore(t)
	_, err := s.Get(context.Background(), "missing")

	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, core.KindIndicator, nf.Kind)
	assert.True(t, IsNotFound(err))
}

func TestEntityStore_UpdateMergesOnlySuppliedFields(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newIndicatorStore(t, WithClock(fixedClock(ts)))

	created, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	conf := 0.95
	updated, err := s.Update(ctx, created.ID, core.IndicatorPatch{Confidence: &conf})
	require.NoError(t, err)

	assert.Equal(t, 0.95, updated.Confidence)
	assert.Equal(t, created.Severity, updated.Severity)
	assert.Equal(t, created.Value, updated.Value)
	assert.Equal(t, created.Tags, updated.Tags)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	// the clock did not move, UpdatedAt still must
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	// every other field is unchanged
	expected := created.Clone()
	expected.Confidence = 0.95
	expected.UpdatedAt = updated.UpdatedAt
	assert.Equal(t, expected, updated)
}

func TestEntityStore_UpdateImmutableFields(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)
	created, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	otherTenant := "T2"
	_, err = s.Update(ctx, created.ID, core.IndicatorPatch{TenantID: &otherTenant})
	assert.ErrorIs(t, err, core.ErrImmutableField)

	otherID := "forged"
	_, err = s.Update(ctx, created.ID, core.IndicatorPatch{ID: &otherID})
	assert.ErrorIs(t, err, core.ErrImmutableField)

	sameTenant := "T1"
	_, err = s.Update(ctx, created.ID, core.IndicatorPatch{TenantID: &sameTenant})
	assert.NoError(t, err)

	_, err = s.Update(ctx, "missing", core.IndicatorPatch{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEntityStore_UpdateValidationLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)
	created, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	bad := "not-an-ip"
	_, err = s.Update(ctx, created.ID, core.IndicatorPatch{Value: &bad})
	require.ErrorIs(t, err, core.ErrValidation)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestEntityStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)
	created, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	ok, err := s.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 3; i++ {
		ok, err = s.Delete(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, s.Count("T1"))
}

func TestEntityStore_ListPaginationCompleteness(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)

	var highIDs []string
	for i := 0; i < 57; i++ {
		ind := ipIndicator(fmt.Sprintf("10.0.0.%d", i))
		if i%3 == 0 {
			ind.Severity = core.SeverityLow
		}
		created, err := s.Create(ctx, "T1", ind)
		require.NoError(t, err)
		if i%3 != 0 {
			highIDs = append(highIDs, created.ID)
		}
	}
	// another tenant's data must never appear
	_, err := s.Create(ctx, "T2", ipIndicator("10.9.9.9"))
	require.NoError(t, err)

	filter := &core.Filter{Severities: []core.Severity{core.SeverityHigh}}
	var collected []string
	seen := map[string]bool{}
	for offset := 0; ; offset += 7 {
		page, err := s.List(ctx, "T1", filter, core.Pagination{Offset: offset, Limit: 7})
		require.NoError(t, err)
		assert.Equal(t, len(highIDs), page.Total)
		if len(page.Items) == 0 {
			break
		}
		for _, item := range page.Items {
			assert.False(t, seen[item.ID], "duplicate %s", item.ID)
			seen[item.ID] = true
			collected = append(collected, item.ID)
		}
	}
	assert.Equal(t, highIDs, collected, "pages must cover the filtered set in insertion order")
}

func TestEntityStore_ListLimits(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)
	for i := 0; i < 60; i++ {
		_, err := s.Create(ctx, "T1", ipIndicator(fmt.Sprintf("10.0.1.%d", i)))
		require.NoError(t, err)
	}

	page, err := s.List(ctx, "T1", nil, core.Pagination{})
	require.NoError(t, err)
	assert.Len(t, page.Items, core.DefaultPageSize)
	assert.Equal(t, 60, page.Total)

	page, err = s.List(ctx, "T1", nil, core.Pagination{Limit: 10000})
	require.NoError(t, err)
	assert.Equal(t, core.MaxPageSize, page.Limit)
	assert.Len(t, page.Items, 60)

	page, err = s.List(ctx, "T1", nil, core.Pagination{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = s.List(ctx, "T1", nil, core.Pagination{Offset: -1})
	assert.ErrorIs(t, err, core.ErrValidation)

	page, err = s.List(ctx, "nobody", nil, core.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Items)
}

func TestEntityStore_Search(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)

	a := ipIndicator("203.0.113.5")
	a.Description = "Emotet loader C2"
	b := ipIndicator("198.51.100.7")
	b.Description = "Scanner"
	b.Tags = []string{"recon"}
	_, err := s.Create(ctx, "T1", a)
	require.NoError(t, err)
	_, err = s.Create(ctx, "T1", b)
	require.NoError(t, err)

	page, err := s.Search(ctx, "T1", "emotet 203.0", nil, core.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "203.0.113.5", page.Items[0].Value)

	page, err = s.Search(ctx, "T1", "RECON", nil, core.Pagination{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	page, err = s.Search(ctx, "T1", "", &core.Filter{Tags: []string{"c2"}}, core.Pagination{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestEntityStore_ConcurrentTenants(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t, WithStripes(4))

	var wg sync.WaitGroup
	for tenant := 0; tenant < 8; tenant++ {
		wg.Add(1)
		go func(tenant int) {
			defer wg.Done()
			tenantID := fmt.Sprintf("T%d", tenant)
			for i := 0; i < 25; i++ {
				created, err := s.Create(ctx, tenantID, ipIndicator(fmt.Sprintf("10.%d.0.%d", tenant, i)))
				if !assert.NoError(t, err) {
					return
				}
				conf := 0.9
				_, err = s.Update(ctx, created.ID, core.IndicatorPatch{Confidence: &conf})
				assert.NoError(t, err)
				_, err = s.List(ctx, tenantID, nil, core.Pagination{})
				assert.NoError(t, err)
			}
		}(tenant)
	}
	wg.Wait()

	for tenant := 0; tenant < 8; tenant++ {
		assert.Equal(t, 25, s.Count(fmt.Sprintf("T%d", tenant)))
	}
	assert.Len(t, s.Tenants(), 8)
}

func TestEntityStore_GenerationAdvancesOnMutation(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t)
	g0 := s.Generation()

	created, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	g1 := s.Generation()
	assert.Greater(t, g1, g0)

	_, err = s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, g1, s.Generation(), "reads do not change the generation")

	_, err = s.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Greater(t, s.Generation(), g1)
}

func TestEntityStore_LoadRehydratesFromPersistence(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryPersistence()

	s1 := newIndicatorStore(t, WithPersistence(backend), WithCodec(MsgpackCodec{}))
	var ids []string
	for i := 0; i < 5; i++ {
		created, err := s1.Create(ctx, "T1", ipIndicator(fmt.Sprintf("10.2.0.%d", i)))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, err := s1.Delete(ctx, ids[2])
	require.NoError(t, err)

	s2 := newIndicatorStore(t, WithPersistence(backend), WithCodec(MsgpackCodec{}))
	n, err := s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	page, err := s2.List(ctx, "T1", nil, core.Pagination{})
	require.NoError(t, err)
	var got []string
	for _, item := range page.Items {
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{ids[0], ids[1], ids[3], ids[4]}, got)

	orig, err := s1.Get(ctx, ids[0])
	require.NoError(t, err)
	loaded, err := s2.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, orig.Value, loaded.Value)
	assert.True(t, orig.UpdatedAt.Equal(loaded.UpdatedAt))
}

type failingPersistence struct {
	*MemoryPersistence
}

func (f failingPersistence) Put(context.Context, core.Kind, string, string, []byte) error {
	return errors.New("disk full")
}

func TestEntityStore_PersistenceFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newIndicatorStore(t, WithPersistence(failingPersistence{NewMemoryPersistence()}))

	_, err := s.Create(ctx, "T1", ipIndicator("203.0.113.5"))
	require.Error(t, err)
	assert.Equal(t, 0, s.Count("T1"))
	assert.Equal(t, uint64(0), s.Generation())
}

func TestStores_Generation(t *testing.T) {
	ctx := context.Background()
	stores := NewStores(WithLogger(zaptest.NewLogger(t).Sugar()))
	g0 := stores.Generation()

	_, err := stores.Campaigns.Create(ctx, "T1", &core.ThreatCampaign{Name: "C1"})
	require.NoError(t, err)
	assert.Greater(t, stores.Generation(), g0)
	assert.Equal(t, 1, stores.Count(core.KindCampaign, "T1"))

	counts, err := stores.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[core.KindCampaign], "already indexed records are not loaded twice")
}

func TestEntityStore_CampaignWithOnlyPastEndDate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(func() *core.ThreatCampaign { return new(core.ThreatCampaign) },
		WithLogger(zaptest.NewLogger(t).Sugar()), WithClock(fixedClock(now)))

	ended := now.Add(-48 * time.Hour)
	created, err := s.Create(ctx, "T1", &core.ThreatCampaign{Name: "C1", EndDate: &ended})
	require.NoError(t, err)
	require.NotNil(t, created.EndDate)
	assert.False(t, created.EndDate.Before(created.StartDate))
	assert.Equal(t, ended, created.StartDate)
	assert.False(t, created.IsActive(now))
}
