package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"intelvault/core"
	"intelvault/correlation"
	"intelvault/jobs"
	"intelvault/notify"
	"intelvault/quota"
	"intelvault/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fullTenant(id string) core.Tenant {
	return core.Tenant{
		ID:    id,
		Name:  id,
		Quota: core.UnlimitedQuota(),
		Features: core.TenantFeatures{
			RealTimeUpdates:   true,
			AdvancedAnalytics: true,
			DataExport:        true,
		},
	}
}

type fixture struct {
	svc    *IntelligenceService
	stores *store.Stores
	guard  *quota.Guard
	hub    *notify.Hub
}

func newFixture(t *testing.T, deps Deps, tenants ...core.Tenant) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	if deps.Stores == nil {
		deps.Stores = store.NewStores(store.WithLogger(logger))
	}
	if deps.Guard == nil {
		deps.Guard = quota.NewGuard(quota.Config{}, logger)
	}
	if deps.Hub == nil {
		hub, err := notify.NewHub(notify.DefaultConfig(), logger)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hub.Close(ctx)
		})
		deps.Hub = hub
	}
	deps.Logger = logger

	svc, err := New(deps)
	require.NoError(t, err)
	for _, tenant := range tenants {
		require.NoError(t, svc.ProvisionTenant(tenant))
	}
	return &fixture{svc: svc, stores: deps.Stores, guard: deps.Guard, hub: deps.Hub}
}

func ipIndicator(value string) *core.Indicator {
	return &core.Indicator{Type: core.IndicatorIP, Value: value, Severity: core.SeverityHigh, Confidence: 0.5}
}

func TestNew_RequiresStoresAndGuard(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Stores: store.NewStores()})
	assert.Error(t, err)
}

func TestCreateIndicator_QuotaExceeded(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota.MaxIndicators = 1
	f := newFixture(t, Deps{}, tenant)
	ctx := context.Background()

	first, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "T1", first.TenantID)

	_, err = f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.6"))
	require.ErrorIs(t, err, core.ErrQuotaExceeded)
	var qe *core.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, core.ResourceIndicators, qe.Resource)
	assert.Equal(t, int64(1), qe.Limit)
	assert.Equal(t, core.CodeQuotaExceeded, core.ResultFromError(err).Error.Code)

	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Indicators)
	assert.Equal(t, 1, f.stores.Indicators.Count("T1"))
}

func TestCreate_UnprovisionedTenant(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.svc.CreateIndicator(context.Background(), "ghost", ipIndicator("203.0.113.5"))
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
	var qe *core.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, quota.ReasonNotProvisioned, qe.Reason)

	_, err = f.svc.CreateIndicator(context.Background(), "", ipIndicator("203.0.113.5"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCreate_ValidationFailsBeforeReservation(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	_, err := f.svc.CreateIndicator(context.Background(), "T1", &core.Indicator{Type: core.IndicatorIP, Value: "not-an-ip"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.svc.CreateIndicator(context.Background(), "T1", nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Zero(t, usage.Indicators)
	assert.Zero(t, usage.DataSize)
}

func TestCreate_DataSizeRollsBackCount(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota.MaxDataSizeBytes = 16
	f := newFixture(t, Deps{}, tenant)

	_, err := f.svc.CreateIndicator(context.Background(), "T1", ipIndicator("203.0.113.5"))
	var qe *core.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, core.ResourceDataSize, qe.Resource)

	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Zero(t, usage.Indicators, "count reservation must be released")
	assert.Zero(t, usage.DataSize)
	assert.Zero(t, f.stores.Indicators.Count("T1"))
}

func TestCreate_ConcurrentNeverExceedsQuota(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota.MaxIndicators = 10
	f := newFixture(t, Deps{}, tenant)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ind := &core.Indicator{Type: core.IndicatorDomain, Value: "host" + strings.Repeat("a", i%7) + ".example.com"}
			if _, err := f.svc.CreateIndicator(context.Background(), "T1", ind); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, created)
	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Indicators)
	assert.Equal(t, 10, f.stores.Indicators.Count("T1"))
}

func TestCorrelate_CampaignContainingIndicator(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	_, err = f.svc.CreateCampaign(ctx, "T1", &core.ThreatCampaign{Name: "C1", IndicatorIDs: []string{ind.ID}})
	require.NoError(t, err)

	hits, err := f.svc.Correlate(ctx, "T1", ind.ID)
	require.NoError(t, err)
	assert.Contains(t, correlation.Labels(hits), "Campaign:C1")

	_, err = f.svc.Correlate(ctx, "T2", ind.ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "other tenants cannot correlate")
}

func TestSubscribe_ReceivesExactlyOneCreatedEvent(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []core.Event
	)
	_, err := f.svc.Subscribe("T1", []core.Channel{core.ChannelIndicators}, nil, func(_ context.Context, ev core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)
	// nothing else arrives
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, core.ActionCreated, events[0].Action)
	assert.Equal(t, ind.ID, events[0].EntityID)
	payload, ok := events[0].Payload.(*core.Indicator)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.5", payload.Value)
}

func TestSubscribe_HungPredicateDoesNotBlockCreate(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	hung := func(core.Event) bool {
		<-block
		return true
	}
	_, err := f.svc.Subscribe("T1", nil, hung, func(context.Context, core.Event) error { return nil })
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.CreateIndicator(context.Background(), "T1", ipIndicator("203.0.113.9"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create waited on a subscriber predicate")
	}
}

func TestSubscribe_RequiresRealTimeFeature(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Features.RealTimeUpdates = false
	f := newFixture(t, Deps{}, tenant)

	_, err := f.svc.Subscribe("T1", nil, nil, func(context.Context, core.Event) error { return nil })
	assert.ErrorIs(t, err, core.ErrFeatureDisabled)
	assert.False(t, f.svc.Unsubscribe("missing"))
}

func TestUpdateIndicator_MergesOnlySuppliedFields(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	before, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	conf := 0.95
	after, err := f.svc.UpdateIndicator(ctx, "T1", before.ID, core.IndicatorPatch{Confidence: &conf})
	require.NoError(t, err)

	assert.Equal(t, 0.95, after.Confidence)
	assert.Equal(t, before.Severity, after.Severity)
	assert.Equal(t, before.Value, after.Value)
	assert.Equal(t, before.Type, after.Type)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Indicators, "update does not reserve")

	otherTenant := "T2"
	_, err = f.svc.UpdateIndicator(ctx, "T1", before.ID, core.IndicatorPatch{TenantID: &otherTenant})
	assert.ErrorIs(t, err, core.ErrImmutableField)
}

func TestUpdate_DataSizeKeepsCreateReservation(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	created, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	require.Positive(t, created.DataSize)

	long := strings.Repeat("x", 2000)
	_, err = f.svc.UpdateIndicator(ctx, "T1", ind.ID, core.IndicatorPatch{Description: &long})
	require.NoError(t, err)
	grown, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, created.DataSize, grown.DataSize, "updates are not charged against dataSize")

	deleted, err := f.svc.DeleteIndicator(ctx, "T1", ind.ID)
	require.NoError(t, err)
	require.True(t, deleted)
	after, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Zero(t, after.DataSize, "delete releases exactly what create reserved")
}

func TestDeleteIndicator_Idempotent(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	_, err = f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.6"))
	require.NoError(t, err)

	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	require.Equal(t, int64(2), usage.Indicators)
	sizeBefore := usage.DataSize

	deleted, err := f.svc.DeleteIndicator(ctx, "T1", ind.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = f.svc.DeleteIndicator(ctx, "T1", ind.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	usage, err = f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Indicators)
	assert.Less(t, usage.DataSize, sizeBefore)
	assert.Greater(t, usage.DataSize, int64(0))
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"), fullTenant("T2"))
	ctx := context.Background()

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	_, err = f.svc.GetIndicator(ctx, "T2", ind.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	conf := 0.1
	_, err = f.svc.UpdateIndicator(ctx, "T2", ind.ID, core.IndicatorPatch{Confidence: &conf})
	assert.ErrorIs(t, err, core.ErrNotFound)
	deleted, err := f.svc.DeleteIndicator(ctx, "T2", ind.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	page, err := f.svc.ListIndicators(ctx, "T2", nil, core.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	got, err := f.svc.GetIndicator(ctx, "T1", ind.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestFeeds_NotQuotaTracked(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota = core.TenantQuota{}
	f := newFixture(t, Deps{}, tenant)

	feed, err := f.svc.CreateFeed(context.Background(), "T1", &core.IntelligenceFeed{Name: "abuse", SourceURL: "https://feeds.example.com/abuse.json"})
	require.NoError(t, err)
	deleted, err := f.svc.DeleteFeed(context.Background(), "T1", feed.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.svc.CreateReport(context.Background(), "T1", &core.Report{Title: "weekly"})
	assert.ErrorIs(t, err, core.ErrQuotaExceeded, "zero report quota denies")
}

func TestGenerateIntelligenceSummary(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := f.svc.CreateIndicator(ctx, "T1", &core.Indicator{Type: core.IndicatorIP, Value: "198.51.100.1", Severity: core.SeverityCritical, Confidence: 0.9, Tags: []string{"c2", "botnet"}})
	require.NoError(t, err)
	_, err = f.svc.CreateIndicator(ctx, "T1", &core.Indicator{Type: core.IndicatorDomain, Value: "bad.example.com", Severity: core.SeverityLow, Tags: []string{"c2"}, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = f.svc.CreateThreatActor(ctx, "T1", &core.ThreatActor{Name: "APT28"})
	require.NoError(t, err)
	_, err = f.svc.CreateCampaign(ctx, "T1", &core.ThreatCampaign{Name: "Op", StartDate: past})
	require.NoError(t, err)
	_, err = f.svc.CreateFeed(ctx, "T1", &core.IntelligenceFeed{Name: "f", SourceURL: "https://example.com/f", Enabled: true})
	require.NoError(t, err)

	usageBefore, err := f.svc.GetUsage("T1")
	require.NoError(t, err)

	sum, err := f.svc.GenerateIntelligenceSummary(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Indicators.Total)
	assert.Equal(t, 1, sum.Indicators.Active)
	assert.Equal(t, 1, sum.Indicators.Expired)
	assert.Equal(t, 1, sum.Indicators.HighConfidence)
	assert.Equal(t, 1, sum.Indicators.ByType[core.IndicatorIP])
	assert.Equal(t, 1, sum.Indicators.BySeverity[core.SeverityCritical])
	assert.Equal(t, 1, sum.ThreatActors)
	assert.Equal(t, 1, sum.Campaigns)
	assert.Equal(t, 1, sum.ActiveCampaigns)
	assert.Equal(t, 1, sum.Feeds)
	assert.Equal(t, 1, sum.EnabledFeeds)
	assert.Equal(t, []CountEntry{{"c2", 2}, {"botnet", 1}}, sum.TopTags)
	assert.Equal(t, usageBefore, sum.Usage)

	usageAfter, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, usageBefore, usageAfter, "summaries do not touch quota")
}

func TestGenerateThreatLandscape(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	ctx := context.Background()

	apt, err := f.svc.CreateThreatActor(ctx, "T1", &core.ThreatActor{Name: "APT28", Aliases: []string{"Fancy Bear"}})
	require.NoError(t, err)
	_, err = f.svc.CreateThreatActor(ctx, "T1", &core.ThreatActor{Name: "Lazarus"})
	require.NoError(t, err)
	for i, v := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		actor := "Fancy Bear"
		if i == 2 {
			actor = "Lazarus"
		}
		_, err := f.svc.CreateIndicator(ctx, "T1", &core.Indicator{
			Type: core.IndicatorIP, Value: v, Severity: core.SeverityHigh,
			Context: core.IndicatorContext{
				ThreatActors:    []string{actor},
				MalwareFamilies: []string{"X-Agent"},
				TargetedSectors: []string{"government"},
			},
		})
		require.NoError(t, err)
	}
	end := time.Now().Add(-time.Hour)
	_, err = f.svc.CreateCampaign(ctx, "T1", &core.ThreatCampaign{Name: "Active", ActorIDs: []string{apt.ID}, TargetSectors: []string{"energy"}})
	require.NoError(t, err)
	_, err = f.svc.CreateCampaign(ctx, "T1", &core.ThreatCampaign{Name: "Over", StartDate: end.Add(-time.Hour), EndDate: &end})
	require.NoError(t, err)

	land, err := f.svc.GenerateThreatLandscape(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, land.Partial)
	assert.Empty(t, land.Incomplete)
	assert.Equal(t, []CountEntry{{"APT28", 3}, {"Lazarus", 1}}, land.TopActors)
	require.Len(t, land.ActiveCampaigns, 1)
	assert.Equal(t, "Active", land.ActiveCampaigns[0].Name)
	assert.Equal(t, []CountEntry{{"X-Agent", 3}}, land.TopMalwareFamilies)
	assert.Equal(t, []CountEntry{{"government", 3}, {"energy", 1}}, land.TargetedSectors)
	assert.Equal(t, 3, land.SeverityDistribution[core.SeverityHigh])
	assert.Equal(t, 0, land.SeverityDistribution[core.SeverityLow])
}

func TestGenerateThreatLandscape_CancelledIsPartial(t *testing.T) {
	f := newFixture(t, Deps{}, fullTenant("T1"))
	_, err := f.svc.CreateIndicator(context.Background(), "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	land, err := f.svc.GenerateThreatLandscape(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, land.Partial)
	assert.ElementsMatch(t, []string{
		SectionTopActors, SectionActiveCampaigns, SectionTopMalwareFamilies,
		SectionTargetedSectors, SectionSeverityDistribution,
	}, land.Incomplete)
}

type fakeAnalyzer struct{ got AnalyticsRequest }

func (a *fakeAnalyzer) Analyze(_ context.Context, req AnalyticsRequest) (*AnalyticsReport, error) {
	a.got = req
	return &AnalyticsReport{TenantID: req.TenantID, Results: map[string]any{"trend": "flat"}}, nil
}

func TestRunAnalytics(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	limited := fullTenant("T2")
	limited.Features.AdvancedAnalytics = false
	f := newFixture(t, Deps{Analyzer: analyzer}, fullTenant("T1"), limited)

	req := AnalyticsRequest{TenantID: "T1", From: time.Now().Add(-24 * time.Hour), To: time.Now(), Types: []string{"trend"}}
	report, err := f.svc.RunAnalytics(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "flat", report.Results["trend"])
	assert.Equal(t, []string{"trend"}, analyzer.got.Types)

	_, err = f.svc.RunAnalytics(context.Background(), AnalyticsRequest{TenantID: "T2"})
	assert.ErrorIs(t, err, core.ErrFeatureDisabled)

	bad := req
	bad.From, bad.To = req.To, req.From
	_, err = f.svc.RunAnalytics(context.Background(), bad)
	assert.ErrorIs(t, err, core.ErrValidation)

	none := newFixture(t, Deps{}, fullTenant("T1"))
	_, err = none.svc.RunAnalytics(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoCollaborator)
}

func TestRequestExport_RunsJob(t *testing.T) {
	stores := store.NewStores()
	f := newFixture(t, Deps{Stores: stores, Exporter: NewSnapshotExporter(stores, "", nil)}, fullTenant("T1"))
	ctx := context.Background()

	_, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	_, err = f.svc.CreateThreatActor(ctx, "T1", &core.ThreatActor{Name: "APT28", Tags: []string{"espionage"}})
	require.NoError(t, err)

	job, err := f.svc.RequestExport(ctx, "T1", ExportRequest{
		Kinds:  []core.Kind{core.KindIndicator, core.KindThreatActor},
		Format: FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, "indicator,threat_actor", job.Params["kinds"])

	assert.Equal(t, 1, f.svc.Jobs().RunPending(ctx))
	done, err := f.svc.GetJob("T1", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, done.Status, done.Error)

	result, ok := done.Result.(*ExportResult)
	require.True(t, ok)
	assert.Equal(t, map[core.Kind]int{core.KindIndicator: 1, core.KindThreatActor: 1}, result.Counts)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(result.Data, &decoded))
	assert.Len(t, decoded, 2)

	_, err = f.svc.GetJob("T2", job.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.svc.RequestExport(ctx, "T1", ExportRequest{Kinds: []core.Kind{"alerts"}, Format: FormatJSON})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRequestExport_RequiresFeature(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Features.DataExport = false
	stores := store.NewStores()
	f := newFixture(t, Deps{Stores: stores, Exporter: NewSnapshotExporter(stores, "", nil)}, tenant)

	_, err := f.svc.RequestExport(context.Background(), "T1", ExportRequest{Kinds: []core.Kind{core.KindIndicator}, Format: FormatCSV})
	assert.ErrorIs(t, err, core.ErrFeatureDisabled)
	assert.Empty(t, f.svc.ListJobs("T1"))
}

func TestSnapshotExporter_Formats(t *testing.T) {
	stores := store.NewStores()
	f := newFixture(t, Deps{Stores: stores}, fullTenant("T1"))
	_, err := f.svc.CreateIndicator(context.Background(), "T1", &core.Indicator{Type: core.IndicatorDomain, Value: "evil.example.com", Tags: []string{"a", "b"}})
	require.NoError(t, err)

	dir := t.TempDir()
	exp := NewSnapshotExporter(stores, dir, zaptest.NewLogger(t).Sugar())
	noop := func(float64) {}

	res, err := exp.Export(context.Background(), ExportScope{
		ExportRequest: ExportRequest{Kinds: []core.Kind{core.KindIndicator}, Format: FormatCSV},
		JobID:         "job-1",
		TenantID:      "T1",
	}, noop)
	require.NoError(t, err)
	csvRes := res.(*ExportResult)
	assert.Contains(t, csvRes.Path, "job-1.csv")
	assert.Nil(t, csvRes.Data)

	res, err = NewSnapshotExporter(stores, "", nil).Export(context.Background(), ExportScope{
		ExportRequest: ExportRequest{Kinds: []core.Kind{core.KindIndicator}, Format: FormatYAML},
		TenantID:      "T1",
	}, noop)
	require.NoError(t, err)
	assert.Contains(t, string(res.(*ExportResult).Data), "value: evil.example.com")
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(_ context.Context, ind *core.Indicator) (*core.Enrichment, error) {
	if ind.Value == "203.0.113.66" {
		return nil, errors.New("provider unavailable")
	}
	return &core.Enrichment{
		Providers:  []string{"test"},
		Reputation: &core.ReputationEnrichment{Score: 0.7, Malicious: true},
	}, nil
}

func TestRequestEnrichment(t *testing.T) {
	f := newFixture(t, Deps{Enricher: fakeEnricher{}}, fullTenant("T1"))
	ctx := context.Background()

	ok, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	bad, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.66"))
	require.NoError(t, err)

	okJob, err := f.svc.RequestEnrichment(ctx, "T1", ok.ID)
	require.NoError(t, err)
	badJob, err := f.svc.RequestEnrichment(ctx, "T1", bad.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestEnrichment(ctx, "T2", ok.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, 2, f.svc.Jobs().RunPending(ctx))

	got, err := f.svc.GetJob("T1", okJob.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	enriched, err := f.svc.GetIndicator(ctx, "T1", ok.ID)
	require.NoError(t, err)
	require.NotNil(t, enriched.Enrichment)
	assert.Equal(t, []string{"test"}, enriched.Enrichment.Providers)
	assert.False(t, enriched.Enrichment.EnrichedAt.IsZero())

	failed, err := f.svc.GetJob("T1", badJob.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, failed.Status)
	assert.Equal(t, "provider unavailable", failed.Error)
}

func TestJobEventsArePublished(t *testing.T) {
	f := newFixture(t, Deps{Enricher: fakeEnricher{}}, fullTenant("T1"))
	ctx := context.Background()

	var (
		mu       sync.Mutex
		statuses []jobs.Status
	)
	_, err := f.svc.Subscribe("T1", []core.Channel{core.ChannelJobs}, nil, func(_ context.Context, ev core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Payload.(*jobs.Job).Status)
		return nil
	})
	require.NoError(t, err)

	ind, err := f.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	_, err = f.svc.RequestEnrichment(ctx, "T1", ind.ID)
	require.NoError(t, err)
	f.svc.Jobs().RunPending(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 3 && statuses[len(statuses)-1] == jobs.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, jobs.StatusPending, statuses[0])
}

func TestIngestFeedIndicators(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota.MaxIndicators = 2
	f := newFixture(t, Deps{}, tenant)
	ctx := context.Background()

	feed, err := f.svc.CreateFeed(ctx, "T1", &core.IntelligenceFeed{
		Name:      "abuse-ch",
		SourceURL: "https://feeds.example.com/ips.json",
		Enabled:   true,
		ProcessingRules: []core.ProcessingRule{
			{Field: "value", Pattern: `^10\.`, Action: core.RuleExclude},
			{Field: "value", Pattern: `^203\.`, Action: core.RuleTag, Value: "doc-range"},
		},
	})
	require.NoError(t, err)
	assert.Nil(t, feed.LastUpdated)

	res, err := f.svc.IngestFeedIndicators(ctx, "T1", feed.ID, []*core.Indicator{
		ipIndicator("10.0.0.1"),
		ipIndicator("203.0.113.5"),
		{Type: core.IndicatorIP, Value: "bogus"},
		ipIndicator("198.51.100.7"),
		ipIndicator("198.51.100.8"),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Received)
	assert.Equal(t, 1, res.Filtered)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Created)
	assert.True(t, res.QuotaExceeded)

	page, err := f.svc.ListIndicators(ctx, "T1", &core.Filter{Tags: []string{"doc-range"}}, core.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Contains(t, page.Items[0].Sources, "abuse-ch")

	updated, err := f.svc.GetFeed(ctx, "T1", feed.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastUpdated)

	_, err = f.svc.IngestFeedIndicators(ctx, "T2", feed.ID, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestIngestFeedIndicators_ResyncMergesExisting(t *testing.T) {
	tenant := fullTenant("T1")
	tenant.Quota.MaxIndicators = 5
	f := newFixture(t, Deps{}, tenant)
	ctx := context.Background()

	feed, err := f.svc.CreateFeed(ctx, "T1", &core.IntelligenceFeed{
		Name:      "blocklist",
		SourceURL: "https://feeds.example.com/ips.txt",
		Enabled:   true,
	})
	require.NoError(t, err)

	manual, err := f.svc.CreateIndicator(ctx, "T1", &core.Indicator{
		Type: core.IndicatorDomain, Value: "evil.example.com", Sources: []string{"analyst"},
	})
	require.NoError(t, err)

	poll := func() []*core.Indicator {
		return []*core.Indicator{
			ipIndicator("203.0.113.5"),
			ipIndicator("203.0.113.5"),
			{Type: core.IndicatorDomain, Value: " EVIL.example.com "},
		}
	}

	res, err := f.svc.IngestFeedIndicators(ctx, "T1", feed.ID, poll())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Updated, "the repeated ip and the manual domain are merged")

	first, err := f.svc.ListIndicators(ctx, "T1", nil, core.Pagination{})
	require.NoError(t, err)
	require.Equal(t, 2, first.Total)

	for i := 0; i < 2; i++ {
		res, err = f.svc.IngestFeedIndicators(ctx, "T1", feed.ID, poll())
		require.NoError(t, err)
		assert.Equal(t, 0, res.Created)
		assert.Equal(t, 3, res.Updated)
		assert.False(t, res.QuotaExceeded)
	}

	page, err := f.svc.ListIndicators(ctx, "T1", nil, core.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	usage, err := f.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Indicators)

	domain, err := f.svc.GetIndicator(ctx, "T1", manual.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "blocklist"}, domain.Sources)
	assert.False(t, domain.LastSeen.Before(manual.LastSeen))
}

func TestReconcileUsage_AfterReload(t *testing.T) {
	persistence := store.NewMemoryPersistence()
	first := newFixture(t, Deps{Stores: store.NewStores(store.WithPersistence(persistence))}, fullTenant("T1"))
	ctx := context.Background()
	ind, err := first.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.5"))
	require.NoError(t, err)
	_, err = first.svc.CreateIndicator(ctx, "T1", ipIndicator("203.0.113.6"))
	require.NoError(t, err)
	_, err = first.svc.CreateReport(ctx, "T1", &core.Report{Title: "weekly"})
	require.NoError(t, err)

	reloaded := store.NewStores(store.WithPersistence(persistence))
	_, err = reloaded.Load(ctx)
	require.NoError(t, err)
	second := newFixture(t, Deps{Stores: reloaded}, fullTenant("T1"))
	require.NoError(t, second.svc.ReconcileUsage(ctx))

	usage, err := second.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Indicators)
	assert.Equal(t, int64(1), usage.Reports)
	assert.Greater(t, usage.DataSize, int64(0))

	deleted, err := second.svc.DeleteIndicator(ctx, "T1", ind.ID)
	require.NoError(t, err)
	require.True(t, deleted)
	after, err := second.svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Indicators)
	assert.Less(t, after.DataSize, usage.DataSize)
}
