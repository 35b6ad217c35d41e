package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"intelvault/core"
	"intelvault/quota"
	"intelvault/service"
	"intelvault/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubPoller struct {
	calls atomic.Int32
	inds  []*core.Indicator
	err   error
}

func (p *stubPoller) Poll(ctx context.Context, feed *core.IntelligenceFeed, since *time.Time) ([]*core.Indicator, error) {
	p.calls.Add(1)
	return p.inds, p.err
}

func newService(t *testing.T, maxIndicators int64) *service.IntelligenceService {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	svc, err := service.New(service.Deps{
		Stores: store.NewStores(store.WithLogger(logger)),
		Guard:  quota.NewGuard(quota.Config{}, logger),
		Logger: logger,
	})
	require.NoError(t, err)
	q := core.UnlimitedQuota()
	q.MaxIndicators = maxIndicators
	require.NoError(t, svc.ProvisionTenant(core.Tenant{ID: "T1", Name: "T1", Quota: q}))
	return svc
}

func createFeed(t *testing.T, svc *service.IntelligenceService, url string, enabled bool) *core.IntelligenceFeed {
	t.Helper()
	feed, err := svc.CreateFeed(context.Background(), "T1", &core.IntelligenceFeed{
		Name:            "blocklist",
		SourceURL:       url,
		Format:          core.FormatText,
		Enabled:         enabled,
		PollingInterval: 5 * time.Minute,
	})
	require.NoError(t, err)
	return feed
}

func TestNewScheduler_RequiresCollaborators(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewScheduler(SchedulerConfig{Poller: &stubPoller{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScheduler_SyncNowIngestsThroughService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.5\n198.51.100.7\nevil.example\n"))
	}))
	defer srv.Close()

	svc := newService(t, 2)
	feed := createFeed(t, svc, srv.URL, true)
	s, err := NewScheduler(SchedulerConfig{
		Source: svc,
		Poller: NewHTTPPoller(nil, nil),
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)

	res, err := s.SyncNow(context.Background(), "T1", feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Created)
	assert.True(t, res.QuotaExceeded)

	usage, err := svc.GetUsage("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Indicators)

	got, err := svc.GetFeed(context.Background(), "T1", feed.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUpdated)
}

func TestScheduler_SyncNowErrors(t *testing.T) {
	svc := newService(t, 10)
	disabled := createFeed(t, svc, "https://feeds.example.com/list.txt", false)
	enabled := createFeed(t, svc, "https://feeds.example.com/list.txt", true)

	poller := &stubPoller{err: errors.New("connection refused")}
	s, err := NewScheduler(SchedulerConfig{Source: svc, Poller: poller})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.SyncNow(ctx, "T1", disabled.ID)
	assert.ErrorIs(t, err, ErrFeedDisabled)

	_, err = s.SyncNow(ctx, "T1", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.SyncNow(ctx, "T1", enabled.ID)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, int32(1), poller.calls.Load())
}

func TestScheduler_SchedulesEnabledFeeds(t *testing.T) {
	svc := newService(t, 10)
	enabled := createFeed(t, svc, "https://feeds.example.com/a.txt", true)
	disabled := createFeed(t, svc, "https://feeds.example.com/b.txt", false)

	s, err := NewScheduler(SchedulerConfig{Source: svc, Poller: &stubPoller{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.True(t, s.IsRunning())

	var next time.Time
	require.Eventually(t, func() bool {
		var ok bool
		next, ok = s.NextSyncTime("T1", enabled.ID)
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), next, 5*time.Second)

	_, ok := s.NextSyncTime("T1", disabled.ID)
	assert.False(t, ok)

	enabledNow := true
	updated, err := svc.UpdateFeed(context.Background(), "T1", disabled.ID, core.IntelligenceFeedPatch{Enabled: &enabledNow})
	require.NoError(t, err)
	require.NoError(t, s.RefreshFeed(updated))
	assert.Eventually(t, func() bool {
		_, ok := s.NextSyncTime("T1", disabled.ID)
		return ok
	}, time.Second, 10*time.Millisecond)

	s.RemoveFeed("T1", enabled.ID)
	_, ok = s.NextSyncTime("T1", enabled.ID)
	assert.False(t, ok)
}

func TestScheduler_TriggerSync(t *testing.T) {
	svc := newService(t, 10)
	feed := createFeed(t, svc, "https://feeds.example.com/a.txt", true)
	poller := &stubPoller{inds: []*core.Indicator{{Type: core.IndicatorIP, Value: "203.0.113.9"}}}

	s, err := NewScheduler(SchedulerConfig{Source: svc, Poller: poller})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.TriggerSync("T1", feed.ID)
	assert.Eventually(t, func() bool {
		usage, _ := svc.GetUsage("T1")
		return usage.Indicators == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
}
