package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"intelvault/core"
	"intelvault/metrics"
	"intelvault/service"
	"intelvault/util"
	"intelvault/util/goroutine"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig is returned by NewScheduler when a required collaborator is missing.
	ErrInvalidConfig = errors.New("invalid feed scheduler config")
	// ErrFeedDisabled is returned when syncing a feed that is switched off.
	ErrFeedDisabled = errors.New("feed is disabled")
)

// Source is what the scheduler needs from the intelligence service.
type Source interface {
	AllFeeds(ctx context.Context) ([]*core.IntelligenceFeed, error)
	GetFeed(ctx context.Context, tenantID, id string) (*core.IntelligenceFeed, error)
	IngestFeedIndicators(ctx context.Context, tenantID, feedID string, inds []*core.Indicator) (*service.IngestResult, error)
}

// Scheduler polls every enabled feed at its polling interval.
type Scheduler struct {
	source             Source
	poller             Poller
	cron               *cron.Cron
	logger             *zap.SugaredLogger
	maxConcurrentSyncs int
	syncTimeout        time.Duration

	syncingSem chan struct{}

	mu       sync.RWMutex
	running  bool
	feedJobs map[string]cron.EntryID // tenant/feed -> cron entry

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Source             Source
	Poller             Poller
	Logger             *zap.SugaredLogger
	MaxConcurrentSyncs int
	SyncTimeout        time.Duration
	Timezone           string
}

// NewScheduler creates a feed scheduler. It does nothing until Start.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Source == nil || cfg.Poller == nil {
		return nil, ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warnw("Invalid scheduler timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			tz = loc
		}
	}

	maxConcurrent := cfg.MaxConcurrentSyncs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		source:             cfg.Source,
		poller:             cfg.Poller,
		logger:             logger,
		maxConcurrentSyncs: maxConcurrent,
		syncTimeout:        syncTimeout,
		syncingSem:         make(chan struct{}, maxConcurrent),
		feedJobs:           make(map[string]cron.EntryID),
		ctx:                ctx,
		cancel:             cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(tz),
		cron.WithSeconds(),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return s, nil
}

// Start schedules every enabled feed and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	feeds, err := s.source.AllFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to load feeds: %w", err)
	}
	for _, f := range feeds {
		if err := s.scheduleFeedLocked(f); err != nil {
			s.logger.Warnw("Failed to schedule feed", "tenant", f.TenantID, "feed", f.ID, "error", err)
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Infow("Feed scheduler started", "feeds", len(s.feedJobs), "maxConcurrentSyncs", s.maxConcurrentSyncs)
	return nil
}

// Stop cancels in-flight syncs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Feed scheduler stopped")
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RefreshFeed reschedules a feed after it was created or changed. Disabled
// feeds are unscheduled.
func (s *Scheduler) RefreshFeed(feed *core.IntelligenceFeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(feed.TenantID, feed.ID)
	return s.scheduleFeedLocked(feed)
}

// RemoveFeed unschedules a feed.
func (s *Scheduler) RemoveFeed(tenantID, feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(tenantID, feedID)
}

func (s *Scheduler) removeLocked(tenantID, feedID string) {
	key := feedKey(tenantID, feedID)
	if id, ok := s.feedJobs[key]; ok {
		s.cron.Remove(id)
		delete(s.feedJobs, key)
	}
}

func (s *Scheduler) scheduleFeedLocked(feed *core.IntelligenceFeed) error {
	if !feed.Enabled {
		return nil
	}
	interval := feed.PollingInterval
	if interval < core.MinPollingInterval {
		interval = core.MinPollingInterval
	}
	tenantID, feedID := feed.TenantID, feed.ID
	id, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.syncFeed(tenantID, feedID)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule feed %s: %w", feedID, err)
	}
	s.feedJobs[feedKey(tenantID, feedID)] = id
	return nil
}

// syncFeed is the cron entry point; it waits for a sync slot and logs the outcome.
func (s *Scheduler) syncFeed(tenantID, feedID string) {
	defer goroutine.Recover("feed-sync-"+feedID, s.logger)

	select {
	case s.syncingSem <- struct{}{}:
		defer func() { <-s.syncingSem }()
	case <-s.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.syncTimeout)
	defer cancel()
	if _, err := s.SyncNow(ctx, tenantID, feedID); err != nil {
		if errors.As(err, new(*core.NotFoundError)) {
			s.RemoveFeed(tenantID, feedID)
		}
		s.logger.Warnw("Scheduled feed sync failed", "tenant", tenantID, "feed", feedID, "error", util.RedactError(err))
	}
}

// SyncNow polls the feed and ingests what it returns, synchronously.
func (s *Scheduler) SyncNow(ctx context.Context, tenantID, feedID string) (*service.IngestResult, error) {
	feed, err := s.source.GetFeed(ctx, tenantID, feedID)
	if err != nil {
		return nil, err
	}
	if !feed.Enabled {
		return nil, ErrFeedDisabled
	}

	start := time.Now()
	inds, err := s.poller.Poll(ctx, feed, feed.LastUpdated)
	if err != nil {
		metrics.FeedPolls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to poll feed %s: %w", feed.Name, err)
	}
	res, err := s.source.IngestFeedIndicators(ctx, tenantID, feedID, inds)
	if err != nil {
		metrics.FeedPolls.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.FeedPolls.WithLabelValues("success").Inc()
	metrics.FeedIndicatorsIngested.Add(float64(res.Created))

	s.logger.Debugw("Feed synced",
		"tenant", tenantID,
		"feed", feedID,
		"created", res.Created,
		"duration", time.Since(start))
	return res, nil
}

// TriggerSync starts a sync in the background, bypassing the schedule.
func (s *Scheduler) TriggerSync(tenantID, feedID string) {
	goroutine.Go("feed-trigger-"+feedID, s.logger, &s.wg, func() {
		s.syncFeed(tenantID, feedID)
	})
}

// NextSyncTime returns when the feed is next due, or false when it is not scheduled.
func (s *Scheduler) NextSyncTime(tenantID, feedID string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.feedJobs[feedKey(tenantID, feedID)]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

func feedKey(tenantID, feedID string) string {
	return tenantID + "/" + feedID
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
