package quota

import (
	"sync"
	"time"

	"intelvault/util/goroutine"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the API window sweep once per bucket interval.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically expires apiRequests buckets that left the rolling window.
type Sweeper struct {
	guard    *Guard
	cron     *cron.Cron
	schedule string
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// NewSweeper creates a sweeper for guard. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(guard *Guard, schedule string, logger *zap.SugaredLogger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{
		guard:    guard,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.running = true
	s.logger.Infow("Quota window sweeper started", "schedule", s.schedule)
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron.Remove(s.entryID)
	s.running = false
	s.logger.Infow("Quota window sweeper stopped")
}

// NextRun returns when the next sweep is scheduled, or the zero time when stopped.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Sweeper) sweep() {
	defer goroutine.Recover("quota-sweeper", s.logger)
	s.guard.Sweep(s.guard.clock())
}
