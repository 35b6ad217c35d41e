package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"intelvault/core"
	"intelvault/metrics"
	"intelvault/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoHandler is returned when a job type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")
	// ErrQueueStopped is returned by Start after Stop.
	ErrQueueStopped = errors.New("job queue is stopped")
)

// ProgressFunc lets a handler report completion percentage (0-100).
type ProgressFunc func(percent float64)

// Handler performs a job. The returned value becomes Job.Result.
type Handler func(ctx context.Context, job *Job, progress ProgressFunc) (any, error)

// Observer is called with a copy of the job after every state change.
type Observer func(job *Job)

// Option configures a Queue.
type Option func(*Queue)

// WithObserver registers a state-change observer.
func WithObserver(o Observer) Option { return func(q *Queue) { q.observers = append(q.observers, o) } }

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option { return func(q *Queue) { q.clock = clock } }

// WithBacklog sets the size of the worker hand-off channel.
func WithBacklog(n int) Option { return func(q *Queue) { q.backlog = n } }

// Queue holds jobs and drives them through their lifecycle, either with
// worker goroutines (Start) or synchronously (RunPending).
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	cancels   map[string]context.CancelFunc
	handlers  map[Type]Handler
	observers []Observer
	clock     func() time.Time
	logger    *zap.SugaredLogger

	backlog int
	work    chan string
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
}

// NewQueue creates an idle queue.
func NewQueue(logger *zap.SugaredLogger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	q := &Queue{
		jobs:     make(map[string]*Job),
		cancels:  make(map[string]context.CancelFunc),
		handlers: make(map[Type]Handler),
		clock:    time.Now,
		logger:   logger,
		backlog:  256,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for a job type.
func (q *Queue) Register(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Submit creates a pending job. If workers are running the job is handed to them.
func (q *Queue) Submit(tenantID string, t Type, params map[string]string) (*Job, error) {
	if tenantID == "" {
		return nil, core.NewValidationError("tenant_id", "is required")
	}

	q.mu.Lock()
	if _, ok := q.handlers[t]; !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	job := &Job{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      t,
		Status:    StatusPending,
		CreatedAt: q.clock().UTC(),
	}
	if len(params) > 0 {
		job.Params = make(map[string]string, len(params))
		for k, v := range params {
			job.Params[k] = v
		}
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	snapshot := job.Clone()
	running, work := q.running, q.work
	q.mu.Unlock()

	q.notify(snapshot)
	q.logger.Infow("Job submitted", "job", job.ID, "tenant", tenantID, "type", t)

	if running {
		select {
		case work <- job.ID:
		default:
			q.logger.Warnw("Job backlog full, job left pending", "job", job.ID)
		}
	}
	return snapshot, nil
}

// Get returns a copy of a job.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "job", ID: id}
	}
	return job.Clone(), nil
}

// List returns copies of the tenant's jobs in submission order.
func (q *Queue) List(tenantID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0)
	for _, id := range q.order {
		if job := q.jobs[id]; job.TenantID == tenantID {
			out = append(out, job.Clone())
		}
	}
	return out
}

// Cancel cancels a pending job, or signals a running one to stop. Cancelling a
// finished job returns an InvalidTransitionError.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return &core.NotFoundError{Kind: "job", ID: id}
	}
	switch job.Status {
	case StatusPending:
		if err := job.transition(StatusCancelled, q.clock().UTC()); err != nil {
			q.mu.Unlock()
			return err
		}
		snapshot := job.Clone()
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(string(job.Type), string(StatusCancelled)).Inc()
		q.notify(snapshot)
		return nil
	case StatusRunning:
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		err := &core.InvalidTransitionError{From: string(job.Status), To: string(StatusCancelled)}
		q.mu.Unlock()
		return err
	}
}

// RunPending synchronously runs every pending job in submission order and
// returns how many it ran.
func (q *Queue) RunPending(ctx context.Context) int {
	q.mu.Lock()
	var pending []string
	for _, id := range q.order {
		if q.jobs[id].Status == StatusPending {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	ran := 0
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		if q.execute(ctx, id) {
			ran++
		}
	}
	return ran
}

// claim moves a pending job to running. It returns false if another worker
// already took it or it was cancelled.
func (q *Queue) claim(parent context.Context, id string) (*Job, Handler, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		return nil, nil, nil, false
	}
	handler := q.handlers[job.Type]
	if err := job.transition(StatusRunning, q.clock().UTC()); err != nil {
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancels[id] = cancel
	return job.Clone(), handler, ctx, true
}

func (q *Queue) execute(parent context.Context, id string) bool {
	work, handler, ctx, ok := q.claim(parent, id)
	if !ok {
		return false
	}
	q.notify(work.Clone())

	result, err := q.invoke(ctx, handler, work)
	cancelled := ctx.Err() != nil && parent.Err() == nil

	q.mu.Lock()
	q.cancels[id]()
	delete(q.cancels, id)
	job := q.jobs[id]
	now := q.clock().UTC()
	var next Status
	switch {
	case cancelled:
		next = StatusCancelled
	case err != nil:
		next = StatusFailed
		job.Error = err.Error()
	default:
		next = StatusCompleted
		job.Result = result
	}
	_ = job.transition(next, now)
	snapshot := job.Clone()
	q.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(job.Type), string(next)).Inc()
	if err != nil {
		q.logger.Warnw("Job failed", "job", id, "type", job.Type, "error", err)
	} else {
		q.logger.Infow("Job finished", "job", id, "type", job.Type, "status", next)
	}
	q.notify(snapshot)
	return true
}

func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	progress := func(p float64) { q.setProgress(job.ID, p) }
	return handler(ctx, job, progress)
}

func (q *Queue) setProgress(id string, p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusRunning || p < job.Progress {
		q.mu.Unlock()
		return
	}
	job.Progress = p
	snapshot := job.Clone()
	q.mu.Unlock()
	q.notify(snapshot)
}

func (q *Queue) notify(job *Job) {
	for _, o := range q.observers {
		o(job.Clone())
	}
}

// Start launches workers that run submitted jobs until Stop or until parent is
// cancelled. Jobs already pending are scheduled immediately.
func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.ctx, q.cancel = context.WithCancel(parent)
	q.work = make(chan string, q.backlog)
	q.running = true
	var pending []string
	for _, id := range q.order {
		if q.jobs[id].Status == StatusPending {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	for _, id := range pending {
		select {
		case q.work <- id:
		default:
		}
	}
	q.logger.Infow("Job workers started", "workers", workers)
	return nil
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	defer goroutine.Recover(fmt.Sprintf("job-worker-%d", n), q.logger)

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.work:
			q.execute(q.ctx, id)
		}
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.running = false
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.logger.Infow("Job workers stopped")
}
