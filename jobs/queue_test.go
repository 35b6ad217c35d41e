package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"intelvault/core"
	"intelvault/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[string][]Status
}

func (r *statusRecorder) observe(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string][]Status)
	}
	list := r.statuses[j.ID]
	if len(list) == 0 || list[len(list)-1] != j.Status {
		r.statuses[j.ID] = append(list, j.Status)
	}
}

func (r *statusRecorder) get(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses[id]...)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, Status("bogus").IsValid())
}

func TestQueue_RunPendingDrivesStateMachine(t *testing.T) {
	var rec statusRecorder
	q := NewQueue(zaptest.NewLogger(t).Sugar(), WithObserver(rec.observe))
	q.Register(TypeExport, func(ctx context.Context, job *Job, progress ProgressFunc) (any, error) {
		progress(50)
		return map[string]int{"records": 3}, nil
	})
	q.Register(TypeEnrichment, func(ctx context.Context, job *Job, progress ProgressFunc) (any, error) {
		return nil, errors.New("provider unavailable")
	})

	ok, err := q.Submit("T1", TypeExport, map[string]string{"format": "json"})
	require.NoError(t, err)
	bad, err := q.Submit("T1", TypeEnrichment, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ok.Status)

	assert.Equal(t, 2, q.RunPending(context.Background()))
	assert.Equal(t, 0, q.RunPending(context.Background()), "nothing left to run")

	done, err := q.Get(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, float64(100), done.Progress)
	assert.Equal(t, map[string]int{"records": 3}, done.Result)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "json", done.Params["format"])

	failed, err := q.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "provider unavailable", failed.Error)

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, rec.get(ok.ID))
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusFailed}, rec.get(bad.ID))
}

func TestQueue_HandlerPanicFailsJob(t *testing.T) {
	q := NewQueue(zaptest.NewLogger(t).Sugar())
	q.Register(TypeAnalytics, func(context.Context, *Job, ProgressFunc) (any, error) { panic("bug") })

	job, err := q.Submit("T1", TypeAnalytics, nil)
	require.NoError(t, err)
	q.RunPending(context.Background())

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "panicked")
}

func TestQueue_SubmitValidation(t *testing.T) {
	q := NewQueue(nil)
	_, err := q.Submit("T1", TypeExport, nil)
	assert.ErrorIs(t, err, ErrNoHandler)
	_, err = q.Submit("", TypeExport, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = q.Get("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue(zaptest.NewLogger(t).Sugar())
	q.Register(TypeExport, func(context.Context, *Job, ProgressFunc) (any, error) { return nil, nil })

	job, err := q.Submit("T1", TypeExport, nil)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(job.ID))
	assert.Equal(t, 0, q.RunPending(context.Background()))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	err = q.Cancel(job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.ErrorIs(t, q.Cancel("missing"), core.ErrNotFound)
}

func TestQueue_CancelRunning(t *testing.T) {
	q := NewQueue(zaptest.NewLogger(t).Sugar())
	started := make(chan struct{})
	q.Register(TypeExport, func(ctx context.Context, _ *Job, _ ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job, err := q.Submit("T1", TypeExport, nil)
	require.NoError(t, err)

	go func() {
		<-started
		assert.NoError(t, q.Cancel(job.ID))
	}()
	q.RunPending(context.Background())

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestQueue_ListByTenant(t *testing.T) {
	q := NewQueue(nil)
	q.Register(TypeExport, func(context.Context, *Job, ProgressFunc) (any, error) { return nil, nil })
	a, _ := q.Submit("T1", TypeExport, nil)
	_, _ = q.Submit("T2", TypeExport, nil)
	b, _ := q.Submit("T1", TypeExport, nil)

	list := q.List("T1")
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Empty(t, q.List("T3"))
}

func TestQueue_Workers(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	q := NewQueue(zaptest.NewLogger(t).Sugar())
	q.Register(TypeEnrichment, func(ctx context.Context, job *Job, progress ProgressFunc) (any, error) {
		return job.Params["value"], nil
	})

	early, err := q.Submit("T1", TypeEnrichment, map[string]string{"value": "early"})
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background(), 2))
	require.NoError(t, q.Start(context.Background(), 2), "second start is a no-op")

	late, err := q.Submit("T1", TypeEnrichment, map[string]string{"value": "late"})
	require.NoError(t, err)

	for _, id := range []string{early.ID, late.ID} {
		require.Eventually(t, func() bool {
			j, err := q.Get(id)
			return err == nil && j.Status == StatusCompleted
		}, 2*time.Second, 5*time.Millisecond)
	}
	got, _ := q.Get(late.ID)
	assert.Equal(t, "late", got.Result)

	q.Stop()
	assert.ErrorIs(t, q.Start(context.Background(), 1), ErrQueueStopped)
}
