package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for exercising the loop without disk I/O.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]Task)}
}

func (m *memStore) Put(task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *memStore) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	return task, ok
}

func (m *memStore) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

func (m *memStore) Update(task Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return false, nil
	}
	m.tasks[task.ID] = task
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, store Store, opts Options) *Scheduler {
	t.Helper()
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 5 * time.Millisecond
	}
	s := NewScheduler(store, nil, testLogger(), opts)
	t.Cleanup(s.Stop)
	return s
}

func mustTask(t *testing.T, kind TaskKind, source, dest string, at time.Time, recurring bool, interval int) *Task {
	t.Helper()
	task, err := NewTask(kind, source, dest, at, recurring, interval)
	require.NoError(t, err)
	return task
}

func pastTime() time.Time {
	return time.Now().UTC().Add(-time.Minute)
}

func TestSchedulerExecutesDueTaskOnce(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var calls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	task := mustTask(t, TaskKindUpload, "/tmp/report.csv", "/in/report.csv", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	require.Eventually(t, func() bool {
		got, ok := store.Get(task.ID)
		return ok && got.Status == TaskStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.Get(task.ID)
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, got.LastRun)
	assert.Empty(t, got.ErrorMessage)

	// A completed one-shot task never runs again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedulerSkipsFutureTask(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var calls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	task := mustTask(t, TaskKindUpload, "/tmp/a", "/r/a", time.Now().UTC().Add(time.Hour), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	got, _ := store.Get(task.ID)
	assert.Equal(t, TaskStatusPending, got.Status)
}

func TestSchedulerReschedulesRecurringTask(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var calls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	task := mustTask(t, TaskKindDownload, "/in/feed.xml", "/tmp/feed.xml", pastTime(), true, 60)
	require.NoError(t, s.Add(task))

	s.Start()
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID)
		return got.Status == TaskStatusPending && got.LastRun != nil
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.Get(task.ID)
	assert.Equal(t, got.LastRun.Add(60*time.Minute), got.NextRun,
		"recurrence anchors on completion time")

	// The rearmed occurrence is an hour out; nothing more fires now.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedulerFailedTaskRecordsErrorAndStops(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var calls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		return false, errors.New("connection refused")
	})

	task := mustTask(t, TaskKindUpload, "/tmp/a", "/r/a", pastTime(), true, 60)
	originalNext := task.NextRun
	require.NoError(t, s.Add(task))

	s.Start()
	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID)
		return got.Status == TaskStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.Get(task.ID)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	assert.Equal(t, originalNext, got.NextRun, "failure must not advance the recurrence")
	require.NotNil(t, got.LastRun)

	// Failed is terminal for the loop; the task is never reselected.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedulerFalseWithoutErrorFailsWithEmptyMessage(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		return false, nil
	})

	task := mustTask(t, TaskKindDelete, "/r/old.log", "", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID)
		return got.Status == TaskStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.Get(task.ID)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.LastRun)
}

func TestSchedulerContainsExecutorPanic(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var healthyCalls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		if task.Source == "/boom" {
			panic("executor exploded")
		}
		healthyCalls.Add(1)
		return true, nil
	})

	bad := mustTask(t, TaskKindDelete, "/boom", "", pastTime(), false, 0)
	good := mustTask(t, TaskKindDelete, "/r/fine", "", pastTime(), false, 0)
	require.NoError(t, s.Add(bad))
	require.NoError(t, s.Add(good))

	s.Start()
	require.Eventually(t, func() bool {
		b, _ := store.Get(bad.ID)
		g, _ := store.Get(good.ID)
		return b.Status == TaskStatusFailed && g.Status == TaskStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	b, _ := store.Get(bad.ID)
	assert.Contains(t, b.ErrorMessage, "executor exploded")
	assert.Equal(t, int32(1), healthyCalls.Load())
	assert.True(t, s.Running(), "a panicking task must not kill the loop")
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := newTestScheduler(t, newMemStore(), Options{})

	assert.False(t, s.Running())
	s.Start()
	s.Start()
	assert.True(t, s.Running())

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())

	// The scheduler restarts cleanly after a stop.
	s.Start()
	assert.True(t, s.Running())
}

func TestSchedulerStopWaitsForInFlightTask(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{StopTimeout: 2 * time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		close(started)
		<-release
		return true, nil
	})

	task := mustTask(t, TaskKindUpload, "/tmp/big.bin", "/r/big.bin", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	s.Stop()

	got, _ := store.Get(task.ID)
	assert.Equal(t, TaskStatusCompleted, got.Status, "the in-flight task ran to completion before Stop returned")
}

func TestSchedulerRemovedTaskIsNotResurrected(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		close(started)
		<-release
		return true, nil
	})

	task := mustTask(t, TaskKindUpload, "/tmp/a", "/r/a", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	<-started

	removed, err := s.Remove(task.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	close(release)

	time.Sleep(50 * time.Millisecond)
	_, ok := store.Get(task.ID)
	assert.False(t, ok, "the final status write must not bring the task back")
}

func TestSchedulerRunNowRearmsFailedTask(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	task := mustTask(t, TaskKindUpload, "/tmp/a", "/r/a", pastTime(), false, 0)
	task.Status = TaskStatusFailed
	task.ErrorMessage = "connection refused"
	task.NextRun = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.Add(task))

	rearmed, ok, err := s.RunNow(task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TaskStatusPending, rearmed.Status)
	assert.Empty(t, rearmed.ErrorMessage)
	assert.True(t, rearmed.Due(time.Now().UTC().Add(time.Second)))

	_, ok, err = s.RunNow("no-such-task")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchedulerTaskAddedWhileRunningIsPickedUp(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	var calls atomic.Int32
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	s.Start()
	time.Sleep(20 * time.Millisecond)

	task := mustTask(t, TaskKindDelete, "/r/late.log", "", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID)
		return got.Status == TaskStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedulerResumeFailedRecurringOption(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{ResumeFailedRecurring: true})
	s.SetExecutor(func(ctx context.Context, task Task) (bool, error) {
		return false, errors.New("remote unreachable")
	})

	task := mustTask(t, TaskKindDownload, "/in/a", "/tmp/a", pastTime(), true, 60)
	require.NoError(t, s.Add(task))

	s.Start()
	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID)
		return got.Status == TaskStatusPending && got.ErrorMessage != ""
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.Get(task.ID)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, got.LastRun.Add(60*time.Minute), got.NextRun)
	assert.Equal(t, "remote unreachable", got.ErrorMessage)
}

func TestSchedulerWithoutExecutorLeavesTaskPending(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, Options{})

	task := mustTask(t, TaskKindUpload, "/tmp/a", "/r/a", pastTime(), false, 0)
	require.NoError(t, s.Add(task))

	s.Start()
	time.Sleep(50 * time.Millisecond)

	got, _ := store.Get(task.ID)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.Nil(t, got.LastRun)
}
