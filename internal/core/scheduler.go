package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store abstracts the durable task collection used by the scheduler. All
// methods must be safe for concurrent use; the loop and external callers
// touch the store at the same time.
type Store interface {
	// Put inserts or overwrites a task by id and persists the store.
	Put(task Task) error
	// Delete removes a task by id, reporting whether the id was present.
	Delete(id string) (bool, error)
	// Get looks up a task by id; absence is not an error.
	Get(id string) (Task, bool)
	// List returns a snapshot of all tasks in unspecified order.
	List() []Task
	// Update writes back a task only if its id is still present, so a task
	// removed while executing is not resurrected by its final status write.
	Update(task Task) (bool, error)
}

// RunRecorder receives the execution history of every attempt. Implementations
// must tolerate being called from the scheduler's background goroutine.
type RunRecorder interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, errMsg *string) error
	PruneOldRuns(ctx context.Context, taskID string) error
}

// Executor performs the remote operation for one task. It reports success via
// the boolean; a non-nil error supplies the failure detail. The scheduler
// treats false-with-nil-error as a failure with no detail.
type Executor func(ctx context.Context, task Task) (bool, error)

const (
	// DefaultCheckInterval is the cadence at which the loop scans for due tasks.
	DefaultCheckInterval = 10 * time.Second
	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
)

// Options tune scheduler behavior.
type Options struct {
	// CheckInterval is the due-task scan cadence. Zero means DefaultCheckInterval.
	CheckInterval time.Duration
	// StopTimeout bounds the join in Stop. Zero means DefaultStopTimeout.
	StopTimeout time.Duration
	// ResumeFailedRecurring re-arms a recurring task after a failed attempt
	// instead of parking it in the failed state. Off by default: a failure
	// breaks the recurrence chain until a caller reschedules the task.
	ResumeFailedRecurring bool
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// Scheduler is the public surface of the scheduling engine: a durable task
// store behind an add/remove/query facade, driven by one background loop that
// executes due tasks through the injected Executor.
type Scheduler struct {
	store   Store
	history RunRecorder // may be nil
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	executor Executor
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler constructs a scheduler over the given store. history may be nil
// when no run history is kept.
func NewScheduler(store Store, history RunRecorder, logger *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:   store,
		history: history,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// SetExecutor registers the function that performs task operations. It must be
// registered before Start for scheduled tasks to run meaningfully; without it
// the loop logs and skips execution but still advances cycles.
func (s *Scheduler) SetExecutor(fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = fn
}

// Add persists the task. An existing task with the same id is overwritten.
func (s *Scheduler) Add(task *Task) error {
	if err := s.store.Put(*task); err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	s.logger.Info("task added", "task_id", task.ID, "kind", task.Kind, "next_run", task.NextRun)
	return nil
}

// Remove deletes the task by id, reporting whether it was present. Removing a
// task that is currently executing does not interrupt the in-flight attempt;
// its final status write is dropped.
func (s *Scheduler) Remove(id string) (bool, error) {
	removed, err := s.store.Delete(id)
	if err != nil {
		return removed, fmt.Errorf("remove task: %w", err)
	}
	if removed {
		s.logger.Info("task removed", "task_id", id)
	}
	return removed, nil
}

// Get looks up a task by id.
func (s *Scheduler) Get(id string) (Task, bool) {
	return s.store.Get(id)
}

// List returns all tasks in unspecified order.
func (s *Scheduler) List() []Task {
	return s.store.List()
}

// RunNow re-arms a task to execute on the next cycle, regardless of its
// current status. This is the caller-level reschedule path for completed or
// failed tasks.
func (s *Scheduler) RunNow(id string) (Task, bool, error) {
	task, ok := s.store.Get(id)
	if !ok {
		return Task{}, false, nil
	}
	task.Status = TaskStatusPending
	task.NextRun = time.Now().UTC()
	task.ErrorMessage = ""
	ok, err := s.store.Update(task)
	if err != nil {
		return Task{}, ok, fmt.Errorf("rearm task: %w", err)
	}
	return task, ok, nil
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the background loop. Starting an already-running scheduler is
// a logged no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(stopCh, doneCh)
	s.logger.Info("scheduler started", "check_interval", s.opts.CheckInterval)
}

// Stop requests a graceful halt and waits up to StopTimeout for the loop to
// exit. The cadence sleep is interrupted promptly; an in-flight task runs to
// completion. If the loop does not exit in time, Stop returns anyway and the
// goroutine is abandoned, not killed. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
		s.logger.Info("scheduler stopped")
	case <-time.After(s.opts.StopTimeout):
		s.logger.Warn("scheduler stop timed out, loop abandoned", "timeout", s.opts.StopTimeout)
	}
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	s.runCycle(stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runCycle(stopCh)
		}
	}
}

// runCycle scans for due tasks and executes them sequentially. Due-ness is
// judged against a single snapshot of the clock, so a task added mid-cycle is
// picked up no later than the following cycle and never executed twice within
// one cycle.
func (s *Scheduler) runCycle(stopCh chan struct{}) {
	now := time.Now().UTC()
	for _, task := range s.store.List() {
		if !task.Due(now) {
			continue
		}
		select {
		case <-stopCh:
			return
		default:
		}
		s.executeTask(task)
	}
}

func (s *Scheduler) executeTask(task Task) {
	s.mu.Lock()
	exec := s.executor
	s.mu.Unlock()
	if exec == nil {
		s.logger.Error("no executor registered, skipping task", "task_id", task.ID)
		return
	}

	scheduledFor := task.NextRun
	task.Status = TaskStatusRunning
	s.logger.Info("executing task", "task_id", task.ID, "kind", task.Kind)

	run := s.recordRunStart(task, scheduledFor)

	ok, err := invoke(exec, task)
	completedAt := time.Now().UTC()
	task.LastRun = &completedAt

	if ok && err == nil {
		task.ErrorMessage = ""
		if task.Recurring && task.IntervalMinutes > 0 {
			task.NextRun = completedAt.Add(task.Interval())
			task.Status = TaskStatusPending
			s.logger.Info("task completed, rescheduled", "task_id", task.ID, "next_run", task.NextRun)
		} else {
			task.Status = TaskStatusCompleted
			s.logger.Info("task completed", "task_id", task.ID)
		}
	} else {
		task.Status = TaskStatusFailed
		task.ErrorMessage = ""
		if err != nil {
			task.ErrorMessage = err.Error()
		}
		if s.opts.ResumeFailedRecurring && task.Recurring && task.IntervalMinutes > 0 {
			task.Status = TaskStatusPending
			task.NextRun = completedAt.Add(task.Interval())
		}
		s.logger.Error("task failed", "task_id", task.ID, "err", task.ErrorMessage)
	}

	// The task may have been removed while executing; do not resurrect it.
	present, uerr := s.store.Update(task)
	if uerr != nil {
		s.logger.Error("persist task outcome", "task_id", task.ID, "err", uerr)
	} else if !present {
		s.logger.Info("task removed during execution, outcome dropped", "task_id", task.ID)
	}

	s.recordRunEnd(run, task, completedAt)
}

// invoke shields the loop from a panicking executor: a panic is converted to a
// per-task failure and never terminates the loop.
func invoke(exec Executor, task Task) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(context.Background(), task)
}

func (s *Scheduler) recordRunStart(task Task, scheduledFor time.Time) *Run {
	if s.history == nil {
		return nil
	}
	ctx := context.Background()
	run := &Run{
		ID:          NewID(),
		TaskID:      task.ID,
		Status:      RunStatusQueued,
		ScheduledAt: scheduledFor,
	}
	if err := s.history.InsertRun(ctx, run); err != nil {
		s.logger.Warn("insert run", "task_id", task.ID, "err", err)
		return nil
	}
	if err := s.history.MarkRunStarted(ctx, run.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("mark run started", "run_id", run.ID, "err", err)
	}
	return run
}

func (s *Scheduler) recordRunEnd(run *Run, task Task, endedAt time.Time) {
	if s.history == nil || run == nil {
		return
	}
	ctx := context.Background()
	status := RunStatusSucceeded
	var errMsg *string
	if task.ErrorMessage != "" || task.Status == TaskStatusFailed {
		status = RunStatusFailed
		msg := task.ErrorMessage
		errMsg = &msg
	}
	if err := s.history.MarkRunCompleted(ctx, run.ID, status, endedAt, errMsg); err != nil {
		s.logger.Warn("mark run completed", "run_id", run.ID, "err", err)
	}
	if err := s.history.PruneOldRuns(ctx, task.ID); err != nil {
		s.logger.Warn("prune runs", "task_id", task.ID, "err", err)
	}
}
