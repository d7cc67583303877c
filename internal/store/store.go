// Package store persists the task collection as a single JSON file, rewritten
// in full on every mutation. The in-memory map is authoritative; persistence
// failures are surfaced to mutating callers but never corrupt the map.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sftpsched/internal/core"
)

// TaskStore is a durable, mutex-guarded collection of tasks keyed by id.
// It implements core.Store. One lock guards the read/modify/persist sequence
// so the loop and external callers never interleave writers on the file.
type TaskStore struct {
	mu     sync.Mutex
	path   string
	tasks  map[string]core.Task
	logger *slog.Logger
}

// Open loads the store from path. A missing file yields an empty store; an
// unreadable or malformed file is logged and treated as empty, trading the
// stale data for availability.
func Open(path string, logger *slog.Logger) (*TaskStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	s := &TaskStore{
		path:   path,
		tasks:  make(map[string]core.Task),
		logger: logger,
	}
	s.load()
	return s, nil
}

// Put inserts or overwrites a task by id and persists the full store.
func (s *TaskStore) Put(task core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return s.persistLocked()
}

// Delete removes a task by id, reporting whether the id was present. The store
// is persisted only when something was removed.
func (s *TaskStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, s.persistLocked()
}

// Get looks up a task by id.
func (s *TaskStore) Get(id string) (core.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task, ok
}

// List returns a snapshot of all tasks. Order is unspecified; callers must not
// depend on it.
func (s *TaskStore) List() []core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]core.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// Update writes back a task only if its id is still present, then persists.
// A write-back for a removed id is a no-op so a task deleted mid-execution is
// not resurrected by its final status update.
func (s *TaskStore) Update(task core.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return false, nil
	}
	s.tasks[task.ID] = task
	return true, s.persistLocked()
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *TaskStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("read task file, starting empty", "path", s.path, "err", err)
		}
		return
	}
	var records []taskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Error("malformed task file, starting empty", "path", s.path, "err", err)
		return
	}
	for _, rec := range records {
		task, err := rec.toTask()
		if err != nil {
			s.logger.Error("skipping malformed task record", "task_id", rec.ID, "err", err)
			continue
		}
		s.tasks[task.ID] = task
	}
	s.logger.Info("tasks loaded", "count", len(s.tasks), "path", s.path)
}

// persistLocked rewrites the whole file via a temp file and rename so a crash
// mid-write cannot leave a truncated task file behind.
func (s *TaskStore) persistLocked() error {
	records := make([]taskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		records = append(records, recordFromTask(task))
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// taskRecord is the wire form of a task: lowercase enum names, RFC 3339
// timestamps, null for absent times.
type taskRecord struct {
	ID              string  `json:"task_id"`
	Kind            string  `json:"task_type"`
	Source          string  `json:"source_path"`
	Destination     string  `json:"dest_path"`
	ScheduledAt     string  `json:"scheduled_time"`
	Recurring       bool    `json:"recurring"`
	IntervalMinutes int     `json:"interval_minutes"`
	Status          string  `json:"status"`
	LastRun         *string `json:"last_run"`
	NextRun         *string `json:"next_run"`
	ErrorMessage    string  `json:"error_message"`
}

func recordFromTask(task core.Task) taskRecord {
	rec := taskRecord{
		ID:              task.ID,
		Kind:            string(task.Kind),
		Source:          task.Source,
		Destination:     task.Destination,
		ScheduledAt:     task.ScheduledAt.UTC().Format(time.RFC3339Nano),
		Recurring:       task.Recurring,
		IntervalMinutes: task.IntervalMinutes,
		Status:          string(task.Status),
		ErrorMessage:    task.ErrorMessage,
	}
	if task.LastRun != nil {
		formatted := task.LastRun.UTC().Format(time.RFC3339Nano)
		rec.LastRun = &formatted
	}
	if !task.NextRun.IsZero() {
		formatted := task.NextRun.UTC().Format(time.RFC3339Nano)
		rec.NextRun = &formatted
	}
	return rec
}

func (r taskRecord) toTask() (core.Task, error) {
	if r.ID == "" {
		return core.Task{}, errors.New("missing task_id")
	}
	scheduledAt, err := time.Parse(time.RFC3339Nano, r.ScheduledAt)
	if err != nil {
		return core.Task{}, fmt.Errorf("parse scheduled_time: %w", err)
	}
	task := core.Task{
		ID:              r.ID,
		Kind:            core.TaskKind(r.Kind),
		Source:          r.Source,
		Destination:     r.Destination,
		ScheduledAt:     scheduledAt,
		Recurring:       r.Recurring,
		IntervalMinutes: r.IntervalMinutes,
		Status:          core.TaskStatus(r.Status),
		ErrorMessage:    r.ErrorMessage,
		NextRun:         scheduledAt,
	}
	if r.LastRun != nil {
		t, err := time.Parse(time.RFC3339Nano, *r.LastRun)
		if err != nil {
			return core.Task{}, fmt.Errorf("parse last_run: %w", err)
		}
		task.LastRun = &t
	}
	if r.NextRun != nil {
		t, err := time.Parse(time.RFC3339Nano, *r.NextRun)
		if err != nil {
			return core.Task{}, fmt.Errorf("parse next_run: %w", err)
		}
		task.NextRun = t
	}
	return task, nil
}
