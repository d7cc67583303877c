package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sftpsched/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

func (h *History) InsertRun(ctx context.Context, run *core.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	_, err := h.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, scheduled_at, started_at, ended_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Status, run.ScheduledAt.UTC().Format(time.RFC3339Nano),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), nullableString(run.Error),
		run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (h *History) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := h.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, started_at = ?
		WHERE id = ?
	`, core.RunStatusRunning, startedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (h *History) MarkRunCompleted(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, errMsg *string) error {
	res, err := h.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(time.RFC3339Nano), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (h *History) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := h.DB.QueryRowContext(ctx, `
		SELECT id, task_id, status, scheduled_at, started_at, ended_at, error, created_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (h *History) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.DB.QueryContext(ctx, `
		SELECT id, task_id, status, scheduled_at, started_at, ended_at, error, created_at
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneOldRuns removes run rows beyond the retention limit for a task.
func (h *History) PruneOldRuns(ctx context.Context, taskID string) error {
	_, err := h.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, taskID, taskID, h.Retention)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id          string
		taskID      string
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		errMsg      sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&id, &taskID, &status, &scheduledAt, &startedAt, &endedAt, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:          id,
		TaskID:      taskID,
		Status:      core.RunStatus(status),
		ScheduledAt: mustParseTime(scheduledAt),
		CreatedAt:   mustParseTime(createdAt),
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := mustParseTime(endedAt.String)
		run.EndedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
