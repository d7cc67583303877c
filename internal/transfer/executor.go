package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"sftpsched/internal/core"
)

// Remote is the subset of client operations the executor needs. It exists so
// the dispatch logic can be exercised without a live server.
type Remote interface {
	EnsureConnected() error
	Upload(localPath, remotePath string, progress ProgressFunc) error
	Download(remotePath, localPath string, progress ProgressFunc) error
	Delete(remotePath string) error
}

// NewExecutor returns the executor contract for the scheduler: connect if
// needed, then dispatch on the task kind. The kind set is closed, so the
// switch is exhaustive; an unknown kind is a failure, not a panic.
func NewExecutor(remote Remote, logger *slog.Logger) core.Executor {
	return func(ctx context.Context, task core.Task) (bool, error) {
		if err := remote.EnsureConnected(); err != nil {
			return false, fmt.Errorf("connect: %w", err)
		}

		progress := func(transferred, total int64) {
			logger.Debug("transfer progress", "task_id", task.ID, "transferred", transferred, "total", total)
		}

		var err error
		switch task.Kind {
		case core.TaskKindUpload:
			err = remote.Upload(task.Source, task.Destination, progress)
		case core.TaskKindDownload:
			err = remote.Download(task.Source, task.Destination, progress)
		case core.TaskKindDelete:
			err = remote.Delete(task.Source)
		default:
			return false, fmt.Errorf("unknown task kind %q", task.Kind)
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
}
