package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sftpsched/internal/core"
)

// fakeRemote records the operations dispatched to it.
type fakeRemote struct {
	connectErr error
	opErr      error

	connects int
	ops      []string
}

func (f *fakeRemote) EnsureConnected() error {
	f.connects++
	return f.connectErr
}

func (f *fakeRemote) Upload(localPath, remotePath string, progress ProgressFunc) error {
	f.ops = append(f.ops, "upload "+localPath+" -> "+remotePath)
	return f.opErr
}

func (f *fakeRemote) Download(remotePath, localPath string, progress ProgressFunc) error {
	f.ops = append(f.ops, "download "+remotePath+" -> "+localPath)
	return f.opErr
}

func (f *fakeRemote) Delete(remotePath string) error {
	f.ops = append(f.ops, "delete "+remotePath)
	return f.opErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeTask(t *testing.T, kind core.TaskKind, source, dest string) core.Task {
	t.Helper()
	task, err := core.NewTask(kind, source, dest, time.Now().UTC(), false, 0)
	require.NoError(t, err)
	return *task
}

func TestExecutorDispatchesByKind(t *testing.T) {
	tests := []struct {
		name   string
		task   func(t *testing.T) core.Task
		wantOp string
	}{
		{
			name:   "upload sends local source to remote destination",
			task:   func(t *testing.T) core.Task { return makeTask(t, core.TaskKindUpload, "/tmp/a.txt", "/in/a.txt") },
			wantOp: "upload /tmp/a.txt -> /in/a.txt",
		},
		{
			name:   "download pulls remote source to local destination",
			task:   func(t *testing.T) core.Task { return makeTask(t, core.TaskKindDownload, "/in/a.txt", "/tmp/a.txt") },
			wantOp: "download /in/a.txt -> /tmp/a.txt",
		},
		{
			name:   "delete removes the remote source",
			task:   func(t *testing.T) core.Task { return makeTask(t, core.TaskKindDelete, "/in/old.log", "") },
			wantOp: "delete /in/old.log",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{}
			exec := NewExecutor(remote, testLogger())

			ok, err := exec(context.Background(), tt.task(t))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 1, remote.connects)
			require.Len(t, remote.ops, 1)
			assert.Equal(t, tt.wantOp, remote.ops[0])
		})
	}
}

func TestExecutorConnectFailure(t *testing.T) {
	remote := &fakeRemote{connectErr: errors.New("dial tcp: refused")}
	exec := NewExecutor(remote, testLogger())

	ok, err := exec(context.Background(), makeTask(t, core.TaskKindDelete, "/in/x", ""))
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Empty(t, remote.ops, "no operation is attempted without a connection")
}

func TestExecutorOperationFailure(t *testing.T) {
	remote := &fakeRemote{opErr: errors.New("permission denied")}
	exec := NewExecutor(remote, testLogger())

	ok, err := exec(context.Background(), makeTask(t, core.TaskKindUpload, "/tmp/a", "/in/a"))
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestExecutorUnknownKind(t *testing.T) {
	remote := &fakeRemote{}
	exec := NewExecutor(remote, testLogger())

	task := makeTask(t, core.TaskKindDelete, "/in/x", "")
	task.Kind = core.TaskKind("move")

	ok, err := exec(context.Background(), task)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Empty(t, remote.ops)
}

func TestProgressWriterReportsCumulativeBytes(t *testing.T) {
	var buf bytes.Buffer
	var reports [][2]int64
	w := newProgressWriter(&buf, 10, func(transferred, total int64) {
		reports = append(reports, [2]int64{transferred, total})
	})

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, "helloworld", buf.String())
	require.Len(t, reports, 2)
	assert.Equal(t, [2]int64{5, 10}, reports[0])
	assert.Equal(t, [2]int64{10, 10}, reports[1])
}

func TestProgressWriterNilCallbackPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	w := newProgressWriter(&buf, 0, nil)
	assert.Same(t, io.Writer(&buf), w)
}

func TestNotConnectedOperations(t *testing.T) {
	client := NewClient(Config{Host: "example.com", Username: "u", Password: "p"}, testLogger())

	err := client.Upload("/tmp/a", "/in/a", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	err = client.Download("/in/a", "/tmp/a", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	err = client.Delete("/in/a")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.List("/in")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.FileExists("/in/a")
	assert.ErrorIs(t, err, ErrNotConnected)

	// Disconnecting an unconnected client is a no-op.
	client.Disconnect()
}
