package jobs

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/schema"
)

// TestMain recognizes GO_WANT_HELPER_PROCESS, turning this test binary
// itself into the worker process Manager re-execs — the standard
// os/exec_test.go pattern for testing subprocess-spawning code without a
// separate built binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	code := WorkerMain(context.Background(), os.Stdin, func(ctx context.Context, job schema.Job) error {
		switch job.Tag {
		case "fail":
			return fmt.Errorf("injected failure")
		case "sleep":
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
			return nil
		default:
			return nil
		}
	})
	os.Exit(code)
}

func selfPath(t *testing.T) (string, []string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe, []string{"-test.run=TestMain"}
}

func newTestManager(t *testing.T) *Manager {
	path, args := selfPath(t)
	m := New(path, args) // re-exec this same test binary, flagged to behave as the helper worker
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() { os.Unsetenv("GO_WANT_HELPER_PROCESS") })
	return m
}

func TestEnqueueAssignsMonotonicQueueIDs(t *testing.T) {
	m := newTestManager(t)
	id1 := m.Enqueue(schema.Job{JobType: schema.JobFolderRescan})
	id2 := m.Enqueue(schema.Job{JobType: schema.JobFolderRescan})
	require.Equal(t, id1+1, id2)
}

func TestRunProcessesQueueInOrder(t *testing.T) {
	m := newTestManager(t)
	m.Enqueue(schema.Job{JobType: schema.JobFolderRescan, Tag: "ok-1"})
	m.Enqueue(schema.Job{JobType: schema.JobFolderRescan, Tag: "ok-2"})

	done := make(chan struct{})
	go func() { m.Run(); close(done) }()

	require.Eventually(t, func() bool {
		return len(m.GetQueueStatus()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	m.Stop()
	<-done
}

func TestCancelQueuedJob(t *testing.T) {
	m := newTestManager(t)
	id1 := m.Enqueue(schema.Job{JobType: schema.JobFolderRescan, Tag: "sleep"})
	id2 := m.Enqueue(schema.Job{JobType: schema.JobFolderRescan, Tag: "ok"})

	done := make(chan struct{})
	go func() { m.Run(); close(done) }()

	require.Eventually(t, func() bool {
		status := m.GetQueueStatus()
		return len(status) > 0 && status[0].Running && status[0].QueueID == id1
	}, 2*time.Second, 10*time.Millisecond)

	cancelled := m.Cancel([]int64{id2})
	require.Equal(t, []int64{id2}, cancelled)

	require.True(t, m.CancelCurrent())
	m.Stop()
	<-done
}
