// Package jobs implements the Job Manager (JM): a single-worker FIFO queue
// where each job runs in a fresh, re-exec'd worker process, per spec.md
// §4.6. This is a near-literal port of the Python JobManager's
// job_consumer loop, substituting os/exec + SIGTERM/SIGKILL for
// multiprocessing.Process.terminate.
package jobs

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("jobs")

// terminationGrace is how long cancel() waits after SIGTERM before
// escalating to SIGKILL.
const terminationGrace = 5 * time.Second

// running is the JM's view of the one job currently executing.
type running struct {
	job     schema.Job
	cmd     *exec.Cmd
	doneCh  chan struct{}
	exitErr error
}

// Manager is the Job Manager: a FIFO queue plus exactly one running worker
// process at a time, all state guarded by one mutex.
type Manager struct {
	workerPath string   // path to the binary to re-exec
	workerArgs []string // e.g. []string{"job-worker"}

	mu          sync.Mutex
	queue       []schema.Job
	nextQueueID int64
	cur         *running

	wakeCh chan struct{}
	stopCh chan struct{}
	stopWg sync.WaitGroup
}

// New constructs a Manager that re-execs workerPath with workerArgs for
// every job, passing the job as JSON on the worker's stdin.
func New(workerPath string, workerArgs []string) *Manager {
	return &Manager{
		workerPath: workerPath,
		workerArgs: workerArgs,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Run starts the consumer loop; it returns when Stop is called and the
// current job (if any) has exited.
func (m *Manager) Run() {
	m.stopWg.Add(1)
	defer m.stopWg.Done()
	for {
		job, ok := m.popNext()
		if !ok {
			select {
			case <-m.wakeCh:
				continue
			case <-m.stopCh:
				return
			}
		}
		m.runOne(job)
		select {
		case <-m.stopCh:
			return
		default:
		}
	}
}

// Stop signals the consumer loop to exit after the current job finishes.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.stopWg.Wait()
}

// Enqueue is spec.md §4.6's enqueue: assigns a monotonically increasing
// queue_id and appends to the FIFO queue.
func (m *Manager) Enqueue(job schema.Job) int64 {
	m.mu.Lock()
	m.nextQueueID++
	job.QueueID = m.nextQueueID
	m.queue = append(m.queue, job)
	m.mu.Unlock()

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
	return job.QueueID
}

// Cancel is spec.md §4.6's cancel: for each id, terminate it if running or
// remove it from the queue if not; returns the ids actually cancelled.
func (m *Manager) Cancel(queueIDs []int64) []int64 {
	want := make(map[int64]bool, len(queueIDs))
	for _, id := range queueIDs {
		want[id] = true
	}

	m.mu.Lock()
	var cancelled []int64
	kept := m.queue[:0]
	for _, j := range m.queue {
		if want[j.QueueID] {
			cancelled = append(cancelled, j.QueueID)
		} else {
			kept = append(kept, j)
		}
	}
	m.queue = kept

	var curToKill *running
	if m.cur != nil && want[m.cur.job.QueueID] {
		curToKill = m.cur
	}
	m.mu.Unlock()

	if curToKill != nil {
		m.terminate(curToKill)
		cancelled = append(cancelled, curToKill.job.QueueID)
	}
	return cancelled
}

// CancelCurrent terminates the running job, if any.
func (m *Manager) CancelCurrent() bool {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil {
		return false
	}
	m.terminate(cur)
	return true
}

// GetQueueStatus is a snapshot: the running job (if any) followed by the
// FIFO-ordered queued jobs, per spec.md §4.6's get_queue_status.
func (m *Manager) GetQueueStatus() []schema.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schema.JobStatus
	if m.cur != nil {
		out = append(out, toStatus(m.cur.job, true))
	}
	for _, j := range m.queue {
		out = append(out, toStatus(j, false))
	}
	return out
}

func toStatus(j schema.Job, running bool) schema.JobStatus {
	return schema.JobStatus{
		QueueID:   j.QueueID,
		JobType:   j.JobType,
		TargetDB:  j.TargetDB,
		Metadata:  j.Metadata,
		BatchSize: j.BatchSize,
		Threshold: j.Threshold,
		LogID:     j.LogID,
		Running:   running,
		Tag:       j.Tag,
	}
}

func (m *Manager) popNext() (schema.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return schema.Job{}, false
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	return job, true
}

// runOne spawns the fresh worker process for job, waits for it to exit,
// and clears m.cur. The parent encodes no semantics into the worker's exit
// code beyond "complete" (spec.md §6.5); failures are logged and the queue
// advances regardless.
func (m *Manager) runOne(job schema.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("marshal job %d: %v", job.QueueID, err)
		return
	}

	cmd := exec.Command(m.workerPath, m.workerArgs...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = logWriter{logger, job.QueueID}
	cmd.Stderr = logWriter{logger, job.QueueID}
	cmd.SysProcAttr = setsid()

	r := &running{job: job, cmd: cmd, doneCh: make(chan struct{})}

	if err := cmd.Start(); err != nil {
		logger.Errorf("start worker for job %d: %v", job.QueueID, err)
		return
	}

	m.mu.Lock()
	m.cur = r
	m.mu.Unlock()

	r.exitErr = cmd.Wait()
	close(r.doneCh)

	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()

	if r.exitErr != nil {
		logger.Warnf("job %d worker exited with error: %v", job.QueueID, r.exitErr)
	} else {
		logger.Infof("job %d completed", job.QueueID)
	}
}

// terminate signal-terminates r's worker and joins it, escalating to
// SIGKILL if it does not exit within terminationGrace.
func (m *Manager) terminate(r *running) {
	if r.cmd.Process == nil {
		return
	}
	signalGroup(r.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-r.doneCh:
		return
	case <-time.After(terminationGrace):
	}

	signalGroup(r.cmd.Process.Pid, syscall.SIGKILL)
	<-r.doneCh
}

type logWriter struct {
	l       *log.Logger
	queueID int64
}

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Debugf("job %d: %s", w.queueID, bytes.TrimRight(p, "\n"))
	return len(p), nil
}
