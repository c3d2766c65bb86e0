// Package indexworker is the cancellable background index worker: a single
// long-running goroutine draining a bounded, deduped job queue one job at a
// time, with per-job cancellation and a bounded retention ring of recent
// job records.
package indexworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyphamind/hyphamind/internal/logging"
)

var log = logging.GetLogger("indexworker")

// TaskType identifies the kind of background work a job performs.
type TaskType string

const (
	TaskReindexMemory    TaskType = "reindex_memory"
	TaskRebuildIndex     TaskType = "rebuild_index"
	TaskSleepConsolidate TaskType = "sleep_consolidation"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDropped    Status = "dropped"
	StatusCancelled  Status = "cancelled"
)

// Job is a unit of background work.
type Job struct {
	ID         int64
	TaskType   TaskType
	MemoryID   *int64
	Reason     string
	RequestedAt time.Time
}

// Record is the observable state of a job, before/during/after execution.
type Record struct {
	Job
	Status      Status
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      string
	Error       string
}

// Handler executes one job's work. It should observe ctx cancellation at
// its natural suspension points and return promptly when it fires.
type Handler func(ctx context.Context, job Job) (result string, err error)

// EnqueueOutcome is returned by Enqueue.
type EnqueueOutcome struct {
	Queued  bool
	Deduped bool
	Dropped bool
	Reason  string
	JobID   int64
}

// Worker is the single-consumer background job processor.
type Worker struct {
	handler  Handler
	queueCap int
	retain   int

	mu        sync.Mutex
	pending   []*entry
	records   []*Record // most recent first, capped at retain
	nextID    int64
	dedupKeys map[string]int64         // dedup-key -> job id currently pending/running
	doneCh    map[int64]chan struct{}  // job id -> completion signal, closed on finalize

	queueCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	running *entry
}

type entry struct {
	job    Job
	cancel context.CancelFunc
	ctx    context.Context
	dedupKey string
}

// Options configures a Worker.
type Options struct {
	QueueMaxSize int
	RecentJobs   int
	Handler      Handler
}

func New(opts Options) *Worker {
	queueCap := opts.QueueMaxSize
	if queueCap <= 0 {
		queueCap = 256
	}
	retain := opts.RecentJobs
	if retain <= 0 {
		retain = 30
	}
	w := &Worker{
		handler:   opts.Handler,
		queueCap:  queueCap,
		retain:    retain,
		dedupKeys: make(map[string]int64),
		doneCh:    make(map[int64]chan struct{}),
		queueCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	return w
}

// Start launches the consumer goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the consumer to exit once the queue it is draining is empty, and waits.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func dedupKey(taskType TaskType, memoryID *int64) string {
	switch taskType {
	case TaskReindexMemory:
		if memoryID == nil {
			return string(taskType)
		}
		return fmt.Sprintf("%s:%d", taskType, *memoryID)
	default:
		// rebuild_index and sleep_consolidation dedupe globally: at most
		// one pending job of that type regardless of arguments.
		return string(taskType)
	}
}

// Enqueue adds a job, applying the dedup and queue-full rules.
func (w *Worker) Enqueue(taskType TaskType, memoryID *int64, reason string) EnqueueOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := dedupKey(taskType, memoryID)
	if existingID, ok := w.dedupKeys[key]; ok {
		return EnqueueOutcome{Queued: false, Deduped: true, JobID: existingID}
	}

	if len(w.pending) >= w.queueCap {
		return EnqueueOutcome{Queued: false, Dropped: true, Reason: "queue_full"}
	}

	w.nextID++
	id := w.nextID
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: Job{
			ID:          id,
			TaskType:    taskType,
			MemoryID:    memoryID,
			Reason:      reason,
			RequestedAt: time.Now().UTC(),
		},
		cancel:   cancel,
		ctx:      ctx,
		dedupKey: key,
	}
	w.pending = append(w.pending, e)
	w.dedupKeys[key] = id
	w.doneCh[id] = make(chan struct{})
	w.addRecord(&Record{Job: e.job, Status: StatusQueued})

	select {
	case w.queueCh <- struct{}{}:
	default:
	}

	return EnqueueOutcome{Queued: true, JobID: id}
}

// addRecord inserts a record at the front of the retention ring, evicting
// the oldest beyond capacity. Caller must hold w.mu.
func (w *Worker) addRecord(r *Record) {
	w.records = append([]*Record{r}, w.records...)
	if len(w.records) > w.retain {
		w.records = w.records[:w.retain]
	}
}

func (w *Worker) findRecord(jobID int64) *Record {
	for _, r := range w.records {
		if r.ID == jobID {
			return r
		}
	}
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.queueCh:
		}

		for {
			e := w.dequeue()
			if e == nil {
				break
			}
			w.run(e)
		}
	}
}

func (w *Worker) dequeue() *entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	e := w.pending[0]
	w.pending = w.pending[1:]
	w.running = e
	return e
}

func (w *Worker) run(e *entry) {
	now := time.Now().UTC()
	w.mu.Lock()
	if r := w.findRecord(e.job.ID); r != nil {
		r.Status = StatusRunning
		r.StartedAt = &now
	}
	w.mu.Unlock()

	result, err := w.handler(e.ctx, e.job)
	e.cancel()

	finished := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dedupKeys, e.dedupKey)
	w.running = nil
	w.signalDone(e.job.ID)

	r := w.findRecord(e.job.ID)
	if r == nil {
		return
	}
	r.FinishedAt = &finished

	switch {
	case err != nil && e.ctx.Err() != nil && r.Status == StatusCancelling:
		r.Status = StatusCancelled
		if r.Error == "" {
			r.Error = "worker_cancelled"
		}
	case err != nil:
		r.Status = StatusFailed
		r.Error = err.Error()
	default:
		r.Status = StatusSucceeded
		r.Result = result
	}
}

// CancelJob cancels a queued or running job. Queued jobs finalize
// synchronously as cancelled; running jobs transition to cancelling and
// their context is cancelled, finalizing asynchronously once the handler
// observes it (or finalizing normally if the handler finishes first).
func (w *Worker) CancelJob(jobID int64, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, e := range w.pending {
		if e.job.ID == jobID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			delete(w.dedupKeys, e.dedupKey)
			e.cancel()
			w.signalDone(jobID)
			if r := w.findRecord(jobID); r != nil {
				r.Status = StatusCancelled
				r.Error = reason
				finished := time.Now().UTC()
				r.FinishedAt = &finished
			}
			return nil
		}
	}

	if w.running != nil && w.running.job.ID == jobID {
		if r := w.findRecord(jobID); r != nil {
			if r.Status != StatusRunning {
				return fmt.Errorf("job %d is not cancellable from status %s", jobID, r.Status)
			}
			r.Status = StatusCancelling
			r.Error = reason
		}
		w.running.cancel()
		return nil
	}

	if r := w.findRecord(jobID); r != nil {
		return fmt.Errorf("job %d already final (%s)", jobID, r.Status)
	}
	return fmt.Errorf("job %d not found", jobID)
}

// RetryJob re-enqueues a terminal job (failed/dropped/cancelled) with the
// same task type and memory id, recording a new reason chained to the
// original job id unless an override is given.
func (w *Worker) RetryJob(jobID int64, reasonOverride string) (EnqueueOutcome, error) {
	w.mu.Lock()
	r := w.findRecord(jobID)
	w.mu.Unlock()

	if r == nil {
		return EnqueueOutcome{}, fmt.Errorf("job %d not found", jobID)
	}
	switch r.Status {
	case StatusFailed, StatusDropped, StatusCancelled:
	default:
		return EnqueueOutcome{}, fmt.Errorf("job %d is not in a terminal retryable state (status %s)", jobID, r.Status)
	}

	reason := reasonOverride
	if reason == "" {
		reason = fmt.Sprintf("retry:%d", jobID)
	}
	return w.Enqueue(r.TaskType, r.MemoryID, reason), nil
}

// signalDone closes jobID's completion channel. Caller must hold w.mu.
func (w *Worker) signalDone(jobID int64) {
	if ch, ok := w.doneCh[jobID]; ok {
		close(ch)
		delete(w.doneCh, jobID)
	}
}

// WaitForJob blocks (subject to timeout) until jobID reaches a terminal
// status, returning its latest record. A timeout returns the latest
// non-terminal record rather than an error.
func (w *Worker) WaitForJob(ctx context.Context, jobID int64, timeout time.Duration) (*Record, error) {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	w.mu.Lock()
	r := w.findRecord(jobID)
	if r == nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	if isTerminal(r.Status) {
		cp := *r
		w.mu.Unlock()
		return &cp, nil
	}
	ch := w.doneCh[jobID]
	w.mu.Unlock()

	if ch != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	r = w.findRecord(jobID)
	if r == nil {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	cp := *r
	return &cp, nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDropped, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobStatus returns the latest record for jobID.
func (w *Worker) JobStatus(jobID int64) (*Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.findRecord(jobID)
	if r == nil {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// RecentJobs returns up to the retained window of job records, most recent
// first.
func (w *Worker) RecentJobs() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, len(w.records))
	for i, r := range w.records {
		out[i] = *r
	}
	return out
}

// QueueDepth reports the number of jobs currently waiting to run.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
