package indexworker

import (
	"context"
	"testing"
	"time"
)

func newTestWorker(t *testing.T, handler Handler, queueCap int) *Worker {
	t.Helper()
	w := New(Options{QueueMaxSize: queueCap, RecentJobs: 30, Handler: handler})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func memID(n int64) *int64 { return &n }

func TestEnqueueDedup(t *testing.T) {
	t.Run("ReindexMemoryDedupesByMemoryID", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-block
			return "ok", nil
		}, 256)
		defer close(block)

		first := w.Enqueue(TaskReindexMemory, memID(1), "initial")
		if !first.Queued {
			t.Fatalf("expected first enqueue to be queued, got %+v", first)
		}
		time.Sleep(5 * time.Millisecond) // let it start running

		second := w.Enqueue(TaskReindexMemory, memID(2), "other memory")
		if !second.Queued {
			t.Fatalf("expected different memory id to queue independently, got %+v", second)
		}

		third := w.Enqueue(TaskReindexMemory, memID(2), "dup")
		if !third.Deduped {
			t.Fatalf("expected dedup against pending job for memory 2, got %+v", third)
		}
	})

	t.Run("RebuildIndexDedupesGlobally", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-block
			return "ok", nil
		}, 256)
		defer close(block)

		first := w.Enqueue(TaskRebuildIndex, nil, "a")
		if !first.Queued {
			t.Fatalf("expected first rebuild to queue, got %+v", first)
		}
		second := w.Enqueue(TaskRebuildIndex, nil, "b")
		if !second.Deduped {
			t.Fatalf("expected second rebuild to dedup, got %+v", second)
		}
	})

	t.Run("QueueFullDropsNewJob", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-block
			return "ok", nil
		}, 1)
		defer close(block)

		first := w.Enqueue(TaskReindexMemory, memID(1), "a")
		if !first.Queued {
			t.Fatalf("expected first to queue, got %+v", first)
		}
		time.Sleep(5 * time.Millisecond)

		second := w.Enqueue(TaskReindexMemory, memID(2), "b")
		if !second.Queued {
			t.Fatalf("expected second to queue (capacity 1, nothing pending), got %+v", second)
		}
		time.Sleep(2 * time.Millisecond)

		third := w.Enqueue(TaskReindexMemory, memID(3), "c")
		if !third.Dropped || third.Reason != "queue_full" {
			t.Fatalf("expected queue_full drop, got %+v", third)
		}
	})
}

func TestJobLifecycle(t *testing.T) {
	t.Run("SucceedsAndIsRetrievableByWaitForJob", func(t *testing.T) {
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			return "done", nil
		}, 256)

		outcome := w.Enqueue(TaskReindexMemory, memID(1), "test")
		rec, err := w.WaitForJob(context.Background(), outcome.JobID, time.Second)
		if err != nil {
			t.Fatalf("WaitForJob: %v", err)
		}
		if rec.Status != StatusSucceeded || rec.Result != "done" {
			t.Fatalf("got %+v", rec)
		}
	})

	t.Run("CancelQueuedJobFinalizesSynchronously", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-block
			return "ok", nil
		}, 256)
		defer close(block)

		running := w.Enqueue(TaskReindexMemory, memID(1), "running")
		time.Sleep(5 * time.Millisecond)
		queued := w.Enqueue(TaskReindexMemory, memID(2), "queued")

		if err := w.CancelJob(queued.JobID, "no longer needed"); err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		rec, ok := w.JobStatus(queued.JobID)
		if !ok || rec.Status != StatusCancelled {
			t.Fatalf("expected cancelled status, got %+v", rec)
		}
		_ = running
	})

	t.Run("CancelRunningJobTransitionsThroughCancelling", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, 256)

		outcome := w.Enqueue(TaskReindexMemory, memID(1), "test")
		time.Sleep(5 * time.Millisecond)

		if err := w.CancelJob(outcome.JobID, "shutdown"); err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		rec, err := w.WaitForJob(context.Background(), outcome.JobID, time.Second)
		if err != nil {
			t.Fatalf("WaitForJob: %v", err)
		}
		if rec.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %+v", rec)
		}
		close(block)
	})

	t.Run("CancelAlreadyFinalJobErrors", func(t *testing.T) {
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			return "done", nil
		}, 256)
		outcome := w.Enqueue(TaskReindexMemory, memID(1), "test")
		w.WaitForJob(context.Background(), outcome.JobID, time.Second)

		if err := w.CancelJob(outcome.JobID, "too late"); err == nil {
			t.Fatal("expected error cancelling an already-final job")
		}
	})
}

func TestRetryJob(t *testing.T) {
	t.Run("RetryingFailedJobReenqueuesWithNewID", func(t *testing.T) {
		attempt := 0
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			attempt++
			if attempt == 1 {
				return "", errBoom
			}
			return "ok", nil
		}, 256)

		first := w.Enqueue(TaskReindexMemory, memID(1), "initial")
		rec, err := w.WaitForJob(context.Background(), first.JobID, time.Second)
		if err != nil {
			t.Fatalf("WaitForJob: %v", err)
		}
		if rec.Status != StatusFailed {
			t.Fatalf("expected failed, got %+v", rec)
		}

		retryOutcome, err := w.RetryJob(first.JobID, "")
		if err != nil {
			t.Fatalf("RetryJob: %v", err)
		}
		if retryOutcome.JobID == first.JobID {
			t.Fatal("expected a new job id on retry")
		}
		retryRec, err := w.WaitForJob(context.Background(), retryOutcome.JobID, time.Second)
		if err != nil {
			t.Fatalf("WaitForJob: %v", err)
		}
		if retryRec.Status != StatusSucceeded {
			t.Fatalf("expected retry to succeed, got %+v", retryRec)
		}

		// Original job record remains.
		originalRec, ok := w.JobStatus(first.JobID)
		if !ok || originalRec.Status != StatusFailed {
			t.Fatalf("expected original job record to remain failed, got %+v", originalRec)
		}
	})

	t.Run("RetryingNonTerminalJobErrors", func(t *testing.T) {
		block := make(chan struct{})
		w := newTestWorker(t, func(ctx context.Context, job Job) (string, error) {
			<-block
			return "ok", nil
		}, 256)
		defer close(block)

		outcome := w.Enqueue(TaskReindexMemory, memID(1), "running")
		time.Sleep(5 * time.Millisecond)

		_, err := w.RetryJob(outcome.JobID, "")
		if err == nil {
			t.Fatal("expected error retrying a running job")
		}
	})
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
