package writelane

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRunWrite(t *testing.T) {
	t.Run("SerializesWithinASession", func(t *testing.T) {
		c := New(4)
		var mu sync.Mutex
		var order []int
		var wg sync.WaitGroup

		for i := 0; i < 5; i++ {
			wg.Add(1)
			i := i
			go func() {
				defer wg.Done()
				c.RunWrite(context.Background(), "same-session", func(ctx context.Context) error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					time.Sleep(time.Millisecond)
					return nil
				})
			}()
		}
		wg.Wait()
		if len(order) != 5 {
			t.Fatalf("expected 5 completions, got %d", len(order))
		}
	})

	t.Run("BoundsGlobalConcurrency", func(t *testing.T) {
		c := New(1)
		var mu sync.Mutex
		concurrent := 0
		maxConcurrent := 0
		var wg sync.WaitGroup

		for i := 0; i < 3; i++ {
			wg.Add(1)
			sessionID := string(rune('a' + i))
			go func() {
				defer wg.Done()
				c.RunWrite(context.Background(), sessionID, func(ctx context.Context) error {
					mu.Lock()
					concurrent++
					if concurrent > maxConcurrent {
						maxConcurrent = concurrent
					}
					mu.Unlock()
					time.Sleep(2 * time.Millisecond)
					mu.Lock()
					concurrent--
					mu.Unlock()
					return nil
				})
			}()
		}
		wg.Wait()
		if maxConcurrent != 1 {
			t.Fatalf("expected max concurrency 1, got %d", maxConcurrent)
		}
	})

	t.Run("EmptySessionIDNormalizesToDefault", func(t *testing.T) {
		c := New(1)
		err := c.RunWrite(context.Background(), "", func(ctx context.Context) error { return nil })
		if err != nil {
			t.Fatalf("RunWrite: %v", err)
		}
		if _, ok := c.lanes[defaultSessionID]; !ok {
			t.Fatal("expected empty session id to map onto the default lane")
		}
	})

	t.Run("ContextCancellationDuringAcquireReturnsError", func(t *testing.T) {
		c := New(1)
		ctx, cancel := context.WithCancel(context.Background())

		blockCh := make(chan struct{})
		go c.RunWrite(context.Background(), "holder", func(ctx context.Context) error {
			<-blockCh
			return nil
		})
		time.Sleep(5 * time.Millisecond)

		done := make(chan error, 1)
		go func() {
			done <- c.RunWrite(ctx, "other", func(ctx context.Context) error { return nil })
		}()
		cancel()
		err := <-done
		close(blockCh)
		if err == nil {
			t.Fatal("expected error from cancelled context while waiting on global semaphore")
		}
	})
}

func TestStatus(t *testing.T) {
	t.Run("ReportsConfiguredConcurrency", func(t *testing.T) {
		c := New(3)
		status := c.Status()
		if status.GlobalConcurrency != 3 {
			t.Fatalf("got %d", status.GlobalConcurrency)
		}
	})
}
