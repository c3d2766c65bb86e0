// Package writelane implements the two-tier write admission structure: a
// per-session mutex keyed on a normalized session id, plus a bounded
// global semaphore across all sessions. Waiters within a session are not
// guaranteed to acquire the session mutex in arrival order.
package writelane

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const defaultSessionID = "default"

// Coordinator serializes writes within a session and bounds concurrency
// across all sessions.
type Coordinator struct {
	global *semaphore.Weighted

	mu       sync.Mutex
	lanes    map[string]*lane
	capacity int64
	active   int64
	waiting  int64
}

type lane struct {
	mu      sync.Mutex
	waiting int
}

// New constructs a Coordinator with the given global concurrency.
func New(globalConcurrency int) *Coordinator {
	if globalConcurrency < 1 {
		globalConcurrency = 1
	}
	return &Coordinator{
		global:   semaphore.NewWeighted(int64(globalConcurrency)),
		lanes:    make(map[string]*lane),
		capacity: int64(globalConcurrency),
	}
}

func normalizeSession(sessionID string) string {
	if sessionID == "" {
		return defaultSessionID
	}
	return sessionID
}

// RunWrite takes the session lock for sessionID (one task at a time within
// a session; arrival order among waiters is not guaranteed), then a slot
// in the bounded global semaphore, runs task, and
// releases both regardless of task's outcome.
func (c *Coordinator) RunWrite(ctx context.Context, sessionID string, task func(ctx context.Context) error) error {
	sessionID = normalizeSession(sessionID)
	l := c.laneFor(sessionID)

	c.mu.Lock()
	l.waiting++
	c.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	c.mu.Lock()
	l.waiting--
	c.mu.Unlock()

	atomic.AddInt64(&c.waiting, 1)
	err := c.global.Acquire(ctx, 1)
	atomic.AddInt64(&c.waiting, -1)
	if err != nil {
		return err
	}
	atomic.AddInt64(&c.active, 1)
	defer func() {
		atomic.AddInt64(&c.active, -1)
		c.global.Release(1)
	}()

	return task(ctx)
}

func (c *Coordinator) laneFor(sessionID string) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[sessionID]
	if !ok {
		l = &lane{}
		c.lanes[sessionID] = l
	}
	return l
}

// Status reports global concurrency and per-session waiting counts for the
// /maintenance introspection endpoint.
type Status struct {
	GlobalConcurrency int
	GlobalActive      int
	GlobalWaiting     int
	SessionWaiting    map[string]int
	MaxSessionWaiting int
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		GlobalConcurrency: int(c.capacity),
		GlobalActive:      int(atomic.LoadInt64(&c.active)),
		GlobalWaiting:     int(atomic.LoadInt64(&c.waiting)),
		SessionWaiting:    make(map[string]int, len(c.lanes)),
	}
	for sid, l := range c.lanes {
		status.SessionWaiting[sid] = l.waiting
		if l.waiting > status.MaxSessionWaiting {
			status.MaxSessionWaiting = l.waiting
		}
	}
	return status
}
