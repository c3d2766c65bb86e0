package sessioncache

import (
	"testing"
	"time"
)

func TestRecordHitAndScoreDecays(t *testing.T) {
	c := New(Config{MaxHits: 10, HalfLifeSeconds: 1})
	c.RecordHit("s1", "core://a")

	immediate := c.Score("s1", "core://a")
	if immediate <= 0.9 || immediate > 1.0 {
		t.Fatalf("expected near-1.0 immediate score, got %f", immediate)
	}

	time.Sleep(1100 * time.Millisecond)
	decayed := c.Score("s1", "core://a")
	if decayed >= immediate/2 {
		t.Fatalf("expected score to roughly halve after one half-life, got %f (was %f)", decayed, immediate)
	}
}

func TestRecordHitBoundedByMaxHits(t *testing.T) {
	c := New(Config{MaxHits: 3, HalfLifeSeconds: 60})
	for i := 0; i < 10; i++ {
		c.RecordHit("s1", "core://a")
	}
	if got := c.Count("s1"); got != 3 {
		t.Fatalf("expected count bounded to 3, got %d", got)
	}
}

func TestNormalizeSessionDefault(t *testing.T) {
	c := New(Config{MaxHits: 5, HalfLifeSeconds: 60})
	c.RecordHit("", "core://a")
	if got := c.Count("default"); got != 1 {
		t.Fatalf("expected empty session id to normalize to default, got count %d", got)
	}
}

func TestResetClearsSession(t *testing.T) {
	c := New(Config{MaxHits: 5, HalfLifeSeconds: 60})
	c.RecordHit("s1", "core://a")
	c.Reset("s1")
	if got := c.Count("s1"); got != 0 {
		t.Fatalf("expected 0 hits after reset, got %d", got)
	}
}
