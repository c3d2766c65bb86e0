package consolidate

import (
	"context"
	"testing"

	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

func newTestConsolidator(t *testing.T, cfg Config) (*Consolidator, *memnode.Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mem := memnode.New(s)

	worker := indexworker.New(indexworker.Options{
		QueueMaxSize: 16,
		RecentJobs:   16,
		Handler: func(ctx context.Context, job indexworker.Job) (string, error) {
			return "ok", nil
		},
	})
	worker.Start()
	t.Cleanup(worker.Stop)

	c := New(s, mem, nil, cfg, worker)
	return c, mem, s
}

func TestRunOrphanScanCountsOrphans(t *testing.T) {
	c, mem, _ := newTestConsolidator(t, Config{})

	if _, err := mem.CreateMemory("", "hello world", 5, "note", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := mem.RemovePath("note", "core"); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}

	report, err := c.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OrphanCount != 1 {
		t.Fatalf("expected 1 orphan, got %d", report.OrphanCount)
	}
	if !report.IndexRebuildEnqueued {
		t.Fatalf("expected index rebuild to always be enqueued")
	}
}

func TestRunDedupPreviewOnlyWhenDisabled(t *testing.T) {
	c, mem, _ := newTestConsolidator(t, Config{DedupApplyEnabled: false})

	titles := []string{"dup-a", "dup-b"}
	for _, title := range titles {
		if _, err := mem.CreateMemory("", "duplicate content here", 5, title, "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		if _, err := mem.RemovePath(title, "core"); err != nil {
			t.Fatalf("RemovePath: %v", err)
		}
	}

	report, err := c.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.DeletedDuplicates != 0 {
		t.Fatalf("expected no deletions with dedup disabled, got %d", report.DeletedDuplicates)
	}
}

func TestRunCleanupPreviewCountsOrphansAndDeprecated(t *testing.T) {
	c, mem, _ := newTestConsolidator(t, Config{})
	if _, err := mem.CreateMemory("", "hello world", 5, "note", "core", ""); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := mem.RemovePath("note", "core"); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}

	report, err := c.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.CleanupPreviewCount < 1 {
		t.Fatalf("expected at least 1 cleanup-preview candidate, got %d", report.CleanupPreviewCount)
	}
}
