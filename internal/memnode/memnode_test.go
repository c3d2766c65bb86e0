package memnode

import (
	"testing"

	"github.com/hyphamind/hyphamind/internal/apperr"
	"github.com/hyphamind/hyphamind/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestCreateMemory(t *testing.T) {
	t.Run("BasicCreateRoundTrips", func(t *testing.T) {
		e := newTestEngine(t)
		res, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		if res.URI != "core://note" {
			t.Fatalf("got URI %q", res.URI)
		}
		m, err := e.GetMemoryByPath("note", "core")
		if err != nil {
			t.Fatalf("GetMemoryByPath: %v", err)
		}
		if m == nil || m.Content != "hello" || m.Priority != 1 {
			t.Fatalf("got %+v", m)
		}
	})

	t.Run("EmptyContentIsValidationError", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.CreateMemory("", "  ", 1, "note", "core", "")
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("DuplicatePathIsConflict", func(t *testing.T) {
		e := newTestEngine(t)
		if _, err := e.CreateMemory("", "hello", 1, "note", "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		_, err := e.CreateMemory("", "other", 1, "note", "core", "")
		if !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
	})
}

// Create then update must preserve the version chain.
func TestUpdateMemoryVersionChain(t *testing.T) {
	t.Run("ContentChangeCreatesNewVersionAndDeprecatesOld", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		oldID := createRes.ID

		newContent := "hello world"
		updateRes, err := e.UpdateMemory("note", "core", &newContent, nil, nil)
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if updateRes.NewMemoryID == 0 {
			t.Fatal("expected a new memory id for a content change")
		}

		m, err := e.GetMemoryByPath("note", "core")
		if err != nil {
			t.Fatalf("GetMemoryByPath: %v", err)
		}
		if m.ID != updateRes.NewMemoryID {
			t.Fatalf("path should resolve to new id %d, got %d", updateRes.NewMemoryID, m.ID)
		}
		if m.Content != "hello world" {
			t.Fatalf("got content %q", m.Content)
		}

		oldHash, err := e.StateHash(oldID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		_ = oldHash

		paths, err := e.PathsForMemory(oldID)
		if err != nil {
			t.Fatalf("PathsForMemory: %v", err)
		}
		if len(paths) != 0 {
			t.Fatalf("expected old memory to be orphaned (0 paths), got %d", len(paths))
		}
	})

	t.Run("MetadataOnlyUpdateDoesNotVersion", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		newPriority := 9
		updateRes, err := e.UpdateMemory("note", "core", nil, &newPriority, nil)
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if updateRes.NewMemoryID != 0 {
			t.Fatalf("expected no new version for metadata-only update, got id %d", updateRes.NewMemoryID)
		}
		m, err := e.GetMemoryByPath("note", "core")
		if err != nil {
			t.Fatalf("GetMemoryByPath: %v", err)
		}
		if m.ID != createRes.ID {
			t.Fatalf("expected same memory id %d, got %d", createRes.ID, m.ID)
		}
		if m.Priority != 9 {
			t.Fatalf("expected priority 9, got %d", m.Priority)
		}
	})
}

func TestRemovePath(t *testing.T) {
	t.Run("RemovingLastPathOrphansMemory", func(t *testing.T) {
		e := newTestEngine(t)
		if _, err := e.CreateMemory("", "hello", 1, "note", "core", ""); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		res, err := e.RemovePath("note", "core")
		if err != nil {
			t.Fatalf("RemovePath: %v", err)
		}
		if !res.Orphaned {
			t.Fatal("expected memory to be orphaned")
		}
	})

	t.Run("RejectsPathWithChildren", func(t *testing.T) {
		e := newTestEngine(t)
		if _, err := e.CreateMemory("", "parent", 1, "parent", "core", ""); err != nil {
			t.Fatalf("CreateMemory parent: %v", err)
		}
		if _, err := e.CreateMemory("parent", "child", 1, "child", "core", ""); err != nil {
			t.Fatalf("CreateMemory child: %v", err)
		}
		_, err := e.RemovePath("parent", "core")
		if !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
	})
}

func TestAddPath(t *testing.T) {
	t.Run("AliasResolvesToSameMemory", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		if err := e.AddPath("alias", "note", "core", "core"); err != nil {
			t.Fatalf("AddPath: %v", err)
		}
		m, err := e.GetMemoryByPath("alias", "core")
		if err != nil {
			t.Fatalf("GetMemoryByPath: %v", err)
		}
		if m.ID != createRes.ID {
			t.Fatalf("expected alias to resolve to %d, got %d", createRes.ID, m.ID)
		}
	})

	t.Run("CollidingAliasIsConflict", func(t *testing.T) {
		e := newTestEngine(t)
		if _, err := e.CreateMemory("", "a", 1, "a", "core", ""); err != nil {
			t.Fatalf("CreateMemory a: %v", err)
		}
		if _, err := e.CreateMemory("", "b", 1, "b", "core", ""); err != nil {
			t.Fatalf("CreateMemory b: %v", err)
		}
		err := e.AddPath("b", "a", "core", "core")
		if !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
	})
}

func TestPermanentlyDeleteMemory(t *testing.T) {
	t.Run("RequireOrphanRejectsMemoryWithPaths", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		_, err = e.PermanentlyDeleteMemory(createRes.ID, true, "")
		if !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
	})

	t.Run("StaleStateHashIsRejected", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		if _, err := e.RemovePath("note", "core"); err != nil {
			t.Fatalf("RemovePath: %v", err)
		}
		_, err = e.PermanentlyDeleteMemory(createRes.ID, true, "bogus-hash")
		if !apperr.Is(err, apperr.KindStaleState) {
			t.Fatalf("expected StaleStateError, got %v", err)
		}
	})

	t.Run("MatchingStateHashDeletesAndRepairsMigrationChain", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		oldID := createRes.ID
		newContent := "hello world"
		updateRes, err := e.UpdateMemory("note", "core", &newContent, nil, nil)
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}

		hash, err := e.StateHash(oldID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		delRes, err := e.PermanentlyDeleteMemory(oldID, true, hash)
		if err != nil {
			t.Fatalf("PermanentlyDeleteMemory: %v", err)
		}
		if !delRes.Deleted {
			t.Fatal("expected deletion")
		}

		m, err := e.GetMemoryByPath("note", "core")
		if err != nil {
			t.Fatalf("GetMemoryByPath: %v", err)
		}
		if m.ID != updateRes.NewMemoryID {
			t.Fatalf("new memory should remain addressable, got %d want %d", m.ID, updateRes.NewMemoryID)
		}
	})
}

func TestStateHashStability(t *testing.T) {
	t.Run("StableAcrossRepeatedCallsWithinSameMinuteBucket", func(t *testing.T) {
		e := newTestEngine(t)
		createRes, err := e.CreateMemory("", "hello", 1, "note", "core", "")
		if err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
		h1, err := e.StateHash(createRes.ID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		h2, err := e.StateHash(createRes.ID)
		if err != nil {
			t.Fatalf("StateHash: %v", err)
		}
		if h1 != h2 {
			t.Fatalf("expected stable state hash, got %q vs %q", h1, h2)
		}
	})
}

func TestNormalizeContent(t *testing.T) {
	t.Run("CollapsesWhitespaceAndLowercases", func(t *testing.T) {
		got := NormalizeContent("  Hello   World  \n")
		if got != "hello world" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestParseURI(t *testing.T) {
	t.Run("SplitsDomainAndPath", func(t *testing.T) {
		domain, path, ok := ParseURI("core://a/b/c")
		if !ok || domain != "core" || path != "a/b/c" {
			t.Fatalf("got (%q, %q, %v)", domain, path, ok)
		}
	})

	t.Run("MissingSeparatorIsNotOK", func(t *testing.T) {
		_, _, ok := ParseURI("not-a-uri")
		if ok {
			t.Fatal("expected ok=false")
		}
	})
}
