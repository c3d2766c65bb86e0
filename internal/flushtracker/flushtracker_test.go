package flushtracker

import "testing"

func TestRecordEventTriggersOnMaxEvents(t *testing.T) {
	tr := New(Config{TriggerChars: 1_000_000, MinEvents: 1, MaxEvents: 3})
	if tr.RecordEvent("s1", 10) {
		t.Fatalf("did not expect flush on first event")
	}
	if tr.RecordEvent("s1", 10) {
		t.Fatalf("did not expect flush on second event")
	}
	if !tr.RecordEvent("s1", 10) {
		t.Fatalf("expected flush on third event (MaxEvents=3)")
	}
}

func TestRecordEventTriggersOnCharsAndMinEvents(t *testing.T) {
	tr := New(Config{TriggerChars: 100, MinEvents: 2, MaxEvents: 1000})
	if tr.RecordEvent("s1", 90) {
		t.Fatalf("did not expect flush: below char threshold")
	}
	if !tr.RecordEvent("s1", 20) {
		t.Fatalf("expected flush: chars over threshold and MinEvents met")
	}
}

func TestRecordEventResetsAfterFlush(t *testing.T) {
	tr := New(Config{TriggerChars: 10, MinEvents: 1, MaxEvents: 1000})
	if !tr.RecordEvent("s1", 20) {
		t.Fatalf("expected immediate flush")
	}
	chars, events := tr.Snapshot("s1")
	if chars != 0 || events != 0 {
		t.Fatalf("expected counters reset after flush, got chars=%d events=%d", chars, events)
	}
}

func TestSnapshotAndResetIndependentPerSession(t *testing.T) {
	tr := New(Config{TriggerChars: 1000, MinEvents: 5, MaxEvents: 1000})
	tr.RecordEvent("s1", 50)
	tr.RecordEvent("s2", 30)

	chars1, events1 := tr.Snapshot("s1")
	if chars1 != 50 || events1 != 1 {
		t.Fatalf("unexpected s1 snapshot: chars=%d events=%d", chars1, events1)
	}
	tr.Reset("s1")
	chars1, events1 = tr.Snapshot("s1")
	if chars1 != 0 || events1 != 0 {
		t.Fatalf("expected s1 cleared after Reset, got chars=%d events=%d", chars1, events1)
	}
	chars2, events2 := tr.Snapshot("s2")
	if chars2 != 30 || events2 != 1 {
		t.Fatalf("expected s2 unaffected by s1 reset, got chars=%d events=%d", chars2, events2)
	}
}
