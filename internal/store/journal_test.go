package store

import (
	"fmt"
	"testing"
	"time"
)

func TestJournalEvictsByCount(t *testing.T) {
	journal := NewJournal(3, time.Minute)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		evictions := journal.Record(ChangeRecord{Path: fmt.Sprintf("p/%d", i), Op: OpSet, At: base.UnixMilli()})
		if len(evictions) != 0 {
			t.Fatalf("unexpected evictions before capacity: %+v", evictions)
		}
	}

	evictions := journal.Record(ChangeRecord{Path: "p/3", Op: OpSet, At: base.UnixMilli()})
	if len(evictions) != 1 {
		t.Fatalf("expected one eviction, got %+v", evictions)
	}
	if evictions[0].Seq != 1 || evictions[0].Reason != "count" {
		t.Fatalf("unexpected eviction: %+v", evictions[0])
	}

	stats := journal.Stats(base)
	if stats.Size != 3 || stats.OldestSeq != 2 || stats.NewestSeq != 4 || stats.Evicted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestJournalEvictsByAge(t *testing.T) {
	journal := NewJournal(16, time.Minute)

	base := time.UnixMilli(1_700_000_000_000)
	journal.Record(ChangeRecord{Path: "p/old", Op: OpSet, At: base.UnixMilli()})
	journal.Record(ChangeRecord{Path: "p/mid", Op: OpUpdate, At: base.Add(30 * time.Second).UnixMilli()})

	evictions := journal.Record(ChangeRecord{Path: "p/new", Op: OpRemove, At: base.Add(90 * time.Second).UnixMilli()})
	if len(evictions) != 1 {
		t.Fatalf("expected the oldest record to expire, got %+v", evictions)
	}
	if evictions[0].Seq != 1 || evictions[0].Reason != "expired" {
		t.Fatalf("unexpected eviction: %+v", evictions[0])
	}

	stats := journal.Stats(base.Add(90 * time.Second))
	if stats.Size != 2 || stats.OldestSeq != 2 {
		t.Fatalf("unexpected stats after expiry: %+v", stats)
	}
}

func TestJournalSince(t *testing.T) {
	journal := NewJournal(8, time.Minute)

	at := time.UnixMilli(1_700_000_000_000).UnixMilli()
	for i := 0; i < 5; i++ {
		journal.Record(ChangeRecord{Path: fmt.Sprintf("p/%d", i), Op: OpSet, At: at})
	}

	records, ok := journal.Since(2)
	if !ok {
		t.Fatalf("window should still reach back to seq 2")
	}
	if len(records) != 3 || records[0].Seq != 3 || records[2].Seq != 5 {
		t.Fatalf("unexpected records: %+v", records)
	}

	records, ok = journal.Since(5)
	if !ok || len(records) != 0 {
		t.Fatalf("Since at head should be empty: ok=%v records=%+v", ok, records)
	}
}

func TestJournalSinceBeyondWindow(t *testing.T) {
	journal := NewJournal(2, time.Minute)

	at := time.UnixMilli(1_700_000_000_000).UnixMilli()
	for i := 0; i < 4; i++ {
		journal.Record(ChangeRecord{Path: fmt.Sprintf("p/%d", i), Op: OpSet, At: at})
	}

	if _, ok := journal.Since(0); ok {
		t.Fatalf("window starts at seq 3, Since(0) must report a gap")
	}
	if records, ok := journal.Since(2); !ok || len(records) != 2 {
		t.Fatalf("Since(2) should return the full window: ok=%v records=%+v", ok, records)
	}
}
