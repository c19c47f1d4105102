package store

import (
	"sync"
	"time"
)

const (
	DefaultJournalCapacity = 256
	DefaultJournalMaxAge   = 5 * time.Minute
)

type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpUpdate ChangeOp = "update"
	OpRemove ChangeOp = "remove"
)

// ChangeRecord is one committed write, as remembered by the journal.
type ChangeRecord struct {
	Seq  uint64   `json:"seq"`
	Path string   `json:"path"`
	Op   ChangeOp `json:"op"`
	At   int64    `json:"at"`
}

// Eviction explains why a record left the journal window.
type Eviction struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"` // "count" or "expired"
}

// Journal keeps a bounded window of recent changes for diagnostics and for
// replaying the recent past to a resubscribing transport client. Records are
// evicted by count and by age.
type Journal struct {
	mu       sync.Mutex
	records  []ChangeRecord
	capacity int
	maxAge   time.Duration
	nextSeq  uint64
	evicted  uint64
}

type JournalStats struct {
	Size      int    `json:"size"`
	OldestSeq uint64 `json:"oldestSeq"`
	NewestSeq uint64 `json:"newestSeq"`
	Evicted   uint64 `json:"evicted"`
}

func NewJournal(capacity int, maxAge time.Duration) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultJournalMaxAge
	}
	return &Journal{
		records:  make([]ChangeRecord, 0, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Record appends a change and returns any evictions it caused.
func (j *Journal) Record(record ChangeRecord) []Eviction {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq++
	record.Seq = j.nextSeq

	evictions := j.trimExpiredLocked(record.At)
	j.records = append(j.records, record)
	for len(j.records) > j.capacity {
		evictions = append(evictions, Eviction{Seq: j.records[0].Seq, Reason: "count"})
		j.records = j.records[1:]
		j.evicted++
	}
	return evictions
}

// Since returns the records with sequence greater than seq, oldest first. The
// second result is false when the window no longer reaches back that far and
// the caller needs a full snapshot instead.
func (j *Journal) Since(seq uint64) ([]ChangeRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.records) > 0 && j.records[0].Seq > seq+1 {
		return nil, false
	}
	out := make([]ChangeRecord, 0)
	for _, record := range j.records {
		if record.Seq > seq {
			out = append(out, record)
		}
	}
	return out, true
}

func (j *Journal) Stats(now time.Time) JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.trimExpiredLocked(now.UnixMilli())
	stats := JournalStats{Size: len(j.records), Evicted: j.evicted}
	if len(j.records) > 0 {
		stats.OldestSeq = j.records[0].Seq
		stats.NewestSeq = j.records[len(j.records)-1].Seq
	}
	return stats
}

func (j *Journal) trimExpiredLocked(nowMillis int64) []Eviction {
	cutoff := nowMillis - j.maxAge.Milliseconds()
	evictions := make([]Eviction, 0)
	for len(j.records) > 0 && j.records[0].At < cutoff {
		evictions = append(evictions, Eviction{Seq: j.records[0].Seq, Reason: "expired"})
		j.records = j.records[1:]
		j.evicted++
	}
	return evictions
}
