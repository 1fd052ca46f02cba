package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// JournalEntry is one hash-chained model lifecycle event.
type JournalEntry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Journal is an in-memory append-only log of lifecycle events. Each entry
// hashes over its predecessor, so rewriting history breaks verification.
// Bounded: oldest entries fall off past max.
type Journal struct {
	mu      sync.RWMutex
	entries []JournalEntry
	next    uint64
	max     int
}

func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 1024
	}
	return &Journal{max: max}
}

func hashJournalEntry(e JournalEntry) string {
	payload := fmt.Sprintf("%d|%d|%s|%s|%s",
		e.Index, e.Timestamp.UnixNano(), e.Event, e.Detail, e.PrevHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Record appends an event and returns the sealed entry.
func (j *Journal) Record(event, detail string) JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := ""
	if n := len(j.entries); n > 0 {
		prev = j.entries[n-1].Hash
	}
	e := JournalEntry{
		Index:     j.next,
		Timestamp: time.Now().UTC(),
		Event:     event,
		Detail:    detail,
		PrevHash:  prev,
	}
	e.Hash = hashJournalEntry(e)
	j.next++

	j.entries = append(j.entries, e)
	if len(j.entries) > j.max {
		trimmed := make([]JournalEntry, j.max)
		copy(trimmed, j.entries[len(j.entries)-j.max:])
		j.entries = trimmed
	}
	return e
}

// Entries returns up to limit most recent entries, oldest first.
func (j *Journal) Entries(limit int) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]JournalEntry, limit)
	copy(out, j.entries[n-limit:])
	return out
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify recomputes the hash chain over the retained window.
func (j *Journal) Verify() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i, e := range j.entries {
		if hashJournalEntry(e) != e.Hash {
			return false
		}
		if i > 0 && e.PrevHash != j.entries[i-1].Hash {
			return false
		}
	}
	return true
}
