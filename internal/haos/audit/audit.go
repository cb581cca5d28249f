// Package audit implements the append-only, hash-chained event log of
// spec §6 (ground: services/audit-trail/internal/appendlog.go's
// AppendLog). Every state-affecting HAOS operation emits at least one
// Entry here through the executor.AuditSink contract; entries chain by
// hash so tampering with any one entry is detectable via Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/haos/internal/haos/executor"
)

// Entry is one immutable audit record (spec §6's {timestamp,
// workflow_id, task_id?, worker_id?, kind, principal} shape, plus the
// chain fields appendlog.go adds).
type Entry struct {
	Index      uint64    `json:"index"`
	Timestamp  time.Time `json:"ts"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Kind       string    `json:"kind"`
	Principal  string    `json:"principal"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Persister durably appends one entry's encoded form, keyed by its
// chain index. Defined at point of use so any keyed byte store (e.g.
// *store.Store) satisfies it without audit importing store.
type Persister interface {
	AppendAuditEntry(ctx context.Context, index uint64, data []byte) error
}

// QueryFilter narrows Query results (ground: persistent_log.go's
// QueryFilter).
type QueryFilter struct {
	WorkflowID string
	Kind       string
	Principal  string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// Log is an in-memory append-only log with an optional durable
// Persister, satisfying executor.AuditSink.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	persist   Persister
}

// NewLog builds a purely in-memory log, suitable for tests or a
// process that accepts losing history across restarts.
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0, 1024)}
}

// NewPersistentLog builds a log that also durably appends every entry
// through p (ground: persistent_log.go's WAL-backed PersistentAuditLog,
// adapted to use a keyed Persister instead of a raw os.File WAL).
func NewPersistentLog(p Persister) *Log {
	return &Log{entries: make([]Entry, 0, 1024), persist: p}
}

// Emit satisfies executor.AuditSink: it chains evt onto the log and,
// if a Persister is configured, durably appends it before returning.
func (l *Log) Emit(ctx context.Context, evt executor.AuditEvent) error {
	l.mu.Lock()
	idx := uint64(len(l.entries))
	prev := ""
	if idx > 0 {
		prev = l.entries[idx-1].Hash
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ent := Entry{
		Index:      idx,
		Timestamp:  ts,
		WorkflowID: evt.WorkflowID,
		TaskID:     evt.TaskID,
		WorkerID:   evt.WorkerID,
		Kind:       evt.Kind,
		Principal:  evt.Principal,
		PrevHash:   prev,
	}
	ent.Hash = hashEntry(ent)
	l.entries = append(l.entries, ent)
	persist := l.persist
	l.mu.Unlock()

	if persist == nil {
		return nil
	}
	data, err := marshalEntry(ent)
	if err != nil {
		return err
	}
	return persist.AppendAuditEntry(ctx, ent.Index, data)
}

// Get retrieves the entry at index.
func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// Latest returns the most recently appended entry.
func (l *Log) Latest() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Verify walks the full chain and reports whether every hash and
// prev-hash link is intact.
func (l *Log) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.entries {
		if hashEntry(l.entries[i]) != l.entries[i].Hash {
			return false
		}
		if i > 0 && l.entries[i-1].Hash != l.entries[i].PrevHash {
			return false
		}
	}
	return true
}

// Query searches entries by filter in insertion order, oldest first,
// stopping once Limit matches are collected (ground: persistent_log.go's
// Query).
func (l *Log) Query(filter QueryFilter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Entry, 0)
	for _, e := range l.entries {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Principal != "" && e.Principal != filter.Principal {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		results = append(results, e)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results
}

func marshalEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.WorkflowID))
	h.Write([]byte(e.TaskID))
	h.Write([]byte(e.WorkerID))
	h.Write([]byte(e.Kind))
	h.Write([]byte(e.Principal))
	return hex.EncodeToString(h.Sum(nil))
}
