// Package store provides BoltDB-backed persistence for workflow
// snapshots, the audit chain, and schedule definitions (ground:
// services/orchestrator/persistence.go's WorkflowStore: pure-Go,
// single-file, no external database dependency). Store knows nothing
// about the executor, model, or audit package types directly — every
// caller hands it already-encoded bytes or a small DTO, so those
// higher packages depend on Store rather than the reverse.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketAudit     = []byte("audit")
	bucketSchedules = []byte("schedules")
)

// Store is a single BoltDB file holding every HAOS persistence
// concern, matching the teacher's one-database-per-service layout.
type Store struct {
	db *bbolt.DB

	mu            sync.RWMutex
	workflowCache map[string]WorkflowRecord // ground: persistence.go's memCache hot-path
}

// Open creates or opens the store's BoltDB file at path, creating every
// bucket this package uses if absent.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketAudit, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, workflowCache: make(map[string]WorkflowRecord)}
	if err := s.warmWorkflowCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm workflow cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmWorkflowCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var rec WorkflowRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip a corrupt record rather than fail startup
			}
			s.workflowCache[rec.WorkflowID] = rec
			return nil
		})
	})
}

// AppendAuditEntry stores one audit-chain entry's encoded bytes keyed
// by its monotonic index, satisfying audit.Persister without either
// package importing the other.
func (s *Store) AppendAuditEntry(ctx context.Context, index uint64, data []byte) error {
	key := indexKey(index)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(key, data)
	})
}

// AuditEntries returns the raw encoded bytes of every audit entry with
// index >= fromIndex, in index order, up to limit (0 = unbounded).
func (s *Store) AuditEntries(ctx context.Context, fromIndex uint64, limit int) ([][]byte, error) {
	out := make([][]byte, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		start := indexKey(fromIndex)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func indexKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%020d", index))
}
