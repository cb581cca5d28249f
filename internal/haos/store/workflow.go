package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// TaskRecord is a persisted projection of one task's terminal-or-
// current state, independent of the in-memory model.Task the executor
// actually mutates.
type TaskRecord struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

// WorkflowRecord is the persisted snapshot of one workflow (ground:
// persistence.go's Workflow/WorkflowExecution split, collapsed into a
// single record since HAOS workflows are not versioned templates).
type WorkflowRecord struct {
	WorkflowID string       `json:"workflow_id"`
	Principal  string       `json:"principal"`
	State      string       `json:"state"`
	Tasks      []TaskRecord `json:"tasks"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	StoredAt   time.Time    `json:"stored_at"`
}

// PutWorkflow upserts a workflow snapshot, updating the hot cache
// alongside the durable write (ground: persistence.go's PutWorkflow).
func (s *Store) PutWorkflow(ctx context.Context, rec WorkflowRecord) error {
	rec.StoredAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal workflow record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(rec.WorkflowID), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow record: %w", err)
	}

	s.mu.Lock()
	s.workflowCache[rec.WorkflowID] = rec
	s.mu.Unlock()
	return nil
}

// GetWorkflow retrieves a workflow snapshot, preferring the in-memory
// cache (ground: persistence.go's GetWorkflow cache-then-db pattern).
func (s *Store) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, bool, error) {
	s.mu.RLock()
	if rec, ok := s.workflowCache[id]; ok {
		s.mu.RUnlock()
		return rec, true, nil
	}
	s.mu.RUnlock()

	var rec WorkflowRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return WorkflowRecord{}, false, fmt.Errorf("read workflow record: %w", err)
	}
	if !found {
		return WorkflowRecord{}, false, nil
	}

	s.mu.Lock()
	s.workflowCache[id] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// ListWorkflows returns every cached workflow snapshot, most recently
// stored first, bounded by limit (0 = unbounded).
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkflowRecord, 0, len(s.workflowCache))
	for _, rec := range s.workflowCache {
		out = append(out, rec)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StoredAt.After(out[j-1].StoredAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteWorkflow removes a workflow snapshot (ground: persistence.go's
// DeleteWorkflow, without the version-archive step HAOS has no use for
// since WorkflowRecord is not versioned).
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete workflow record: %w", err)
	}
	s.mu.Lock()
	delete(s.workflowCache, id)
	s.mu.Unlock()
	return nil
}
