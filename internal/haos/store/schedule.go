package store

import (
	"context"

	"go.etcd.io/bbolt"
)

// PutSchedule persists one schedule definition's already-encoded bytes
// keyed by name (ground: scheduler.go's AddSchedule storing
// json.Marshal(config) into bucketSchedules keyed by WorkflowName).
func (s *Store) PutSchedule(ctx context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

// GetSchedule retrieves one schedule's encoded bytes by name.
func (s *Store) GetSchedule(ctx context.Context, name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSchedules).Get([]byte(name))
		if v == nil {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, data != nil, err
}

// DeleteSchedule removes a schedule definition (ground: scheduler.go's
// RemoveSchedule).
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule's encoded bytes
// (ground: scheduler.go's ListSchedules).
func (s *Store) ListSchedules(ctx context.Context) ([][]byte, error) {
	out := make([][]byte, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}
