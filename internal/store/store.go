// Package store persists the job registry in a bbolt database, with JSON
// values so records stay inspectable. The orchestrator is the single
// writer; every mutation is committed before the matching event is
// broadcast.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/clipfetch/clipfetch/internal/orchestrator"
)

var buckets = struct {
	Meta []byte
	Jobs []byte
}{
	Meta: []byte("__meta__"),
	Jobs: []byte("jobs"),
}

var metaKeys = struct {
	Version     []byte
	LastUpdated []byte
}{
	Version:     []byte("version"),
	LastUpdated: []byte("lastUpdated"),
}

const currentVersion = 1

// Store is a durable orchestrator.Store backed by a bbolt file.
type Store struct {
	db *bbolt.DB
}

var _ orchestrator.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(buckets.Meta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(buckets.Jobs); err != nil {
			return err
		}

		var version int
		if raw := meta.Get(metaKeys.Version); raw != nil {
			if err := json.Unmarshal(raw, &version); err != nil {
				return err
			}
		}
		if version > currentVersion {
			return fmt.Errorf("job store version %d is newer than supported %d", version, currentVersion)
		}
		raw, err := json.Marshal(currentVersion)
		if err != nil {
			return err
		}
		return meta.Put(metaKeys.Version, raw)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare job store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListJobs() ([]orchestrator.Job, error) {
	var jobs []orchestrator.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(buckets.Jobs).ForEach(func(k, v []byte) error {
			var job orchestrator.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("corrupt job record %q: %w", k, err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) PutJob(job *orchestrator.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(buckets.Jobs).Put([]byte(job.ID), data); err != nil {
			return err
		}
		return touchLastUpdated(tx)
	})
}

func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(buckets.Jobs).Delete([]byte(id)); err != nil {
			return err
		}
		return touchLastUpdated(tx)
	})
}

// LastUpdated returns the time of the most recent mutation, or the zero
// time for a fresh store.
func (s *Store) LastUpdated() (time.Time, error) {
	var ts int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(buckets.Meta).Get(metaKeys.LastUpdated); raw != nil {
			return json.Unmarshal(raw, &ts)
		}
		return nil
	})
	if err != nil || ts == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ts), nil
}

func touchLastUpdated(tx *bbolt.Tx) error {
	raw, err := json.Marshal(time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Bucket(buckets.Meta).Put(metaKeys.LastUpdated, raw)
}
