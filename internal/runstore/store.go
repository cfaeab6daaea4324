// Package runstore persists run results in a bbolt database so run status
// survives agent restarts.
package runstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
)

var log = logging.L("runstore")

var ErrNotFound = errors.New("runstore: run not found")

var (
	runsBucket  = []byte("runs")
	orderBucket = []byte("order")
)

// Path is the database location under dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "runs.db")
}

// Store keeps the latest snapshot of every run, indexed by request time.
type Store struct {
	db    *bolt.DB
	limit int
}

// Open opens or creates the database. limit caps the number of terminal
// runs kept; 0 keeps everything.
func Open(path string, limit int) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{runsBucket, orderBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run store buckets: %w", err)
	}
	return &Store{db: db, limit: limit}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// orderKey sorts by request time, then id.
func orderKey(r *orchestrator.RunResult) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.RequestedAt.UnixNano()))
	return append(key, r.ID...)
}

// Save writes the current snapshot of r. Saving a terminal run prunes the
// oldest terminal runs beyond the history limit.
func (s *Store) Save(r *orchestrator.RunResult) error {
	if r == nil || r.ID == "" {
		return errors.New("runstore: run has no id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		order := tx.Bucket(orderBucket)
		if prev := runs.Get([]byte(r.ID)); prev == nil {
			if err := order.Put(orderKey(r), []byte(r.ID)); err != nil {
				return err
			}
		}
		if err := runs.Put([]byte(r.ID), data); err != nil {
			return err
		}
		if r.Status.Terminal() {
			return s.prune(runs, order)
		}
		return nil
	})
}

func (s *Store) prune(runs, order *bolt.Bucket) error {
	if s.limit <= 0 {
		return nil
	}
	var terminal [][]byte
	c := order.Cursor()
	for k, id := c.Last(); k != nil; k, id = c.Prev() {
		run, err := decode(runs.Get(id))
		if err != nil || run.Status.Terminal() {
			terminal = append(terminal, bytes.Clone(k))
		}
	}
	if len(terminal) <= s.limit {
		return nil
	}
	for _, k := range terminal[s.limit:] {
		id := order.Get(k)
		if err := runs.Delete(id); err != nil {
			return err
		}
		if err := order.Delete(k); err != nil {
			return err
		}
	}
	log.Debug("pruned run history", "removed", len(terminal)-s.limit)
	return nil
}

func decode(data []byte) (*orchestrator.RunResult, error) {
	if data == nil {
		return nil, ErrNotFound
	}
	var r orchestrator.RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &r, nil
}

func (s *Store) Get(id string) (*orchestrator.RunResult, error) {
	var r *orchestrator.RunResult
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = decode(tx.Bucket(runsBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*orchestrator.RunResult, error) {
	var out []*orchestrator.RunResult
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		c := tx.Bucket(orderBucket).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			r, err := decode(runs.Get(id))
			if err != nil {
				log.Warn("skipping unreadable run", "runId", string(id), logging.KeyError, err)
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Interrupted marks every non-terminal run as failed. Called at startup for
// runs that were in flight when the previous process exited.
func (s *Store) Interrupted(now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		var stale []*orchestrator.RunResult
		err := runs.ForEach(func(_, data []byte) error {
			if r, err := decode(data); err == nil && !r.Status.Terminal() {
				stale = append(stale, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range stale {
			r.Status = orchestrator.StatusFailed
			r.Failure = &orchestrator.Failure{Code: orchestrator.CodeInternal, Message: "agent restarted during run"}
			r.FinishedAt = now.UTC()
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := runs.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
