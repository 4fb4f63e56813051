// Package cooldown persists last-run timestamps for rate-limited
// background stages, so cooldowns survive restarts.
package cooldown

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("cooldowns")

// Store is a small key-value store of named timestamps.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cooldown store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cooldown bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastRun returns the stored timestamp for a name, if any.
func (s *Store) LastRun(name string) (time.Time, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(name)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if raw == nil {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp for %q: %w", name, err)
	}
	return t, true, nil
}

// Elapsed reports whether the cooldown for a name has expired. A name
// that was never marked counts as elapsed.
func (s *Store) Elapsed(name string, threshold time.Duration, now time.Time) (bool, error) {
	last, ok, err := s.LastRun(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= threshold, nil
}

// MarkRun stores the timestamp for a name.
func (s *Store) MarkRun(name string, t time.Time) error {
	value := []byte(t.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), value)
	})
}

// Clear removes the stored timestamp for a name.
func (s *Store) Clear(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}
