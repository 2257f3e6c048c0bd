// Package journal records keybox mutations in a BBolt database.
//
// Each keybox file gets its own bucket. Entries are keyed by the bucket
// sequence, so listing a bucket returns them in the order they were
// appended.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironcard/internal/uuid"
)

// ErrNotFound is returned when a keybox has no journal.
var ErrNotFound = errors.New("journal not found")

// Entry describes one keybox mutation.
type Entry struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	Path   string    `json:"path"`
	Offset int64     `json:"offset"`
	Length int       `json:"length"`
	Secret bool      `json:"secret"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Store is a journal backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens the BBolt database at path and returns a Store over it.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores e under its keybox path. A missing ID or time is filled in
// and written back to e.
func (s *Store) Append(e *Entry) error {
	if e.Path == "" {
		return errors.New("journal entry without path")
	}
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(e.Path))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// List returns the entries recorded for the keybox at path, oldest first.
func (s *Store) List(path string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Paths returns every keybox path that has a journal.
func (s *Store) Paths() ([]string, error) {
	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			paths = append(paths, string(name))
			return nil
		})
	})
	return paths, err
}

// Truncate drops the journal of the keybox at path.
func (s *Store) Truncate(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(path)) == nil {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return tx.DeleteBucket([]byte(path))
	})
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
