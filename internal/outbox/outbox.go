// Package outbox keeps mail that no provider accepted so it can be replayed
// later.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/relaykit/internal/mail"
)

var bucketName = []byte("undelivered")

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("outbox: message not found")

// Entry is a parked message.
type Entry struct {
	Message  mail.Message `json:"message"`
	Reason   string       `json:"reason,omitempty"`
	QueuedAt time.Time    `json:"queued_at"`
	Replays  int          `json:"replays"`
}

// Store is a bbolt-backed outbox. Keys are message ids.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open creates the file and its parent directory when missing.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("outbox: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: init bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Put parks msg, replacing any entry with the same id. A previous entry's
// replay count is carried forward.
func (s *Store) Put(msg mail.Message, reason string) error {
	if msg.ID == "" {
		return errors.New("outbox: message id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		entry := Entry{Message: msg, Reason: reason, QueuedAt: s.now().UTC()}
		if raw := b.Get([]byte(msg.ID)); raw != nil {
			var prev Entry
			if err := json.Unmarshal(raw, &prev); err == nil {
				entry.Replays = prev.Replays + 1
				entry.QueuedAt = prev.QueuedAt
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("outbox: encode %s: %w", msg.ID, err)
		}
		return b.Put([]byte(msg.ID), data)
	})
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

// List returns up to limit entries in key order. limit <= 0 means all.
func (s *Store) List(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("outbox: decode %s: %w", k, err)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// Len reports how many messages are parked.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}
