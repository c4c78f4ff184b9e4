package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lmsforum-sync/internal/domain"

	bolt "go.etcd.io/bbolt"
)

var pendingBucket = []byte("pending")

var ErrEntryNotFound = errors.New("outbox entry not found")

// Entry is a publish request that could not reach the broker.
type Entry struct {
	ID        uint64                `json:"id"`
	Request   domain.PublishRequest `json:"request"`
	Attempts  int                   `json:"attempts"`
	LastError string                `json:"last_error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// Outbox is a local, crash-safe spool of publish requests backed by bbolt.
type Outbox struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(path string) (*Outbox, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create outbox directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}

	return &Outbox{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (o *Outbox) Put(req domain.PublishRequest) (uint64, error) {
	var id uint64
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq

		data, err := json.Marshal(Entry{ID: id, Request: req, CreatedAt: o.now()})
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to spool publish request: %w", err)
	}
	return id, nil
}

// Pending returns up to limit entries, oldest first.
func (o *Outbox) Pending(limit int) ([]Entry, error) {
	var entries []Entry
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode outbox entry %d: %w", btoi(k), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *Outbox) Delete(id uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(itob(id))
	})
}

// MarkFailed bumps the attempt count of an entry and records cause.
func (o *Outbox) MarkFailed(id uint64, cause error) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		raw := b.Get(itob(id))
		if raw == nil {
			return ErrEntryNotFound
		}

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

func (o *Outbox) Len() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
