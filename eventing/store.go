package eventing

import (
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"go.etcd.io/bbolt"
)

func nowForRows() time.Time { return time.Now() }

// Store is a per-entity-type event store: one bbolt bucket holding every
// aggregate's event rows, keyed "<id>/<zero-padded-sequence>" so a bucket
// cursor naturally yields one aggregate's events in order and a prefix scan
// finds them (spec.md §4.1 load/persist contract).
type Store[E any] struct {
	db     *storage.DB
	bucket []byte
}

// NewStore opens (creating if absent) the named bucket for aggregate type E.
func NewStore[E any](db *storage.DB, bucketName string) (*Store[E], error) {
	bucket := []byte(bucketName)
	if err := db.EnsureBuckets(bucket); err != nil {
		return nil, err
	}
	return &Store[E]{db: db, bucket: bucket}, nil
}

func rowKey(id string, sequence int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", id, sequence))
}

func rowPrefix(id string) []byte {
	return []byte(id + "/")
}

// Load reconstitutes an aggregate's event stream by replaying every row for
// id, in sequence order. Returns ErrNotFound if no events exist.
func (s *Store[E]) Load(id string) (*EntityEvents[E], error) {
	var ee *EntityEvents[E]
	err := s.db.View(func(tx *storage.Tx) error {
		loaded, err := s.loadInTx(tx, id)
		if err != nil {
			return err
		}
		ee = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ee, nil
}

// LoadInTx is the same as Load but participates in a caller-supplied
// transaction, so a command handler can load-then-persist atomically.
func (s *Store[E]) LoadInTx(tx *storage.Tx, id string) (*EntityEvents[E], error) {
	return s.loadInTx(tx, id)
}

func (s *Store[E]) loadInTx(tx *storage.Tx, id string) (*EntityEvents[E], error) {
	b := tx.Bucket(s.bucket)
	c := b.Cursor()
	prefix := rowPrefix(id)
	var rows []Recorded[E]
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		r, err := unmarshalRow[E](v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return hydrate[E](id, rows), nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Persist appends exactly the pending events on ee, assigning the next
// sequence numbers under optimistic concurrency: if another writer already
// claimed the next sequence this call fails with ErrConcurrentModification
// and ee is left unmodified so the caller can reload and retry.
func (s *Store[E]) Persist(tx *storage.Tx, ee *EntityEvents[E]) error {
	if !ee.HasPending() {
		return nil
	}
	b := tx.Bucket(s.bucket)

	expectedNext := ee.LastSequence() + 1
	actualNext, err := s.nextSequence(b, ee.Id)
	if err != nil {
		return err
	}
	if actualNext != expectedNext {
		return ErrConcurrentModification
	}

	seq := expectedNext
	now := nowForRows()
	var appended []Recorded[E]
	for _, event := range ee.pending {
		data, err := marshalRow(seq, event, now)
		if err != nil {
			return err
		}
		if err := b.Put(rowKey(ee.Id, seq), data); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		appended = append(appended, Recorded[E]{Sequence: seq, Event: event, RecordedAt: now})
		seq++
	}
	ee.persisted = append(ee.persisted, appended...)
	ee.pending = nil
	return nil
}

// nextSequence scans for the highest existing sequence for id and returns
// one past it (1 when the stream is empty).
func (s *Store[E]) nextSequence(b *bbolt.Bucket, id string) (int, error) {
	c := b.Cursor()
	prefix := rowPrefix(id)
	highest := 0
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		r, err := unmarshalRow[E](v)
		if err != nil {
			return 0, err
		}
		if r.Sequence > highest {
			highest = r.Sequence
		}
	}
	return highest + 1, nil
}

// ListIds does a deterministic, cursor-paginated scan of every distinct
// aggregate id that has at least one event, ordered lexically (spec.md §4.1
// "load-many path"). cursor is the last id seen, "" for the first page.
func (s *Store[E]) ListIds(cursor string, limit int) (ids []string, nextCursor string, err error) {
	err = s.db.View(func(tx *storage.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		var lastID string
		seek := []byte(cursor)
		if cursor != "" {
			// position just past the cursor's own rows
			seek = append(seek, 0xFF)
		}
		for k, _ := c.Seek(seek); k != nil; k, _ = c.Next() {
			id := idFromKey(k)
			if id == lastID {
				continue
			}
			lastID = id
			ids = append(ids, id)
			if len(ids) == limit {
				nextCursor = id
				break
			}
		}
		return nil
	})
	return ids, nextCursor, err
}

func idFromKey(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '/' {
			return string(k[:i])
		}
	}
	return string(k)
}
