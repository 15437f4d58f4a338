// Package outbox implements the transactional outbox and inbox from
// spec.md §4.2: persistent messages are written in the same database
// transaction as the aggregate mutation that produced them, and handlers
// track their own durable cursor so they can resume after a restart.
// Ephemeral messages are delivered at most once, best-effort, for things
// like price-feed ticks (spec.md §6 "Price... publishes PriceUpdated
// ephemeral events").
//
// Grounded on the teacher's EventStore/EventProcessor split (event_store.go):
// CreateEvent+ProcessEvent there is generalized here into
// Publish (same transaction as the mutation) and a per-handler cursor so
// many independent subscribers can replay the same log at their own pace,
// which the teacher's single EventProcessor does not support.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/metrics"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/google/uuid"
)

var (
	bucketPersistent = []byte("outbox_persistent")
	bucketCursors    = []byte("outbox_cursors")
)

// Message is one persistent, sequenced outbox record.
type Message struct {
	Sequence   uint64          `json:"sequence"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
	// TraceID propagates span context across the async handler boundary,
	// per spec.md §4.2 "trace context is injected into each record".
	TraceID string `json:"trace_id,omitempty"`
}

// Outbox is the shared publisher every aggregate mutation writes through.
type Outbox struct {
	db *storage.DB

	mu          sync.Mutex
	subscribers []chan Message // ephemeral, best-effort fan-out
}

// New opens the outbox's buckets on db.
func New(db *storage.DB) (*Outbox, error) {
	if err := db.EnsureBuckets(bucketPersistent, bucketCursors); err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// PublishPersistentInTx appends a durable, sequenced message within the
// caller's transaction so it commits atomically with the aggregate mutation
// that produced it (spec.md §4.2).
func (o *Outbox) PublishPersistentInTx(tx *storage.Tx, kind string, payload any, traceID string) error {
	b := tx.Bucket(bucketPersistent)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	seq, err := nextSequence(tx)
	if err != nil {
		return err
	}
	msg := Message{
		Sequence:   seq,
		Kind:       kind,
		Payload:    data,
		RecordedAt: time.Now(),
		TraceID:    traceID,
	}
	row, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}
	return b.Put(seqKey(seq), row)
}

func nextSequence(tx *storage.Tx) (uint64, error) {
	b := tx.Bucket(bucketPersistent)
	c := b.Cursor()
	k, _ := c.Last()
	if k == nil {
		return 1, nil
	}
	var highest Message
	// Last key is the highest sequence by construction of seqKey's fixed
	// width zero-padded encoding.
	v := b.Get(k)
	if err := json.Unmarshal(v, &highest); err != nil {
		return 0, fmt.Errorf("read last outbox sequence: %w", err)
	}
	return highest.Sequence + 1, nil
}

// PublishEphemeral delivers msg at most once to every currently-registered
// ephemeral subscriber, best effort (spec.md §4.2). It never touches
// storage and is safe to call outside any transaction.
func (o *Outbox) PublishEphemeral(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Message{Kind: kind, Payload: data, RecordedAt: time.Now()}
	o.mu.Lock()
	subs := append([]chan Message(nil), o.subscribers...)
	o.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// best-effort: a slow ephemeral subscriber drops messages
			// rather than blocking the publisher.
		}
	}
}

// SubscribeEphemeral registers a channel for best-effort ephemeral delivery.
// The returned cancel function unregisters it.
func (o *Outbox) SubscribeEphemeral(buffer int) (ch <-chan Message, cancel func()) {
	c := make(chan Message, buffer)
	o.mu.Lock()
	o.subscribers = append(o.subscribers, c)
	o.mu.Unlock()
	return c, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subscribers {
			if s == c {
				o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
				close(c)
				return
			}
		}
	}
}

// cursorKey and cursor persistence -----------------------------------------

func cursorKeyFor(handler string) []byte { return []byte(handler) }

// LastSequence returns handler's durable cursor, 0 if it has never advanced.
func (o *Outbox) LastSequence(handler string) (uint64, error) {
	var seq uint64
	err := o.db.View(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketCursors)
		v := b.Get(cursorKeyFor(handler))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &seq)
	})
	return seq, err
}

// advanceCursorInTx records handler's new cursor position within tx, so the
// cursor update commits atomically with whatever side effect the handler
// just produced.
func advanceCursorInTx(tx *storage.Tx, handler string, seq uint64) error {
	b := tx.Bucket(bucketCursors)
	data, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	return b.Put(cursorKeyFor(handler), data)
}

// Poll reads every persistent message with sequence strictly greater than
// handler's durable cursor, in sequence order (spec.md §4.2, §5 "per-publisher
// FIFO").
func (o *Outbox) Poll(handler string, limit int) ([]Message, error) {
	last, err := o.LastSequence(handler)
	if err != nil {
		return nil, err
	}
	var out []Message
	err = o.db.View(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketPersistent)
		c := b.Cursor()
		for k, v := c.Seek(seqKey(last + 1)); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.Sequence <= last {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, err
}

// Handler processes one outbox message. Handlers must be idempotent: being
// re-delivered a message whose effect is already reflected in target state
// is a no-op (spec.md §9 "idempotency everywhere").
type Handler func(ctx context.Context, msg Message) error

// Run polls for new messages on an interval and invokes handler for each,
// advancing the durable cursor after every successful call. A handler that
// fails leaves the cursor where it was, so the same message is retried on
// the next poll (spec.md §4.2).
func (o *Outbox) Run(ctx context.Context, name string, interval time.Duration, handler Handler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runOnce(ctx, name, handler)
		}
	}
}

func (o *Outbox) runOnce(ctx context.Context, name string, handler Handler) {
	msgs, err := o.Poll(name, 100)
	if err != nil {
		return
	}
	if len(msgs) > 0 {
		metrics.RecordOutboxPoll(name, len(msgs), time.Since(msgs[0].RecordedAt))
	} else {
		metrics.RecordOutboxPoll(name, 0, 0)
	}
	for _, msg := range msgs {
		if err := handler(ctx, msg); err != nil {
			return // stop at the first failure; retried next poll
		}
		_ = o.db.WithinTx(func(tx *storage.Tx) error {
			return advanceCursorInTx(tx, name, msg.Sequence)
		})
	}
}

// NewTraceID mints an opaque trace identifier for span propagation.
func NewTraceID() string { return uuid.NewString() }
