package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

var bucketInbox = []byte("inbox_commands")

// ErrAlreadyApplied is returned by Submit when idempotencyKey was already
// seen; it is not an error condition per spec.md §7, just a signal that the
// caller's retry/duplicate send needn't do anything further.
var ErrAlreadyApplied = errors.New("already applied")

// Command is the closed shape of work the inbox accepts, per spec.md §4.2
// ("create-customer, record-deposit, initiate-withdrawal, ..."). Kind
// selects the payload's meaning; Payload is opaque JSON the handler decodes.
type Command struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	Status         CommandStatus   `json:"status"`
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandExecuted  CommandStatus = "EXECUTED"
)

// Inbox provides persist-and-process semantics keyed by idempotency key
// (spec.md §4.2).
type Inbox struct {
	db *storage.DB
}

func NewInbox(db *storage.DB) (*Inbox, error) {
	if err := db.EnsureBuckets(bucketInbox); err != nil {
		return nil, err
	}
	return &Inbox{db: db}, nil
}

// Submit stores payload under idempotencyKey and returns the stored command
// so the caller can enqueue a job to execute it. If the key was already
// seen, ErrAlreadyApplied is returned and the original command is still
// returned for inspection.
func (i *Inbox) Submit(idempotencyKey, kind string, payload any) (*Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload: %w", err)
	}
	var result *Command
	var alreadyApplied bool
	err = i.db.WithinTx(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketInbox)
		key := []byte(idempotencyKey)
		if existing := b.Get(key); existing != nil {
			alreadyApplied = true
			var cmd Command
			if err := json.Unmarshal(existing, &cmd); err != nil {
				return err
			}
			result = &cmd
			return nil
		}
		cmd := Command{
			IdempotencyKey: idempotencyKey,
			Kind:           kind,
			Payload:        data,
			SubmittedAt:    time.Now(),
			Status:         CommandPending,
		}
		row, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := b.Put(key, row); err != nil {
			return err
		}
		result = &cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyApplied {
		return result, ErrAlreadyApplied
	}
	return result, nil
}

// MarkExecuted flips a command to EXECUTED after its handler has run.
// Submit short-circuits a resubmitted idempotency key whatever the stored
// command's status.
func (i *Inbox) MarkExecuted(idempotencyKey string) error {
	return i.db.WithinTx(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketInbox)
		key := []byte(idempotencyKey)
		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("command %s not found", idempotencyKey)
		}
		var cmd Command
		if err := json.Unmarshal(existing, &cmd); err != nil {
			return err
		}
		cmd.Status = CommandExecuted
		row, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		return b.Put(key, row)
	})
}

// Get retrieves a stored command by idempotency key.
func (i *Inbox) Get(idempotencyKey string) (*Command, error) {
	var cmd *Command
	err := i.db.View(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketInbox)
		v := b.Get([]byte(idempotencyKey))
		if v == nil {
			return fmt.Errorf("command %s not found", idempotencyKey)
		}
		var c Command
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		cmd = &c
		return nil
	})
	return cmd, err
}
