// Package jobs is the persistent job scheduler from spec.md §4.3: jobs carry
// a type, JSON config, JSON execution state, a state machine
// (Pending/Running/Complete), and an execute_at instant. Completion kinds
// (Complete/RescheduleNow/RescheduleAt) let a runner hand control back to the
// scheduler without losing its place.
//
// Grounded on r3e-network-service_layer's automation.Scheduler (goroutine
// poll loop, WaitGroup-supervised worker fan-out, graceful Stop) generalized
// to the spec's persisted-job contract, and wrapped around
// github.com/robfig/cron/v3's tick primitive for the poll interval (the pack
// repo that owns that dependency).
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/google/uuid"
)

var bucketJobs = []byte("jobs")

// State is a job's position in the Pending -> Running -> Complete machine.
type State string

const (
	StatePending  State = "PENDING"
	StateRunning  State = "RUNNING"
	StateComplete State = "COMPLETE"
)

// Job is one persisted unit of scheduled work.
type Job struct {
	Id            string          `json:"id"`
	Type          string          `json:"type"`
	Config        json.RawMessage `json:"config"`
	ExecutionState json.RawMessage `json:"execution_state,omitempty"`
	State         State           `json:"state"`
	ExecuteAt     time.Time       `json:"execute_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CompletionKind is what a runner returns after one execution attempt.
type CompletionKind int

const (
	// Complete marks the job terminal; it will never run again.
	Complete CompletionKind = iota
	// RescheduleNow re-enqueues the job for the next poll, immediately.
	RescheduleNow
	// RescheduleAt re-enqueues the job for a specific future instant.
	RescheduleAt
)

// Completion is a runner's verdict for one execution attempt.
type Completion struct {
	Kind          CompletionKind
	At            time.Time       // meaningful only for RescheduleAt
	ExecutionState json.RawMessage // replaces the job's persisted execution state
}

// CompleteJob signals the job is finished and will never run again.
func CompleteJob() Completion { return Completion{Kind: Complete} }

// Reschedule signals the job should run again immediately.
func Reschedule() Completion { return Completion{Kind: RescheduleNow} }

// RescheduleAtTime signals the job should run again at t.
func RescheduleAtTime(t time.Time) Completion {
	return Completion{Kind: RescheduleAt, At: t}
}

func jobKey(id string) []byte { return []byte(id) }

// Store persists jobs in a bbolt bucket.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) (*Store, error) {
	if err := db.EnsureBuckets(bucketJobs); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SpawnInTx creates a job, either for immediate execution (executeAt zero
// value defaults to now) or at a specified instant, within the caller's
// transaction so it commits with whatever domain mutation requested it
// (spec.md §4.3 "Spawns").
func (s *Store) SpawnInTx(tx *storage.Tx, jobType string, config any, executeAt time.Time, now time.Time) (*Job, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}
	if executeAt.IsZero() {
		executeAt = now
	}
	job := &Job{
		Id:        uuid.NewString(),
		Type:      jobType,
		Config:    data,
		State:     StatePending,
		ExecuteAt: executeAt,
		CreatedAt: now,
	}
	if err := s.putInTx(tx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) putInTx(tx *storage.Tx, job *Job) error {
	row, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return tx.Bucket(bucketJobs).Put(jobKey(job.Id), row)
}

// Get loads a job by id.
func (s *Store) Get(id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *storage.Tx) error {
		v := tx.Bucket(bucketJobs).Get(jobKey(id))
		if v == nil {
			return fmt.Errorf("job %s not found", id)
		}
		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		job = &j
		return nil
	})
	return job, err
}

// Ready returns every job with state Pending and ExecuteAt <= asOf
// (spec.md §4.3 "Polls ready jobs").
func (s *Store) Ready(asOf time.Time) ([]*Job, error) {
	var ready []*Job
	err := s.db.View(func(tx *storage.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.State == StatePending && !j.ExecuteAt.After(asOf) {
				ready = append(ready, &j)
			}
			return nil
		})
	})
	return ready, err
}

// MarkRunningInTx transitions a job to Running within tx.
func (s *Store) MarkRunningInTx(tx *storage.Tx, job *Job) error {
	job.State = StateRunning
	return s.putInTx(tx, job)
}

// ApplyCompletionInTx updates execution state and transitions the job
// per-completion within tx, so the update commits atomically with any
// domain mutation the job's execution performed (spec.md §4.3 "Updates
// execution state").
func (s *Store) ApplyCompletionInTx(tx *storage.Tx, job *Job, completion Completion, now time.Time) error {
	if completion.ExecutionState != nil {
		job.ExecutionState = completion.ExecutionState
	}
	switch completion.Kind {
	case Complete:
		job.State = StateComplete
	case RescheduleNow:
		job.State = StatePending
		job.ExecuteAt = now
	case RescheduleAt:
		job.State = StatePending
		job.ExecuteAt = completion.At
	}
	return s.putInTx(tx, job)
}
