package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/clock"
	"github.com/GaloyMoney/lana-bank-sub002/metrics"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner executes one job attempt. Implementations run inside the bbolt
// transaction the Scheduler opens for that attempt, so a runner's domain
// writes and its execution-state update commit together (spec.md §4.3).
type Runner interface {
	Run(ctx context.Context, tx *storage.Tx, job *Job) (Completion, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, tx *storage.Tx, job *Job) (Completion, error)

func (f RunnerFunc) Run(ctx context.Context, tx *storage.Tx, job *Job) (Completion, error) {
	return f(ctx, tx, job)
}

// Scheduler polls the jobs table once per tick and dispatches the ready jobs
// to the Runner registered for their type, running at most N of them
// concurrently in their own goroutines (spec.md §4.3, §5 "parallel
// cooperative tasks"). Grounded on r3e's automation.Scheduler tick/WaitGroup
// pattern, generalized from one dispatcher to a type->Runner registry.
type Scheduler struct {
	store   *Store
	db      *storage.DB
	clock   clock.ClockHandle
	log     *logrus.Logger
	workers int

	mu       sync.RWMutex
	runners  map[string]Runner

	cronSched *cron.Cron
	wg        sync.WaitGroup
}

// NewScheduler wires a Scheduler over store, using ck as the time source
// (real in production, artificial in tests per spec.md §4.3/§6) and
// executing at most workers ready jobs concurrently per tick.
func NewScheduler(store *Store, db *storage.DB, ck clock.ClockHandle, workers int, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		store:   store,
		db:      db,
		clock:   ck,
		log:     log,
		workers: workers,
		runners: make(map[string]Runner),
	}
}

// Register binds a Runner to every job of the given type.
func (s *Scheduler) Register(jobType string, runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[jobType] = runner
}

func (s *Scheduler) runnerFor(jobType string) (Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[jobType]
	return r, ok
}

// Run starts the poll loop on a github.com/robfig/cron/v3 schedule
// (interval-based) and blocks until ctx is cancelled, at which point it
// waits for in-flight workers to finish their current commit before
// returning. A job's Running mark commits in the same transaction as its
// completion, so an attempt that fails or is rolled back leaves the job
// Pending; jobs that hadn't started yet stay Pending too (spec.md §4.3
// "honors a shutdown signal").
func (s *Scheduler) Run(ctx context.Context, pollEvery time.Duration) error {
	c := cron.New(cron.WithSeconds())
	spec := cronSpecForInterval(pollEvery)
	_, err := c.AddFunc(spec, func() { s.tick(ctx) })
	if err != nil {
		return err
	}
	s.cronSched = c
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// cronSpecForInterval renders a "@every" spec robfig/cron understands; kept
// as a helper so the scheduler's public contract stays a plain
// time.Duration instead of leaking cron syntax to callers. robfig/cron
// rounds an @every interval below one second up to one second and drops
// any sub-second remainder, so the scheduler polls at most once a second.
func cronSpecForInterval(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Scheduler) tick(ctx context.Context) {
	ready, err := s.store.Ready(s.clock.Now())
	if err != nil {
		s.log.WithError(err).Warn("job scheduler: failed to list ready jobs")
		return
	}

	sem := make(chan struct{}, s.workers)
	for _, job := range ready {
		job := job
		runner, ok := s.runnerFor(job.Type)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.execute(ctx, runner, job)
		}()
	}
}

func (s *Scheduler) execute(ctx context.Context, runner Runner, job *Job) {
	started := time.Now()
	var completion Completion
	err := s.db.WithinTx(func(tx *storage.Tx) error {
		if err := s.store.MarkRunningInTx(tx, job); err != nil {
			return err
		}
		c, err := runner.Run(ctx, tx, job)
		if err != nil {
			return err
		}
		completion = c
		return s.store.ApplyCompletionInTx(tx, job, completion, s.clock.Now())
	})
	if err != nil {
		metrics.RecordJobRun(job.Type, "error", time.Since(started))
		s.log.WithError(err).WithField("job_id", job.Id).WithField("job_type", job.Type).
			Warn("job execution failed, leaving pending for retry")
		return
	}
	metrics.RecordJobRun(job.Type, completionOutcome(completion.Kind), time.Since(started))
}

// completionOutcome renders a CompletionKind as the metrics label its
// Runner returned, for spec.md §4.0's job-scheduler throughput counter.
func completionOutcome(kind CompletionKind) string {
	switch kind {
	case Complete:
		return "complete"
	case RescheduleNow, RescheduleAt:
		return "rescheduled"
	default:
		return "unknown"
	}
}
