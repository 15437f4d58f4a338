package jobs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/clock"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s, db
}

func TestSpawnAndReady(t *testing.T) {
	store, db := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var job *Job
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		j, err := store.SpawnInTx(tx, "accrue", map[string]string{"facility": "f1"}, time.Time{}, now)
		job = j
		return err
	}))

	ready, err := store.Ready(now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, job.Id, ready[0].Id)

	future, err := store.Ready(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, future)
}

func TestApplyCompletionTransitions(t *testing.T) {
	store, db := openTestStore(t)
	now := time.Now()

	var job *Job
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		j, err := store.SpawnInTx(tx, "accrue", map[string]string{}, time.Time{}, now)
		job = j
		return err
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return store.ApplyCompletionInTx(tx, job, CompleteJob(), now)
	}))

	reloaded, err := store.Get(job.Id)
	require.NoError(t, err)
	require.Equal(t, StateComplete, reloaded.State)
}

func TestSchedulerRerunsRescheduledReadyJobs(t *testing.T) {
	store, db := openTestStore(t)
	ck := clock.NewArtificial(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		_, err := store.SpawnInTx(tx, "tick", map[string]string{}, time.Time{}, ck.Now())
		return err
	}))

	var runs int32
	sched := NewScheduler(store, db, ck, 2, nil)
	sched.Register("tick", RunnerFunc(func(ctx context.Context, tx *storage.Tx, job *Job) (Completion, error) {
		n := atomic.AddInt32(&runs, 1)
		state, _ := json.Marshal(map[string]int32{"runs": n})
		if n < 3 {
			return Completion{Kind: RescheduleNow, ExecutionState: state}, nil
		}
		return Completion{Kind: Complete, ExecutionState: state}, nil
	}))

	// robfig/cron's @every fires at most once per second, so three runs
	// take up to three seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sched.Run(ctx, time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, 4500*time.Millisecond, 10*time.Millisecond)
}
