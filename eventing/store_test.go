package eventing

import (
	"path/filepath"
	"testing"

	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

type widgetCreated struct {
	Name string `json:"name"`
}

type widgetRenamed struct {
	Name string `json:"name"`
}

func openTestStore(t *testing.T) *Store[any] {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore[any](db, "widget_events")
	require.NoError(t, err)
	return s
}

func TestPersistThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)

	ee := NewEntityEvents[any]("widget-1")
	ee.Push(widgetCreated{Name: "gadget"})
	ee.Push(widgetRenamed{Name: "gizmo"})

	err := s.db.WithinTx(func(tx *storage.Tx) error {
		return s.Persist(tx, ee)
	})
	require.NoError(t, err)
	require.Equal(t, 2, ee.LastSequence())
	require.False(t, ee.HasPending())

	loaded, err := s.Load("widget-1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.LastSequence())
	require.Len(t, loaded.All(), 2)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPersistDetectsConcurrentModification(t *testing.T) {
	s := openTestStore(t)

	ee := NewEntityEvents[any]("widget-2")
	ee.Push(widgetCreated{Name: "first"})
	require.NoError(t, s.db.WithinTx(func(tx *storage.Tx) error { return s.Persist(tx, ee) }))

	// A second writer that loaded the same snapshot before the first commit
	// tries to append at the same next sequence; simulate by resetting the
	// in-memory LastSequence expectation back to 0 pending events built on
	// stale state.
	stale := NewEntityEvents[any]("widget-2")
	stale.Push(widgetRenamed{Name: "stolen"})

	err := s.db.WithinTx(func(tx *storage.Tx) error { return s.Persist(tx, stale) })
	require.ErrorIs(t, err, ErrConcurrentModification)
}

func TestListIdsPaginatesDeterministically(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		ee := NewEntityEvents[any](id)
		ee.Push(widgetCreated{Name: id})
		require.NoError(t, s.db.WithinTx(func(tx *storage.Tx) error { return s.Persist(tx, ee) }))
	}

	page1, cursor1, err := s.ListIds("", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, page1)
	require.Equal(t, "b", cursor1)

	page2, cursor2, err := s.ListIds(cursor1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, page2)
	require.Equal(t, "", cursor2)
}
