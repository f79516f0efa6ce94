package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	db, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return EnsureBuckets(tx)
	}))
	return New(db)
}

func TestAppendAssignsPerCategoryVersions(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("order", "order-a", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.Append("order", "order-b", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.Append("product", "prod-1", "upsert", json.RawMessage(`{}`)))

	items, err := s.Pending(context.Background(), map[string]uint64{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	// order-a and order-b share the "order" category counter even
	// though they are different entities: this is the fix that makes
	// Welcome.Cursors' single per-category watermark correct.
	require.Equal(t, uint64(1), items[0].Version)
	require.Equal(t, uint64(2), items[1].Version)
	require.Equal(t, uint64(1), items[2].Version) // separate "product" counter
}

func TestPendingFiltersByCursor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append("order", "order-a", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.Append("order", "order-b", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.Append("order", "order-c", "upsert", json.RawMessage(`{}`)))

	items, err := s.Pending(context.Background(), map[string]uint64{"order": 1})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "order-b", items[0].ResourceID)
	require.Equal(t, "order-c", items[1].ResourceID)
}

func TestMarkAckedAdvancesCursorMonotonically(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append("order", "order-a", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.Append("order", "order-b", "upsert", json.RawMessage(`{}`)))

	require.NoError(t, s.MarkAcked(context.Background(), "order", "order-a", 2))
	// A lower/equal ack must not move the cursor backwards.
	require.NoError(t, s.MarkAcked(context.Background(), "order", "order-a", 1))

	items, err := s.Pending(context.Background(), map[string]uint64{"order": 0})
	require.NoError(t, err)
	require.Empty(t, items, "both items are at or below the acked watermark of 2")
}

func TestCursorsReadsAckedWatermark(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append("order", "order-a", "upsert", json.RawMessage(`{}`)))
	require.NoError(t, s.MarkAcked(context.Background(), "order", "order-a", 1))

	var cursors map[string]uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		cursors, err = s.Cursors(tx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), cursors["order"])
}
