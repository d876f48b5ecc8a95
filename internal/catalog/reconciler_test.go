package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tillcode/tillgrid/internal/domain"
	bolt "go.etcd.io/bbolt"
)

func products(ids ...int64) []domain.Product {
	var out []domain.Product
	for _, id := range ids {
		out = append(out, domain.Product{ID: id, Name: "p", Price: 1000})
	}
	return out
}

func TestReducerServerSnapshotAlwaysAccepted(t *testing.T) {
	r := NewReducer(nil)

	require.True(t, r.Apply(Snapshot{Items: products(1, 2), Provenance: FromServer}))
	require.Len(t, r.Accepted(), 2)

	// an empty server snapshot really does empty the catalog
	require.True(t, r.Apply(Snapshot{Items: nil, Provenance: FromServer}))
	require.Empty(t, r.Accepted())
}

func TestReducerEmptyCacheSnapshotRejectedAfterNonEmpty(t *testing.T) {
	r := NewReducer(nil)

	// before anything non-empty was accepted, empty cache reads pass through
	require.True(t, r.Apply(Snapshot{Items: nil, Provenance: FromCache}))

	require.True(t, r.Apply(Snapshot{Items: products(1, 2, 3), Provenance: FromCache}))
	require.Len(t, r.Accepted(), 3)

	// a transient empty cache read must not blank the menu
	require.False(t, r.Apply(Snapshot{Items: nil, Provenance: FromCache}))
	require.Len(t, r.Accepted(), 3)

	// non-empty cache snapshots are accepted normally
	require.True(t, r.Apply(Snapshot{Items: products(9), Provenance: FromCache}))
	require.Len(t, r.Accepted(), 1)
}

func TestReducerHighWaterSurvivesEmptyServerSnapshot(t *testing.T) {
	r := NewReducer(nil)
	require.True(t, r.Apply(Snapshot{Items: products(1), Provenance: FromServer}))
	require.True(t, r.Apply(Snapshot{Items: nil, Provenance: FromServer}))

	// the catalog is legitimately empty now, but the empty-cache guard stays armed
	require.False(t, r.Apply(Snapshot{Items: nil, Provenance: FromCache}))
}

func TestReducerSeededFromRestoredList(t *testing.T) {
	r := NewReducer(products(1, 2))
	require.True(t, r.SeenNonEmpty())
	require.False(t, r.Apply(Snapshot{Items: nil, Provenance: FromCache}))
}

func openTestBolt(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "catalog.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCachePersistsAcceptedList(t *testing.T) {
	db := openTestBolt(t)

	c, err := NewCache(db)
	require.NoError(t, err)
	require.NoError(t, c.Offer(Snapshot{Items: products(1, 2, 3), Provenance: FromServer}))

	// reopen over the same bolt handle: accepted list and guard survive
	c2, err := NewCache(db)
	require.NoError(t, err)
	require.Len(t, c2.List(), 3)

	require.NoError(t, c2.Offer(Snapshot{Items: nil, Provenance: FromCache}))
	require.Len(t, c2.List(), 3, "rejected snapshot must not change the accepted list")
}

func TestCacheIndexLookup(t *testing.T) {
	db := openTestBolt(t)

	c, err := NewCache(db)
	require.NoError(t, err)
	require.NoError(t, c.Offer(Snapshot{
		Items: []domain.Product{
			{ID: 7, Name: "espresso", Price: 18000},
			{ID: 9, Name: "cappuccino", Price: 25000},
		},
		Provenance: FromServer,
	}))

	p, found := c.Get(9)
	require.True(t, found)
	require.Equal(t, "cappuccino", p.Name)

	_, found = c.Get(42)
	require.False(t, found)
}

func TestCacheRunConsumesSnapshotStream(t *testing.T) {
	db := openTestBolt(t)

	c, err := NewCache(db)
	require.NoError(t, err)

	snapshots := make(chan Snapshot)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), snapshots)
		close(done)
	}()

	snapshots <- Snapshot{Items: products(1, 2), Provenance: FromServer}
	snapshots <- Snapshot{Items: nil, Provenance: FromCache}
	close(snapshots)
	<-done

	require.Len(t, c.List(), 2)
}

func TestCacheRunStopsOnCancel(t *testing.T) {
	db := openTestBolt(t)

	c, err := NewCache(db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, make(chan Snapshot))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not observe cancellation")
	}
}

func TestCacheGuardSurvivesRestartAfterEmptyServerSnapshot(t *testing.T) {
	db := openTestBolt(t)

	c, err := NewCache(db)
	require.NoError(t, err)
	require.NoError(t, c.Offer(Snapshot{Items: products(1), Provenance: FromServer}))
	require.NoError(t, c.Offer(Snapshot{Items: nil, Provenance: FromServer}))

	c2, err := NewCache(db)
	require.NoError(t, err)
	require.Empty(t, c2.List())
	// even though the persisted list is empty, the restored guard still
	// rejects empty cache reads
	require.NoError(t, c2.Offer(Snapshot{Items: nil, Provenance: FromCache}))
	require.Empty(t, c2.List())
	require.True(t, c2.reducer.SeenNonEmpty())
}
