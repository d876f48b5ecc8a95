package catalog

import (
	"context"
	"sync"

	"github.com/google/btree"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bucketCatalog   = []byte("catalog")
	keyAccepted     = []byte("accepted")
	keySeenNonEmpty = []byte("seen_nonempty")
)

// Cache is the durable read-through projection of the remote catalog.
// Writes go through the reducer; the accepted list is persisted to bbolt and
// indexed in memory for point lookups by product id.
type Cache struct {
	db *bolt.DB

	mu      sync.RWMutex
	reducer *Reducer
	index   *btree.BTreeG[domain.Product]
}

func byID(a, b domain.Product) bool { return a.ID < b.ID }

// NewCache opens the catalog projection over an already-open bbolt handle
// and restores the previously accepted list.
func NewCache(db *bolt.DB) (*Cache, error) {
	c := &Cache{
		db:    db,
		index: btree.NewG(8, byID),
	}

	var accepted []domain.Product
	seen := false
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketCatalog)
		if err != nil {
			return err
		}
		if raw := b.Get(keyAccepted); raw != nil {
			if err := json.Unmarshal(raw, &accepted); err != nil {
				zap.L().Warn("catalog cache restore failed, starting empty", zap.Error(err))
				accepted = nil
			}
		}
		seen = len(b.Get(keySeenNonEmpty)) > 0
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "open catalog cache")
	}

	c.reducer = NewReducer(accepted)
	if seen && !c.reducer.SeenNonEmpty() {
		// the high-water flag survives even if the accepted list was
		// last persisted empty by a server snapshot
		c.reducer.seenNonEmpty = true
	}
	c.rebuildIndex(accepted)
	return c, nil
}

// Offer folds one snapshot into the accepted list, persisting it when it
// is accepted. Rejections are informational, not errors.
func (c *Cache) Offer(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reducer.Apply(snap) {
		metrics.IncrCounter("catalog_snapshot_rejected", 1)
		zap.L().Info("rejected empty from-cache catalog snapshot",
			zap.Int("retained", len(c.reducer.Accepted())))
		return nil
	}

	accepted := c.reducer.Accepted()
	raw, err := json.Marshal(accepted)
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		if err := b.Put(keyAccepted, raw); err != nil {
			return err
		}
		if c.reducer.SeenNonEmpty() {
			return b.Put(keySeenNonEmpty, []byte{1})
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "persist catalog")
	}

	c.rebuildIndex(accepted)
	metrics.SetGauge("catalog_accepted_products", int64(len(accepted)))
	zap.L().Debug("accepted catalog snapshot",
		zap.String("provenance", snap.Provenance.String()),
		zap.Int("products", len(accepted)))
	return nil
}

// Run consumes the snapshot stream until ctx is done or the channel closes.
func (c *Cache) Run(ctx context.Context, snapshots <-chan Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := c.Offer(snap); err != nil {
				zap.L().Error("catalog snapshot apply failed", zap.Error(err))
			}
		}
	}
}

// Get returns the accepted product with the given id.
func (c *Cache) Get(id int64) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Get(domain.Product{ID: id})
}

// List returns the accepted product list ordered by id.
func (c *Cache) List() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Product, 0, c.index.Len())
	c.index.Ascend(func(p domain.Product) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (c *Cache) rebuildIndex(accepted []domain.Product) {
	c.index.Clear(false)
	for _, p := range accepted {
		c.index.ReplaceOrInsert(p)
	}
}
