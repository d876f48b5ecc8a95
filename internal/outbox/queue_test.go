package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/orderstore"
	bolt "go.etcd.io/bbolt"
)

// fakeStore is a concurrency-safe in-memory ledger with failure injection.
type fakeStore struct {
	mu       sync.Mutex
	inserted map[string]int // idempotency key -> insert attempts that landed
	order    []string       // idempotency keys in arrival order
	failNext int
	failErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: map[string]int{}}
}

func (f *fakeStore) Insert(_ context.Context, order *domain.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		if f.failErr != nil {
			return false, f.failErr
		}
		return false, errors.New("connection refused")
	}
	if _, dup := f.inserted[order.IdempotencyKey]; dup {
		f.inserted[order.IdempotencyKey]++
		return false, nil
	}
	f.inserted[order.IdempotencyKey] = 1
	f.order = append(f.order, order.IdempotencyKey)
	return true, nil
}

func (f *fakeStore) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserted[key]
}

type fakeLoyalty struct {
	mu      sync.Mutex
	applied map[string]int
}

func (f *fakeLoyalty) Apply(_ context.Context, customerID string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = map[string]int{}
	}
	f.applied[customerID]++
	return nil
}

func newTestQueue(t *testing.T, store RemoteStore, loyalty LoyaltyApplier) *Queue {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "outbox.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewQueue(db, store, loyalty, "till-01", "agent-01")
	require.NoError(t, err)
	return q
}

func testOrder(total int64) *domain.Order {
	return &domain.Order{
		TableLabel:  "T1",
		TotalAmount: total,
		Items:       []domain.OrderItem{{Name: "espresso", UnitPrice: total, Quantity: 1}},
	}
}

func TestEnqueueForwardsWhenOnline(t *testing.T) {
	store := newFakeStore()
	loyalty := &fakeLoyalty{}
	q := newTestQueue(t, store, loyalty)

	order := testOrder(18000)
	order.CustomerID = "cust-1"
	result, err := q.EnqueueOrForward(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, Confirmed, result)
	require.NotEmpty(t, order.IdempotencyKey)
	require.Equal(t, 1, store.count(order.IdempotencyKey))
	require.Equal(t, 1, loyalty.applied["cust-1"])

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestEnqueueQueuesWhenOffline(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	result, err := q.EnqueueOrForward(context.Background(), testOrder(1000))
	require.NoError(t, err)
	require.Equal(t, Queued, result)

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestEnqueueFallsThroughToQueueOnTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.failNext = 1
	q := newTestQueue(t, store, nil)

	result, err := q.EnqueueOrForward(context.Background(), testOrder(1000))
	require.NoError(t, err, "queueing is a successful acceptance, not an error")
	require.Equal(t, Queued, result)
}

func TestValidationRejectedBeforeQueueing(t *testing.T) {
	q := newTestQueue(t, newFakeStore(), nil)

	_, err := q.EnqueueOrForward(context.Background(), &domain.Order{TotalAmount: 100})
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = q.EnqueueOrForward(context.Background(), &domain.Order{
		TableLabel: "T1",
		Items:      []domain.OrderItem{{Name: "x", UnitPrice: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrInvalidOrder, "non-positive total")

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDrainReplaysInInsertionOrder(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	var keys []string
	for i := 0; i < 3; i++ {
		order := testOrder(int64(1000 * (i + 1)))
		_, err := q.EnqueueOrForward(context.Background(), order)
		require.NoError(t, err)
		keys = append(keys, order.IdempotencyKey)
	}

	drained, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, drained)
	require.Equal(t, keys, store.order, "replay must preserve insertion order")

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDrainStopsOnTransientFailureWithoutSkipping(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	first := testOrder(1000)
	second := testOrder(2000)
	_, err := q.EnqueueOrForward(context.Background(), first)
	require.NoError(t, err)
	_, err = q.EnqueueOrForward(context.Background(), second)
	require.NoError(t, err)

	store.failNext = 2 // first entry fails twice before landing
	drained, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, drained)

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 2, depth, "failed drain must leave the queue intact")

	entries, err := q.Pending()
	require.NoError(t, err)
	require.Equal(t, first.IdempotencyKey, entries[0].IdempotencyKey,
		"re-queued entry must keep its idempotency key")
	require.Equal(t, 1, entries[0].Retry)

	// next drains complete in order
	_, err = q.Drain(context.Background())
	require.NoError(t, err)
	drained, err = q.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, drained)
	require.Equal(t, []string{first.IdempotencyKey, second.IdempotencyKey}, store.order)
}

func TestConcurrentDrainReplaysExactlyOnce(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	var keys []string
	for i := 0; i < 10; i++ {
		order := testOrder(1000)
		_, err := q.EnqueueOrForward(context.Background(), order)
		require.NoError(t, err)
		keys = append(keys, order.IdempotencyKey)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Drain(context.Background())
		}()
	}
	wg.Wait()

	// a second drain invocation collapses into a no-op, so one pass wins
	_, err := q.Drain(context.Background())
	require.NoError(t, err)

	for _, key := range keys {
		require.Equal(t, 1, store.count(key), "order must appear exactly once")
	}
	depth, err := q.Depth()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDrainDropsPermanentlyRejectedEntry(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	bad := testOrder(1000)
	good := testOrder(2000)
	_, err := q.EnqueueOrForward(context.Background(), bad)
	require.NoError(t, err)
	_, err = q.EnqueueOrForward(context.Background(), good)
	require.NoError(t, err)

	store.failNext = 1
	store.failErr = errors.Wrap(orderstore.ErrRejected, "schema violation")
	drained, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drained, "the rejected entry is dropped, the rest drains")
	require.Equal(t, []string{good.IdempotencyKey}, store.order)
}

func TestDrainObservesCancellationBetweenEntries(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	_, err := q.EnqueueOrForward(context.Background(), testOrder(1000))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestReconnectTriggersDrain(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, nil)
	q.SetOnline(context.Background(), false)

	order := testOrder(1000)
	_, err := q.EnqueueOrForward(context.Background(), order)
	require.NoError(t, err)

	q.SetOnline(context.Background(), true)
	require.Eventually(t, func() bool {
		depth, err := q.Depth()
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, store.count(order.IdempotencyKey))
}
