// Package outbox is the durable per-terminal queue of not-yet-confirmed
// orders. An order is either forwarded straight to the order ledger or, when
// the terminal is offline, persisted locally and replayed in FIFO order once
// connectivity returns. Replay reuses the idempotency key minted at capture
// time so the ledger sees each logical order exactly once.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/orderstore"
	"github.com/tillcode/tillgrid/pkg/common"
	"github.com/tillcode/tillgrid/pkg/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidOrder rejects an order before it enters the queue. Surfaced to
// the operator synchronously.
var ErrInvalidOrder = errors.New("invalid order")

// Result of accepting an order at the terminal.
type Result int

const (
	// Confirmed means the ledger acknowledged the insert directly.
	Confirmed Result = iota
	// Queued means the order was durably accepted locally for later replay.
	Queued
)

func (r Result) String() string {
	if r == Confirmed {
		return "confirmed"
	}
	return "queued"
}

// Entry is one serialized order waiting for replay.
type Entry struct {
	Seq            int64        `json:"seq"`
	IdempotencyKey string       `json:"idempotency_key"`
	Order          domain.Order `json:"order"`
	Retry          int          `json:"retry"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
}

// RemoteStore is the subset of the order ledger the queue depends on.
type RemoteStore interface {
	Insert(ctx context.Context, order *domain.Order) (inserted bool, err error)
}

// LoyaltyApplier credits a customer account for a confirmed order.
type LoyaltyApplier interface {
	Apply(ctx context.Context, customerID string, orderTotal int64) error
}

// Queue is the single-writer outbox of one terminal.
type Queue struct {
	db      *bolt.DB
	store   RemoteStore
	loyalty LoyaltyApplier
	node    *snowflake.Node

	terminalID string
	agentID    string
	bucket     []byte

	online  atomic.Bool
	drainMu sync.Mutex
}

// NewQueue opens the outbox bucket for (terminalID, agentID) on an
// already-open bbolt handle.
func NewQueue(db *bolt.DB, store RemoteStore, loyalty LoyaltyApplier, terminalID, agentID string) (*Queue, error) {
	node, err := snowflake.NewNode(2)
	if err != nil {
		return nil, errors.Wrap(err, "outbox id node")
	}
	q := &Queue{
		db:         db,
		store:      store,
		loyalty:    loyalty,
		node:       node,
		terminalID: terminalID,
		agentID:    agentID,
		bucket:     []byte(fmt.Sprintf("outbox/%s/%s", terminalID, agentID)),
	}
	q.online.Store(true)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(q.bucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "open outbox bucket")
	}
	return q, nil
}

// Online reports the last known connectivity state.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// SetOnline records a connectivity change. The offline-to-online transition
// kicks off a drain in the background.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	was := q.online.Swap(online)
	if !was && online {
		go func() {
			if _, err := q.Drain(ctx); err != nil {
				zap.L().Warn("outbox drain after reconnect failed", zap.Error(err))
			}
		}()
	}
}

// EnqueueOrForward accepts one order. Online, it attempts a direct ledger
// insert; the confirmed order triggers loyalty crediting when a customer is
// attached. Any transient failure falls through to durable local queueing,
// which is a successful acceptance, never an operator-visible error. Only
// validation failures and local durable-storage failures are returned.
func (q *Queue) EnqueueOrForward(ctx context.Context, order *domain.Order) (Result, error) {
	if err := validate(order); err != nil {
		return 0, err
	}
	q.prepare(order)

	if q.online.Load() {
		inserted, err := q.store.Insert(ctx, order)
		if err == nil {
			if inserted {
				q.applyLoyalty(ctx, order)
			}
			metrics.IncrCounter("outbox_forwarded", 1)
			return Confirmed, nil
		}
		if orderstore.IsPermanent(err) {
			return 0, err
		}
		zap.L().Warn("direct order insert failed, queueing locally",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	if err := q.queue(order); err != nil {
		return 0, err
	}
	return Queued, nil
}

// queue durably appends the order. The write itself failing (e.g. disk
// full) is the only hard error.
func (q *Queue) queue(order *domain.Order) error {
	seq := q.node.Generate().Int64()
	entry := Entry{
		Seq:            seq,
		IdempotencyKey: order.IdempotencyKey,
		Order:          *order,
		EnqueuedAt:     time.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode outbox entry")
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Put(seqKey(seq), raw)
	})
	if err != nil {
		return errors.Wrap(err, "outbox durable write")
	}
	metrics.IncrCounter("outbox_queued", 1)
	zap.L().Info("order queued for replay",
		zap.String("order_id", order.ID),
		zap.String("idempotency_key", order.IdempotencyKey))
	return nil
}

// Drain replays queued entries in insertion order. A second concurrent
// drain collapses into a no-op. On the first failed insert the remaining
// queue is left intact so replay order is preserved; cancellation is
// observed only between entries, never mid-entry.
func (q *Queue) Drain(ctx context.Context) (drained int, err error) {
	if !q.drainMu.TryLock() {
		return 0, nil
	}
	defer q.drainMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return drained, ctx.Err()
		default:
		}

		entry, found, err := q.head()
		if err != nil {
			return drained, err
		}
		if !found {
			break
		}

		order := entry.Order
		inserted, err := q.store.Insert(ctx, &order)
		if err != nil {
			if orderstore.IsPermanent(err) {
				// never replayable, drop with a warning and continue
				zap.L().Warn("dropping permanently rejected outbox entry",
					zap.String("order_id", order.ID), zap.Error(err))
				if derr := q.remove(entry.Seq); derr != nil {
					return drained, derr
				}
				continue
			}
			if rerr := q.bumpRetry(entry); rerr != nil {
				zap.L().Error("outbox retry counter update failed", zap.Error(rerr))
			}
			zap.L().Info("outbox drain paused on transient failure",
				zap.String("order_id", order.ID),
				zap.Int("retry", entry.Retry+1),
				zap.Error(err))
			return drained, nil
		}

		if inserted {
			q.applyLoyalty(ctx, &order)
		}
		if err := q.remove(entry.Seq); err != nil {
			return drained, err
		}
		drained++
		metrics.IncrCounter("outbox_drained", 1)
	}

	if drained > 0 {
		zap.L().Info("outbox drained", zap.Int("entries", drained))
	}
	return drained, nil
}

// Depth returns the number of entries waiting for replay.
func (q *Queue) Depth() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(q.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Pending returns the queued entries in replay order.
func (q *Queue) Pending() ([]Entry, error) {
	var entries []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "read outbox")
	}
	return entries, nil
}

func (q *Queue) head() (Entry, bool, error) {
	var entry Entry
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(q.bucket).Cursor().First()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "read outbox head")
	}
	return entry, found, nil
}

func (q *Queue) remove(seq int64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Delete(seqKey(seq))
	})
	return errors.Wrap(err, "remove outbox entry")
}

// bumpRetry rewrites the entry in place, under the same key, so the
// idempotency key and replay position are preserved.
func (q *Queue) bumpRetry(entry Entry) error {
	entry.Retry++
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Put(seqKey(entry.Seq), raw)
	})
}

func (q *Queue) applyLoyalty(ctx context.Context, order *domain.Order) {
	if q.loyalty == nil || order.CustomerID == "" {
		return
	}
	if err := q.loyalty.Apply(ctx, order.CustomerID, order.TotalAmount); err != nil {
		zap.L().Error("loyalty credit failed",
			zap.String("order_id", order.ID),
			zap.String("customer_id", order.CustomerID),
			zap.Error(err))
	}
}

// prepare assigns the order identity and idempotency key at capture time.
// A re-queue after a failed send keeps the key already assigned.
func (q *Queue) prepare(order *domain.Order) {
	if order.ID == "" {
		order.ID = common.UUIDstr()
	}
	if order.TerminalID == "" {
		order.TerminalID = q.terminalID
	}
	if order.AgentID == "" {
		order.AgentID = q.agentID
	}
	if order.IdempotencyKey == "" {
		order.IdempotencyKey = fmt.Sprintf("%s-%s-%d", q.terminalID, q.agentID, q.node.Generate().Int64())
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
}

func validate(order *domain.Order) error {
	if order == nil {
		return errors.Wrap(ErrInvalidOrder, "nil order")
	}
	if len(order.Items) == 0 {
		return errors.Wrap(ErrInvalidOrder, "no line items")
	}
	if order.TotalAmount <= 0 {
		return errors.Wrap(ErrInvalidOrder, "non-positive total")
	}
	if order.TableLabel == "" && order.DeliveryAddress == "" {
		return errors.Wrap(ErrInvalidOrder, "missing table label or delivery address")
	}
	return nil
}

// seqKey renders the sequence as a fixed-width key so bbolt cursor order is
// insertion order.
func seqKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
