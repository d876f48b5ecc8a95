// Package orderstore is the authoritative order ledger. Inserts are
// deduplicated by the terminal-assigned idempotency key, and status changes
// go through guarded transitions so an order status never moves backward.
package orderstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the referenced order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrIllegalTransition is returned when a status change would move
	// backward or skip a required predecessor.
	ErrIllegalTransition = errors.New("illegal order status transition")
	// ErrRejected marks a permanent insert rejection; the caller must not
	// retry or queue the order.
	ErrRejected = errors.New("order rejected by ledger")
)

// Notifier receives the fire-and-forget confirmation event after an insert.
type Notifier interface {
	OrderConfirmed(order *domain.Order)
}

// Store is the gorm-backed order ledger.
type Store struct {
	db       *gorm.DB
	notifier Notifier
}

func NewStore(db *gorm.DB, notifier Notifier) *Store {
	return &Store{db: db, notifier: notifier}
}

// Insert appends a confirmed order. A re-delivery with an idempotency key
// already present in the ledger is a successful no-op, not an error; the
// returned flag tells the caller whether a new row was actually written so
// follow-up side effects run at most once.
func (s *Store) Insert(ctx context.Context, order *domain.Order) (inserted bool, err error) {
	if order.IdempotencyKey == "" {
		return false, errors.Wrap(ErrRejected, "missing idempotency key")
	}

	var existing domain.Order
	err = s.db.WithContext(ctx).
		Where("idempotency_key = ?", order.IdempotencyKey).
		First(&existing).Error
	switch {
	case err == nil:
		zap.L().Info("duplicate order insert ignored",
			zap.String("order_id", existing.ID),
			zap.String("idempotency_key", order.IdempotencyKey))
		metrics.IncrCounter("orders_insert_deduped", 1)
		return false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, errors.Wrap(err, "lookup order by idempotency key")
	}

	order.Status = domain.OrderSent
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return false, errors.Wrap(err, "insert order")
	}
	metrics.IncrCounter("orders_inserted", 1)

	if s.notifier != nil {
		s.notifier.OrderConfirmed(order)
	}
	return true, nil
}

// Transition moves an order to the target status, enforcing monotonicity
// with a conditional update on the current status.
func (s *Store) Transition(ctx context.Context, orderID, to string) error {
	allowed, ok := domain.OrderTransitions[to]
	if !ok {
		return errors.Wrapf(ErrIllegalTransition, "unknown target %q", to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to == domain.OrderPaid {
		updates["paid_at"] = time.Now()
	}

	res := s.db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status IN ?", orderID, allowed).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "transition order")
	}
	if res.RowsAffected == 0 {
		var cur domain.Order
		if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "order %s", orderID)
			}
			return errors.Wrap(err, "transition order")
		}
		if cur.Status == to {
			// already in the target state, treat as idempotent no-op
			zap.L().Info("order already in target status",
				zap.String("order_id", orderID), zap.String("status", to))
			return nil
		}
		return errors.Wrapf(ErrIllegalTransition, "order %s: %s -> %s", orderID, cur.Status, to)
	}
	return nil
}

// MarkPaid settles an order after a completed payment.
func (s *Store) MarkPaid(ctx context.Context, orderID string) error {
	return s.Transition(ctx, orderID, domain.OrderPaid)
}

// Cancel voids an order that has not been paid.
func (s *Store) Cancel(ctx context.Context, orderID string) error {
	return s.Transition(ctx, orderID, domain.OrderCancelled)
}

// Get returns one order with its line items.
func (s *Store) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", orderID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "order %s", orderID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	return &order, nil
}

// List returns orders in reverse creation order with the total row count.
func (s *Store) List(ctx context.Context, page, pageSize int) ([]domain.Order, int64, error) {
	var total int64
	base := s.db.WithContext(ctx).Model(&domain.Order{})
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count orders")
	}
	var orders []domain.Order
	err := base.Preload("Items").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "query orders")
	}
	return orders, total, nil
}

// IsPermanent reports whether an insert failure must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected)
}
