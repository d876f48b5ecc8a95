// Package payment reconciles provider callbacks against payment
// transactions. Callbacks arrive over an untrusted at-least-once channel and
// may race ahead of the transaction's own creation write; the engine applies
// each natural key exactly once through a compare-and-swap status gate.
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/common"
	"github.com/tillcode/tillgrid/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome of a provider callback.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// OrderSettler marks the referenced order paid after a completed
// order-settlement transaction.
type OrderSettler interface {
	MarkPaid(ctx context.Context, orderID string) error
}

// Notifier receives the fire-and-forget event summarizing each
// reconciliation outcome.
type Notifier interface {
	PaymentOutcome(tx *domain.PaymentTransaction, applied bool)
}

// Result reports what a callback application did.
type Result struct {
	Transaction domain.PaymentTransaction
	// Applied is false when the transaction had already reached a terminal
	// status and the callback was a no-op.
	Applied bool
}

// Engine applies payment callbacks to subscription state, receipts and
// pending order settlement.
type Engine struct {
	db       *gorm.DB
	orders   OrderSettler
	notifier Notifier
	period   time.Duration
	now      func() time.Time
}

func NewEngine(db *gorm.DB, orders OrderSettler, notifier Notifier, period time.Duration) *Engine {
	return &Engine{
		db:       db,
		orders:   orders,
		notifier: notifier,
		period:   period,
		now:      time.Now,
	}
}

// CreateLink mints a pending transaction for a new payment link. The natural
// key is the reference handed to the provider and echoed back in callbacks.
func (e *Engine) CreateLink(ctx context.Context, subjectType, subjectID string, amount int64) (*domain.PaymentTransaction, error) {
	if subjectType != domain.SubjectSubscription && subjectType != domain.SubjectOrder {
		return nil, errors.Errorf("unknown payment subject type %q", subjectType)
	}
	tx := &domain.PaymentTransaction{
		ID:          common.UUIDint64(),
		NaturalKey:  uuid.NewString(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Amount:      amount,
		Status:      domain.PaymentPending,
		CreatedAt:   e.now(),
	}
	if err := e.db.WithContext(ctx).Create(tx).Error; err != nil {
		return nil, errors.Wrap(err, "create payment transaction")
	}
	metrics.IncrCounter("payment_links_created", 1)
	return tx, nil
}

// ApplyCallback looks up the transaction by natural key, synthesizing a
// pending one if the callback outran its creation, and applies the outcome
// exactly once. Re-deliveries after the terminal status is reached return
// the recorded state without side effects.
func (e *Engine) ApplyCallback(ctx context.Context, naturalKey string, outcome Outcome, amount int64, paidAt time.Time) (*Result, error) {
	if naturalKey == "" {
		return nil, errors.New("empty payment natural key")
	}

	tx, err := e.findOrSynthesize(ctx, naturalKey, amount)
	if err != nil {
		return nil, err
	}

	// Idempotency gate: only the callback that wins the pending->terminal
	// CAS performs side effects. Concurrent duplicates for the same key
	// serialize here; unrelated keys proceed in parallel.
	target := domain.PaymentCompleted
	if outcome == Failure {
		target = domain.PaymentFailed
	}
	if paidAt.IsZero() {
		paidAt = e.now()
	}
	updates := map[string]interface{}{
		"status":     target,
		"updated_at": e.now(),
	}
	if outcome == Success {
		updates["paid_at"] = paidAt
	}
	res := e.db.WithContext(ctx).
		Model(&domain.PaymentTransaction{}).
		Where("natural_key = ? AND status = ?", naturalKey, domain.PaymentPending).
		Updates(updates)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "payment status gate")
	}
	if res.RowsAffected == 0 {
		// already terminal, informational only
		cur, err := e.Get(ctx, naturalKey)
		if err != nil {
			return nil, err
		}
		zap.L().Info("duplicate payment callback ignored",
			zap.String("natural_key", naturalKey),
			zap.String("status", cur.Status))
		metrics.IncrCounter("payment_callbacks_deduped", 1)
		if e.notifier != nil {
			e.notifier.PaymentOutcome(cur, false)
		}
		return &Result{Transaction: *cur, Applied: false}, nil
	}

	tx.Status = target
	if outcome == Success {
		tx.PaidAt = &paidAt
		if err := e.applySuccess(ctx, tx); err != nil {
			return nil, err
		}
		metrics.IncrCounter("payment_completed", 1)
	} else {
		metrics.IncrCounter("payment_failed", 1)
	}

	zap.L().Info("payment callback applied",
		zap.String("natural_key", naturalKey),
		zap.String("outcome", outcome.String()),
		zap.String("subject_type", tx.SubjectType),
		zap.String("subject_id", tx.SubjectID))
	if e.notifier != nil {
		e.notifier.PaymentOutcome(tx, true)
	}
	return &Result{Transaction: *tx, Applied: true}, nil
}

func (e *Engine) applySuccess(ctx context.Context, tx *domain.PaymentTransaction) error {
	if tx.SubjectID == "" {
		// a synthesized transaction from a stray reference has nothing to
		// extend or settle; the recorded completion is the whole outcome
		zap.L().Warn("completed payment carries no subject reference, skipping side effects",
			zap.String("natural_key", tx.NaturalKey),
			zap.String("subject_type", tx.SubjectType))
		return nil
	}

	switch tx.SubjectType {
	case domain.SubjectSubscription:
		if err := e.extendSubscription(ctx, tx.SubjectID); err != nil {
			return err
		}
		return e.issueReceipt(ctx, tx)
	case domain.SubjectOrder:
		err := e.orders.MarkPaid(ctx, tx.SubjectID)
		if err != nil {
			// a vanished order is recovered by skipping, never by
			// failing the reconciliation pass
			zap.L().Warn("order settlement skipped",
				zap.String("order_id", tx.SubjectID), zap.Error(err))
		}
		return nil
	default:
		zap.L().Warn("payment transaction with unknown subject type",
			zap.String("natural_key", tx.NaturalKey),
			zap.String("subject_type", tx.SubjectType))
		return nil
	}
}

// extendSubscription sets ends_at to now+period. It never stacks the period
// on top of remaining time.
func (e *Engine) extendSubscription(ctx context.Context, subscriptionID string) error {
	now := e.now()
	endsAt := now.Add(e.period)

	var sub domain.Subscription
	err := e.db.WithContext(ctx).Where("id = ?", subscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub = domain.Subscription{
			ID:        subscriptionID,
			Plan:      domain.PlanActive,
			EndsAt:    endsAt,
			CreatedAt: now,
		}
		return errors.Wrap(e.db.WithContext(ctx).Create(&sub).Error, "create subscription")
	}
	if err != nil {
		return errors.Wrap(err, "query subscription")
	}

	err = e.db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"plan":       domain.PlanActive,
			"ends_at":    endsAt,
			"updated_at": now,
		}).Error
	return errors.Wrap(err, "extend subscription")
}

// issueReceipt emits at most one receipt per transaction. The generation
// step is not naturally idempotent, hence the check before insert, with the
// unique natural key as the backstop.
func (e *Engine) issueReceipt(ctx context.Context, tx *domain.PaymentTransaction) error {
	var count int64
	err := e.db.WithContext(ctx).
		Model(&domain.PaymentReceipt{}).
		Where("natural_key = ?", tx.NaturalKey).
		Count(&count).Error
	if err != nil {
		return errors.Wrap(err, "lookup receipt")
	}
	if count > 0 {
		zap.L().Info("receipt already issued", zap.String("natural_key", tx.NaturalKey))
		return nil
	}
	receipt := &domain.PaymentReceipt{
		ID:          common.UUIDint64(),
		NaturalKey:  tx.NaturalKey,
		SubjectType: tx.SubjectType,
		SubjectID:   tx.SubjectID,
		Amount:      tx.Amount,
		IssuedAt:    e.now(),
	}
	return errors.Wrap(e.db.WithContext(ctx).Create(receipt).Error, "issue receipt")
}

// findOrSynthesize returns the transaction for naturalKey, creating a
// pending placeholder when the callback arrived before the creation write.
func (e *Engine) findOrSynthesize(ctx context.Context, naturalKey string, amount int64) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	err := e.db.WithContext(ctx).Where("natural_key = ?", naturalKey).First(&tx).Error
	if err == nil {
		return &tx, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "query payment transaction")
	}

	tx = domain.PaymentTransaction{
		ID:          common.UUIDint64(),
		NaturalKey:  naturalKey,
		SubjectType: domain.SubjectSubscription,
		Amount:      amount,
		Status:      domain.PaymentPending,
		CreatedAt:   e.now(),
	}
	zap.L().Warn("payment callback arrived before transaction creation, synthesizing",
		zap.String("natural_key", naturalKey))
	if err := e.db.WithContext(ctx).Create(&tx).Error; err != nil {
		// a concurrent synthesis may have won the unique index; re-read
		var again domain.PaymentTransaction
		if rerr := e.db.WithContext(ctx).Where("natural_key = ?", naturalKey).First(&again).Error; rerr == nil {
			return &again, nil
		}
		return nil, errors.Wrap(err, "synthesize payment transaction")
	}
	metrics.IncrCounter("payment_synthesized", 1)
	return &tx, nil
}

// Get returns the transaction for a natural key.
func (e *Engine) Get(ctx context.Context, naturalKey string) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	err := e.db.WithContext(ctx).Where("natural_key = ?", naturalKey).First(&tx).Error
	if err != nil {
		return nil, errors.Wrap(err, "query payment transaction")
	}
	return &tx, nil
}

// List returns transactions in reverse creation order.
func (e *Engine) List(ctx context.Context, page, pageSize int) ([]domain.PaymentTransaction, int64, error) {
	var total int64
	base := e.db.WithContext(ctx).Model(&domain.PaymentTransaction{})
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count payment transactions")
	}
	var rows []domain.PaymentTransaction
	err := base.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "query payment transactions")
	}
	return rows, total, nil
}

// Subscription returns the billing state of one establishment.
func (e *Engine) Subscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, errors.Wrap(err, "query subscription")
	}
	return &sub, nil
}

// RepairOverextended clamps every subscription found with more than one
// period of remaining time back to now+period. Historical cumulative
// extensions are the only known source of such rows. This is an explicit
// corrective operation, never run on read.
func (e *Engine) RepairOverextended(ctx context.Context) (int64, error) {
	now := e.now()
	limit := now.Add(e.period)
	res := e.db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("ends_at > ?", limit).
		Updates(map[string]interface{}{
			"ends_at":    limit,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "repair subscriptions")
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("clamped over-extended subscriptions",
			zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
