package payment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tillcode/tillgrid/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSettler struct {
	paid []string
	err  error
}

func (f *fakeSettler) MarkPaid(_ context.Context, orderID string) error {
	if f.err != nil {
		return f.err
	}
	f.paid = append(f.paid, orderID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "till.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.PaymentTransaction{},
		&domain.PaymentReceipt{},
		&domain.Subscription{},
	))
	return db
}

func newTestEngine(t *testing.T, settler OrderSettler) (*Engine, *gorm.DB, time.Time) {
	t.Helper()
	db := openTestDB(t)
	e := NewEngine(db, settler, nil, 30*24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, db, now
}

func receiptCount(t *testing.T, db *gorm.DB, key string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.PaymentReceipt{}).
		Where("natural_key = ?", key).Count(&n).Error)
	return n
}

func TestApplyCallbackCompletesOnce(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()

	tx, err := e.CreateLink(ctx, domain.SubjectSubscription, "cafe-1", 150000)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, tx.Status)

	// the same callback delivered three times applies exactly once
	for i := 0; i < 3; i++ {
		res, err := e.ApplyCallback(ctx, tx.NaturalKey, Success, 150000, now)
		require.NoError(t, err)
		require.Equal(t, i == 0, res.Applied)
		require.Equal(t, domain.PaymentCompleted, res.Transaction.Status)
	}

	require.EqualValues(t, 1, receiptCount(t, db, tx.NaturalKey))

	sub, err := e.Subscription(ctx, "cafe-1")
	require.NoError(t, err)
	require.Equal(t, domain.PlanActive, sub.Plan)
	require.Equal(t, now.Add(30*24*time.Hour), sub.EndsAt.UTC())
}

func TestExtensionIsNotCumulative(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()

	// 20 days still remaining when the renewal payment lands
	require.NoError(t, db.Create(&domain.Subscription{
		ID:     "cafe-1",
		Plan:   domain.PlanActive,
		EndsAt: now.Add(20 * 24 * time.Hour),
	}).Error)

	tx, err := e.CreateLink(ctx, domain.SubjectSubscription, "cafe-1", 150000)
	require.NoError(t, err)
	_, err = e.ApplyCallback(ctx, tx.NaturalKey, Success, 150000, now)
	require.NoError(t, err)

	sub, err := e.Subscription(ctx, "cafe-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(30*24*time.Hour), sub.EndsAt.UTC(),
		"renewal replaces the horizon, remaining time never stacks")
}

func TestCallbackBeforeCreationSynthesizesPending(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.ApplyCallback(ctx, "outran-creation", Success, 90000, now)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, domain.PaymentCompleted, res.Transaction.Status)
	require.Equal(t, domain.SubjectSubscription, res.Transaction.SubjectType)
	require.EqualValues(t, 90000, res.Transaction.Amount)

	var n int64
	require.NoError(t, db.Model(&domain.PaymentTransaction{}).
		Where("natural_key = ?", "outran-creation").Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestStrayReferenceFabricatesNoSubscription(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.ApplyCallback(ctx, "stray-reference", Success, 90000, now)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, domain.PaymentCompleted, res.Transaction.Status)

	// the synthesized transaction has no subject, so completion must not
	// conjure a subscription or a receipt out of it
	var subs []domain.Subscription
	require.NoError(t, db.Find(&subs).Error)
	require.Empty(t, subs)
	require.Zero(t, receiptCount(t, db, "stray-reference"))
}

func TestFailureOutcomeIsTerminal(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()

	tx, err := e.CreateLink(ctx, domain.SubjectSubscription, "cafe-1", 150000)
	require.NoError(t, err)

	res, err := e.ApplyCallback(ctx, tx.NaturalKey, Failure, 150000, now)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, domain.PaymentFailed, res.Transaction.Status)
	require.Zero(t, receiptCount(t, db, tx.NaturalKey))

	_, err = e.Subscription(ctx, "cafe-1")
	require.Error(t, err, "a failed payment never touches the subscription")

	// a late success for the same key is ignored
	res, err = e.ApplyCallback(ctx, tx.NaturalKey, Success, 150000, now)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, domain.PaymentFailed, res.Transaction.Status)
}

func TestOrderSettlementMarksOrderPaid(t *testing.T) {
	settler := &fakeSettler{}
	e, _, now := newTestEngine(t, settler)
	ctx := context.Background()

	tx, err := e.CreateLink(ctx, domain.SubjectOrder, "order-42", 18000)
	require.NoError(t, err)
	res, err := e.ApplyCallback(ctx, tx.NaturalKey, Success, 18000, now)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, []string{"order-42"}, settler.paid)
}

func TestVanishedOrderIsSkippedNotFailed(t *testing.T) {
	settler := &fakeSettler{err: errors.New("order not found")}
	e, _, now := newTestEngine(t, settler)
	ctx := context.Background()

	tx, err := e.CreateLink(ctx, domain.SubjectOrder, "gone", 18000)
	require.NoError(t, err)
	res, err := e.ApplyCallback(ctx, tx.NaturalKey, Success, 18000, now)
	require.NoError(t, err)
	require.True(t, res.Applied, "reconciliation completes even when the order vanished")
	require.Equal(t, domain.PaymentCompleted, res.Transaction.Status)
}

func TestCreateLinkRejectsUnknownSubject(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	_, err := e.CreateLink(context.Background(), "voucher", "x", 100)
	require.Error(t, err)
}

func TestRepairOverextendedClampsToOnePeriod(t *testing.T) {
	e, db, now := newTestEngine(t, nil)
	ctx := context.Background()
	period := 30 * 24 * time.Hour

	require.NoError(t, db.Create(&domain.Subscription{
		ID:     "stacked",
		Plan:   domain.PlanActive,
		EndsAt: now.Add(3 * period), // legacy cumulative extensions
	}).Error)
	require.NoError(t, db.Create(&domain.Subscription{
		ID:     "healthy",
		Plan:   domain.PlanActive,
		EndsAt: now.Add(10 * 24 * time.Hour),
	}).Error)

	repaired, err := e.RepairOverextended(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, repaired)

	stacked, err := e.Subscription(ctx, "stacked")
	require.NoError(t, err)
	require.Equal(t, now.Add(period), stacked.EndsAt.UTC())

	healthy, err := e.Subscription(ctx, "healthy")
	require.NoError(t, err)
	require.Equal(t, now.Add(10*24*time.Hour), healthy.EndsAt.UTC())

	// repair is idempotent
	repaired, err = e.RepairOverextended(ctx)
	require.NoError(t, err)
	require.Zero(t, repaired)
}

func TestListPagesNewestFirst(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		e.now = func() time.Time { return tick }
		_, err := e.CreateLink(ctx, domain.SubjectSubscription, "cafe-1", int64(1000*(i+1)))
		require.NoError(t, err)
	}

	rows, total, err := e.List(ctx, 1, 2)
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, rows, 2)
	require.EqualValues(t, 5000, rows[0].Amount)
	require.EqualValues(t, 4000, rows[1].Amount)
}
