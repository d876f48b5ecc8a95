package loyalty

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tillcode/tillgrid/internal/domain"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type staticSettings map[string]int64

func (s staticSettings) GetSettingsInt64Value(_, name string) int64 {
	return s[name]
}

func newTestLedger(t *testing.T, settings Settings) (*Ledger, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "till.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.LoyaltyAccount{}, &domain.LoyaltyReward{}))
	return NewLedger(db, settings), db
}

func TestApplyCreatesAccountOnFirstOrder(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, "cust-1", 2000))

	acct, rewards, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, domain.LoyaltyModePoints, acct.Mode)
	require.Equal(t, domain.TierStandard, acct.Tier)
	require.EqualValues(t, 2000, acct.TotalSpent)
	require.EqualValues(t, 1, acct.TotalOrders)
	require.EqualValues(t, 20, acct.PointsBalance) // 2000 * 10 / 1000
	require.Empty(t, rewards)
	require.False(t, acct.LastVisit.IsZero())
}

func TestApplyRejectsEmptyCustomer(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.Error(t, l.Apply(context.Background(), "", 1000))
}

// The renewal-visit scenario: an account sitting at 95 points with auto
// reset enabled takes a 15000 order at 10 points per thousand. It earns
// 150 points, crosses the 100-point bonus at a 245 balance, banks one
// reward and resets to zero.
func TestBonusThresholdWithAutoReset(t *testing.T) {
	l, db := newTestLedger(t, staticSettings{
		KeyPointsPerUnit:  10,
		KeyBonusThreshold: 100,
	})
	ctx := context.Background()

	require.NoError(t, db.Create(&domain.LoyaltyAccount{
		CustomerID:        "cust-1",
		Mode:              domain.LoyaltyModePoints,
		Tier:              domain.TierStandard,
		PointsBalance:     95,
		TotalPointsEarned: 95,
		TotalOrders:       4,
		AutoReset:         true,
	}).Error)

	require.NoError(t, l.Apply(ctx, "cust-1", 15000))

	acct, rewards, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, acct.PointsBalance, "auto reset zeroes the balance after the reward")
	require.EqualValues(t, 95+150, acct.TotalPointsEarned)
	require.EqualValues(t, 5, acct.TotalOrders)
	require.Len(t, rewards, 1)
	require.EqualValues(t, 245, rewards[0].Points, "reward records the balance that crossed the threshold")
}

func TestBonusThresholdWithoutAutoResetKeepsBalance(t *testing.T) {
	l, db := newTestLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&domain.LoyaltyAccount{
		CustomerID: "cust-1",
		Mode:       domain.LoyaltyModePoints,
		Tier:       domain.TierStandard,
	}).Error)

	require.NoError(t, l.Apply(ctx, "cust-1", 12000)) // 120 points, over default 100

	acct, rewards, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 120, acct.PointsBalance)
	require.Len(t, rewards, 1)
}

func TestBelowThresholdGrantsNoReward(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, "cust-1", 5000)) // 50 points

	acct, rewards, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 50, acct.PointsBalance)
	require.Empty(t, rewards)
}

func TestSpendModeUpgradesTierMonotonically(t *testing.T) {
	l, db := newTestLedger(t, staticSettings{
		KeyLoyalThreshold: 50000,
		KeyVIPThreshold:   100000,
	})
	ctx := context.Background()

	require.NoError(t, db.Create(&domain.LoyaltyAccount{
		CustomerID: "cust-1",
		Mode:       domain.LoyaltyModeSpend,
		Tier:       domain.TierStandard,
		TotalSpent: 45000,
	}).Error)

	require.NoError(t, l.Apply(ctx, "cust-1", 10000))
	acct, _, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierLoyal, acct.Tier)
	require.EqualValues(t, 0, acct.PointsBalance, "spend mode never accrues points")

	require.NoError(t, l.Apply(ctx, "cust-1", 60000))
	acct, _, err = l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierVIP, acct.Tier)
}

func TestSpendModeNeverDowngrades(t *testing.T) {
	l, db := newTestLedger(t, nil)
	ctx := context.Background()

	// a manually granted VIP stays VIP regardless of spend
	require.NoError(t, db.Create(&domain.LoyaltyAccount{
		CustomerID: "cust-1",
		Mode:       domain.LoyaltyModeSpend,
		Tier:       domain.TierVIP,
		TotalSpent: 1000,
	}).Error)

	require.NoError(t, l.Apply(ctx, "cust-1", 1000))
	acct, _, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierVIP, acct.Tier)
}

func TestConcurrentApplyLosesNoCredit(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "till.db")+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.LoyaltyAccount{}, &domain.LoyaltyReward{}))
	l := NewLedger(db, nil)
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, "cust-1", 500))

	// a direct forward racing the drain goroutine: every credit must land
	var g errgroup.Group
	for i := 0; i < 9; i++ {
		g.Go(func() error {
			return l.Apply(ctx, "cust-1", 500)
		})
	}
	require.NoError(t, g.Wait())

	acct, _, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, acct.TotalOrders)
	require.EqualValues(t, 5000, acct.TotalSpent)
	require.EqualValues(t, 50, acct.PointsBalance)
}

func TestZeroSettingsFallBackToDefaults(t *testing.T) {
	l, _ := newTestLedger(t, staticSettings{}) // all lookups return 0
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, "cust-1", 15000))
	acct, _, err := l.Account(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 150, acct.PointsBalance, "defaults apply when settings are unset")
}
