// Package loyalty applies a settled order's monetary value to the
// customer's loyalty account. The update is not naturally idempotent, so
// callers guarantee at most one invocation per settled order; within that
// contract the whole mutation is one atomic read-modify-write.
package loyalty

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/common"
	"github.com/tillcode/tillgrid/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settings exposes the runtime loyalty parameters.
type Settings interface {
	GetSettingsInt64Value(category, name string) int64
}

// Setting keys under the "loyalty" category.
const (
	SettingsCategory   = "loyalty"
	KeyPointsPerUnit   = "points_per_unit"
	KeyBonusThreshold  = "bonus_threshold"
	KeyLoyalThreshold  = "loyal_spend_threshold"
	KeyVIPThreshold    = "vip_spend_threshold"
	DefPointsPerUnit   = 10
	DefBonusThreshold  = 100
	DefLoyalThreshold  = 50000
	DefVIPThreshold    = 100000
	pointsDenomination = 1000 // minor units of spend per point accrual unit
)

// Ledger mutates loyalty accounts.
type Ledger struct {
	db       *gorm.DB
	settings Settings
}

func NewLedger(db *gorm.DB, settings Settings) *Ledger {
	return &Ledger{db: db, settings: settings}
}

// Apply credits one settled order to the customer account inside a single
// transaction. Points mode accrues points and may append a bonus reward;
// spend mode recomputes the tier from cumulative spend, upgrade-only.
func (l *Ledger) Apply(ctx context.Context, customerID string, orderTotal int64) error {
	if customerID == "" {
		return errors.New("empty customer id")
	}

	ppu := l.setting(KeyPointsPerUnit, DefPointsPerUnit)
	bonus := l.setting(KeyBonusThreshold, DefBonusThreshold)
	loyalAt := l.setting(KeyLoyalThreshold, DefLoyalThreshold)
	vipAt := l.setting(KeyVIPThreshold, DefVIPThreshold)
	now := time.Now()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// lock the account row so concurrent credits (a direct forward
		// racing a drain) serialize instead of overwriting each other.
		// sqlite has no FOR UPDATE and serializes writers on its own.
		query := tx.Where("customer_id = ?", customerID)
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var acct domain.LoyaltyAccount
		err := query.First(&acct).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			acct = domain.LoyaltyAccount{
				CustomerID: customerID,
				Mode:       domain.LoyaltyModePoints,
				Tier:       domain.TierStandard,
				CreatedAt:  now,
			}
			if err := tx.Create(&acct).Error; err != nil {
				return errors.Wrap(err, "create loyalty account")
			}
		} else if err != nil {
			return errors.Wrap(err, "query loyalty account")
		}

		acct.TotalSpent += orderTotal
		acct.TotalOrders++
		acct.LastVisit = now

		switch acct.Mode {
		case domain.LoyaltyModeSpend:
			l.upgradeTier(&acct, loyalAt, vipAt)
		default:
			earned := orderTotal * ppu / pointsDenomination
			acct.PointsBalance += earned
			acct.TotalPointsEarned += earned
			if acct.PointsBalance >= bonus {
				reward := domain.LoyaltyReward{
					ID:         common.UUIDint64(),
					CustomerID: customerID,
					Points:     acct.PointsBalance,
					Reason:     "bonus threshold reached",
					GrantedAt:  now,
				}
				if err := tx.Create(&reward).Error; err != nil {
					return errors.Wrap(err, "append loyalty reward")
				}
				metrics.IncrCounter("loyalty_rewards_granted", 1)
				if acct.AutoReset {
					acct.PointsBalance = 0
				}
			}
		}

		acct.UpdatedAt = now
		return errors.Wrap(tx.Save(&acct).Error, "update loyalty account")
	})
	if err != nil {
		return err
	}

	metrics.IncrCounter("loyalty_orders_credited", 1)
	zap.L().Debug("loyalty credited",
		zap.String("customer_id", customerID),
		zap.Int64("order_total", orderTotal))
	return nil
}

// upgradeTier recomputes the tier from cumulative spend. Only upgrades are
// applied; accounts are never downgraded automatically.
func (l *Ledger) upgradeTier(acct *domain.LoyaltyAccount, loyalAt, vipAt int64) {
	next := domain.TierStandard
	switch {
	case acct.TotalSpent >= vipAt:
		next = domain.TierVIP
	case acct.TotalSpent >= loyalAt:
		next = domain.TierLoyal
	}
	if domain.TierRank[next] > domain.TierRank[acct.Tier] {
		acct.Tier = next
	}
}

// Account returns one loyalty account with its rewards.
func (l *Ledger) Account(ctx context.Context, customerID string) (*domain.LoyaltyAccount, []domain.LoyaltyReward, error) {
	var acct domain.LoyaltyAccount
	err := l.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&acct).Error
	if err != nil {
		return nil, nil, errors.Wrap(err, "query loyalty account")
	}
	var rewards []domain.LoyaltyReward
	err = l.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("granted_at DESC").
		Find(&rewards).Error
	if err != nil {
		return nil, nil, errors.Wrap(err, "query loyalty rewards")
	}
	return &acct, rewards, nil
}

func (l *Ledger) setting(name string, def int64) int64 {
	if l.settings == nil {
		return def
	}
	if v := l.settings.GetSettingsInt64Value(SettingsCategory, name); v > 0 {
		return v
	}
	return def
}
