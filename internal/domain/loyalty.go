package domain

import "time"

// Loyalty account modes.
const (
	LoyaltyModePoints = "points"
	LoyaltyModeSpend  = "spend"
)

// Loyalty tiers, ordered. Tier upgrades are monotonic; an account is never
// downgraded automatically.
const (
	TierStandard = "standard"
	TierLoyal    = "loyal"
	TierVIP      = "vip"
)

// TierRank orders tiers for monotonic upgrades.
var TierRank = map[string]int{
	TierStandard: 0,
	TierLoyal:    1,
	TierVIP:      2,
}

// LoyaltyAccount is mutated only by the ledger updater, once per settled
// order that carries a customer reference.
type LoyaltyAccount struct {
	CustomerID        string    `gorm:"primaryKey;size:64" json:"customer_id"`
	Mode              string    `gorm:"size:20;default:'points'" json:"mode"`
	PointsBalance     int64     `json:"points_balance"`
	TotalPointsEarned int64     `json:"total_points_earned"`
	TotalSpent        int64     `json:"total_spent"`
	TotalOrders       int64     `json:"total_orders"`
	Tier              string    `gorm:"size:20;default:'standard'" json:"tier"`
	AutoReset         bool      `json:"auto_reset"`
	LastVisit         time.Time `json:"last_visit"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (LoyaltyAccount) TableName() string {
	return "crm_loyalty_account"
}

type LoyaltyReward struct {
	ID         int64     `json:"id,string"`
	CustomerID string    `gorm:"index;size:64" json:"customer_id"`
	Points     int64     `json:"points"`
	Reason     string    `gorm:"size:200" json:"reason"`
	GrantedAt  time.Time `json:"granted_at"`
}

func (LoyaltyReward) TableName() string {
	return "crm_loyalty_reward"
}
