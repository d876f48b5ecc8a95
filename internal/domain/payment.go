package domain

import "time"

// Payment transaction status values. A transaction reaches completed or
// failed exactly once; any callback arriving afterwards is a no-op.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// Payment subject types.
const (
	SubjectSubscription = "subscription"
	SubjectOrder        = "order"
)

// PaymentTransaction tracks a single payment attempt, keyed by the provider
// reference (natural key) so duplicate callbacks deduplicate against it.
type PaymentTransaction struct {
	ID          int64      `json:"id,string"`
	NaturalKey  string     `gorm:"uniqueIndex;size:64" json:"natural_key"`
	SubjectType string     `gorm:"size:20;index" json:"subject_type"` // subscription | order
	SubjectID   string     `gorm:"size:64;index" json:"subject_id"`
	Amount      int64      `json:"amount"` // minor currency units
	Status      string     `gorm:"size:20;index;default:'pending'" json:"status"`
	PaidAt      *time.Time `json:"paid_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "pay_transaction"
}

// PaymentReceipt is emitted at most once per completed transaction; the
// unique natural key backs the check-before-insert guarantee.
type PaymentReceipt struct {
	ID          int64     `json:"id,string"`
	NaturalKey  string    `gorm:"uniqueIndex;size:64" json:"natural_key"`
	SubjectType string    `gorm:"size:20" json:"subject_type"`
	SubjectID   string    `gorm:"size:64" json:"subject_id"`
	Amount      int64     `json:"amount"`
	IssuedAt    time.Time `json:"issued_at"`
}

func (PaymentReceipt) TableName() string {
	return "pay_receipt"
}

// Subscription plan values.
const (
	PlanActive  = "active"
	PlanExpired = "expired"
)

// Subscription holds the billing state of one establishment. EndsAt is
// derived from the most recent completed subscription payment.
type Subscription struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Plan      string    `gorm:"size:20" json:"plan"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "pay_subscription"
}
