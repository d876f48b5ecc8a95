package domain

import "time"

// Order status values. Transitions are monotonic: pending -> sent -> paid,
// cancelled is reachable from pending or sent only.
const (
	OrderPending   = "pending"
	OrderSent      = "sent"
	OrderPaid      = "paid"
	OrderCancelled = "cancelled"
)

// OrderTransitions maps a target status to the statuses it may be reached from.
var OrderTransitions = map[string][]string{
	OrderSent:      {OrderPending},
	OrderPaid:      {OrderPending, OrderSent},
	OrderCancelled: {OrderPending, OrderSent},
}

// Order is a captured sale. It is owned by the terminal that created it until
// the remote insert is confirmed, after which the order ledger is authoritative.
type Order struct {
	ID              string      `gorm:"primaryKey;size:32" json:"id"`
	TerminalID      string      `gorm:"index;size:64" json:"terminal_id"`
	AgentID         string      `gorm:"size:64" json:"agent_id"`
	TableLabel      string      `gorm:"size:100" json:"table_label"`
	DeliveryAddress string      `gorm:"size:255" json:"delivery_address"`
	CustomerID      string      `gorm:"index;size:64" json:"customer_id"`
	Items           []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
	TotalAmount     int64       `json:"total_amount"` // minor currency units
	Status          string      `gorm:"size:20;index;default:'pending'" json:"status"`
	IdempotencyKey  string      `gorm:"uniqueIndex;size:100" json:"idempotency_key"`
	PaidAt          *time.Time  `json:"paid_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (Order) TableName() string {
	return "pos_order"
}

type OrderItem struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string `gorm:"index;size:32" json:"order_id"`
	ProductID int64  `json:"product_id"`
	Name      string `gorm:"size:200" json:"name"`
	UnitPrice int64  `json:"unit_price"` // minor currency units
	Quantity  int    `json:"quantity"`
	Category  string `gorm:"size:64" json:"category"`
}

func (OrderItem) TableName() string {
	return "pos_order_item"
}
