package domain

import "time"

// Product is a catalog item. The remote store is authoritative; terminals
// keep a local mirror with anti-regression protection (see internal/catalog).
type Product struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"index" json:"name"`
	Price     int64     `json:"price"` // minor currency units
	Category  string    `gorm:"size:64;index" json:"category"`
	Image     string    `gorm:"size:1024" json:"image"`
	Status    string    `gorm:"size:20;index;default:'enabled'" json:"status"` // enabled|disabled
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "pos_product"
}
