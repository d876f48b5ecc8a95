package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	// POS
	&Product{},
	&Order{},
	&OrderItem{},
	// Payment
	&PaymentTransaction{},
	&PaymentReceipt{},
	&Subscription{},
	// CRM
	&LoyaltyAccount{},
	&LoyaltyReward{},
}
