package app

import (
	"github.com/robfig/cron/v3"
	"github.com/tillcode/tillgrid/config"
	"github.com/tillcode/tillgrid/internal/catalog"
	"github.com/tillcode/tillgrid/internal/loyalty"
	"github.com/tillcode/tillgrid/internal/notify"
	"github.com/tillcode/tillgrid/internal/orderstore"
	"github.com/tillcode/tillgrid/internal/outbox"
	"github.com/tillcode/tillgrid/internal/payment"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, name string) string
	GetSettingsInt64Value(category, name string) int64
	GetSettingsBoolValue(category, name string) bool
	SaveSettings(category string, values map[string]interface{}) error
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// EngineProvider exposes the order-capture and reconciliation components.
type EngineProvider interface {
	Catalog() *catalog.Cache
	Outbox() *outbox.Queue
	Orders() *orderstore.Store
	Payments() *payment.Engine
	Loyalty() *loyalty.Ledger
	Notifier() *notify.Channel
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	EngineProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
