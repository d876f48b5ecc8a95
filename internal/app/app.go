package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/tillcode/tillgrid/config"
	"github.com/tillcode/tillgrid/internal/catalog"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/internal/loyalty"
	"github.com/tillcode/tillgrid/internal/notify"
	"github.com/tillcode/tillgrid/internal/orderstore"
	"github.com/tillcode/tillgrid/internal/outbox"
	"github.com/tillcode/tillgrid/internal/payment"
	"github.com/tillcode/tillgrid/pkg/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	boltDB    *bolt.DB
	sched     *cron.Cron
	settings  *SettingsManager

	notifier *notify.Channel
	catalog  *catalog.Cache
	outbox   *outbox.Queue
	orders   *orderstore.Store
	payments *payment.Engine
	ledger   *loyalty.Ledger
}

// Ensure Application implements all interfaces
var (
	_ DBProvider       = (*Application)(nil)
	_ ConfigProvider   = (*Application)(nil)
	_ SettingsProvider = (*Application)(nil)
	_ AppContext       = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	if err := os.MkdirAll(cfg.System.Workdir, 0o755); err != nil {
		return err
	}

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB, err = getDatabase(cfg.Database, cfg.System.Workdir)
	if err != nil {
		return err
	}
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	a.boltDB, err = bolt.Open(filepath.Join(cfg.System.Workdir, "terminal.db"), 0o600,
		&bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return err
	}

	a.settings = NewSettingsManager(a.gormDB)

	// wait for database initialization to complete
	go func() {
		time.Sleep(3 * time.Second)
		a.checkSuper()
		a.checkSettings()
		a.checkProducts()
	}()

	if err := a.initComponents(cfg); err != nil {
		return err
	}

	a.initJob()
	return nil
}

func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

func (a *Application) initComponents(cfg *config.AppConfig) error {
	var err error
	a.notifier, err = notify.NewChannel(cfg.Smtp)
	if err != nil {
		return err
	}

	a.orders = orderstore.NewStore(a.gormDB, a.notifier)
	a.ledger = loyalty.NewLedger(a.gormDB, a)

	period := time.Duration(cfg.Payment.SubscriptionDays) * 24 * time.Hour
	a.payments = payment.NewEngine(a.gormDB, a.orders, a.notifier, period)

	a.catalog, err = catalog.NewCache(a.boltDB)
	if err != nil {
		return err
	}

	a.outbox, err = outbox.NewQueue(a.boltDB, a.orders, a.ledger,
		cfg.Terminal.ID, cfg.Terminal.AgentID)
	if err != nil {
		return err
	}

	// opportunistic replay of anything left over from the previous run
	go func() {
		if _, err := a.outbox.Drain(context.Background()); err != nil {
			zap.L().Warn("startup outbox drain failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEBUG_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// Notifier returns the notification side channel
func (a *Application) Notifier() *notify.Channel {
	return a.notifier
}

// Catalog returns the local product cache
func (a *Application) Catalog() *catalog.Cache {
	return a.catalog
}

// Outbox returns this terminal's durable order queue
func (a *Application) Outbox() *outbox.Queue {
	return a.outbox
}

// Orders returns the order ledger
func (a *Application) Orders() *orderstore.Store {
	return a.orders
}

// Payments returns the payment reconciliation engine
func (a *Application) Payments() *payment.Engine {
	return a.payments
}

// Loyalty returns the loyalty ledger updater
func (a *Application) Loyalty() *loyalty.Ledger {
	return a.ledger
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, name string) string {
	return a.settings.GetString(category, name)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, name string) int64 {
	return a.settings.GetInt64(category, name)
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, name string) bool {
	return a.settings.GetBool(category, name)
}

// SaveSettings saves configuration settings
func (a *Application) SaveSettings(category string, values map[string]interface{}) error {
	return a.settings.Save(category, values)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.boltDB != nil {
		_ = a.boltDB.Close()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
