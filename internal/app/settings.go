package app

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const settingsCacheTTL = 30 * time.Second

// SettingsManager reads runtime settings from sys_config with a short-lived
// in-memory cache.
type SettingsManager struct {
	db *gorm.DB

	mu       sync.RWMutex
	cache    map[string]string
	loadedAt time.Time
}

func NewSettingsManager(db *gorm.DB) *SettingsManager {
	return &SettingsManager{db: db, cache: map[string]string{}}
}

func (m *SettingsManager) get(category, name string) string {
	key := category + "." + name

	m.mu.RLock()
	fresh := time.Since(m.loadedAt) < settingsCacheTTL
	v, ok := m.cache[key]
	m.mu.RUnlock()
	if fresh && ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.loadedAt) >= settingsCacheTTL {
		var rows []domain.SysConfig
		if err := m.db.Find(&rows).Error; err != nil {
			zap.L().Warn("settings reload failed", zap.Error(err))
			return m.cache[key]
		}
		m.cache = make(map[string]string, len(rows))
		for _, r := range rows {
			m.cache[r.Type+"."+r.Name] = r.Value
		}
		m.loadedAt = time.Now()
	}
	return m.cache[key]
}

func (m *SettingsManager) GetString(category, name string) string {
	return m.get(category, name)
}

func (m *SettingsManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.get(category, name))
}

func (m *SettingsManager) GetBool(category, name string) bool {
	return cast.ToBool(m.get(category, name))
}

// Save upserts settings under one category and invalidates the cache.
func (m *SettingsManager) Save(category string, values map[string]interface{}) error {
	for name, value := range values {
		strval := cast.ToString(value)
		var existing domain.SysConfig
		err := m.db.Where("type = ? and name = ?", category, name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := m.db.Create(&domain.SysConfig{
				ID:    common.UUIDint64(),
				Type:  category,
				Name:  name,
				Value: strval,
			}).Error; err != nil {
				return errors.Wrapf(err, "create setting %s.%s", category, name)
			}
		case err != nil:
			return errors.Wrapf(err, "query setting %s.%s", category, name)
		default:
			if err := m.db.Model(&domain.SysConfig{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"value": strval, "updated_at": time.Now()}).Error; err != nil {
				return errors.Wrapf(err, "update setting %s.%s", category, name)
			}
		}
	}

	m.mu.Lock()
	m.loadedAt = time.Time{}
	m.mu.Unlock()
	return nil
}
