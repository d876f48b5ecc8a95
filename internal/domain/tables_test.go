package domain_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tillcode/tillgrid/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Every registered model must migrate cleanly on sqlite, the embedded
// single-terminal deployment mode. This guards the implicit int64-ID models
// against migrator regressions that reject them as multi-primary-key tables.
func TestTablesMigrateOnSqlite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "till.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	for _, model := range domain.Tables {
		require.NoError(t, db.AutoMigrate(model), "migrate %T", model)
	}

	// and the whole slice at once, the way the application migrates
	require.NoError(t, db.Migrator().DropTable(domain.Tables...))
	require.NoError(t, db.AutoMigrate(domain.Tables...))
}
