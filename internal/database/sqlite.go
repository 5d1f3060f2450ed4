package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by the service.
func Models() []interface{} {
	models := []interface{}{
		&homeserver.Room{},
		&homeserver.RoomMembership{},
		&homeserver.Account{},
		&homeserver.Profile{},
		&background.Update{},
		&migrationRecord{},
	}
	return append(models, directory.Models()...)
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
