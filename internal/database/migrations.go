package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationScheduleDirectoryPopulation = "2026-01-12_schedule_user_directory_population"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs every migration that has no record yet. A migration and its
// record commit together.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationScheduleDirectoryPopulation, apply: scheduleDirectoryPopulation},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// scheduleDirectoryPopulation queues the initial build of the user directory.
func scheduleDirectoryPopulation(db *gorm.DB) error {
	return background.Enqueue(db.Statement.Context, db, directory.PopulationStages())
}
