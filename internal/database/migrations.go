package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeQuestResetKeys   = "2026-10-01_normalize_quest_reset_keys"
	migrationDefaultTemplateResetCycle = "2026-10-02_default_template_reset_period"
)

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeQuestResetKeys, apply: normalizeQuestResetKeys},
		{name: migrationDefaultTemplateResetCycle, apply: defaultTemplateResetPeriod},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeQuestResetKeys moves rows written before reset keys existed onto
// the permanent cycle.
func normalizeQuestResetKeys(db *gorm.DB) error {
	return db.Model(&quests.UserQuestState{}).
		Where("reset_key = ? OR reset_key IS NULL", "").
		Update("reset_key", quests.PermanentResetKey).Error
}

func defaultTemplateResetPeriod(db *gorm.DB) error {
	return db.Model(&quests.QuestTemplate{}).
		Where("reset_period = ? OR reset_period IS NULL", "").
		Update("reset_period", quests.ResetPeriodNone).Error
}
