package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCardSetCodes = "2026-10-01_backfill_card_set_codes"

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
		{name: migrationBackfillCardSetCodes, apply: backfillCardSetCodes},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCardSetCodes fills set_code for rows imported from sources that only
// carried the composite external id.
func backfillCardSetCodes(db *gorm.DB) error {
	var rows []catalog.Card
	if err := db.Select("card_id", "external_id").Where("set_code = ?", "").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		setCode := cards.SetCodeFromExternalID(row.ExternalID)
		if setCode == "" {
			continue
		}
		if err := db.Model(&catalog.Card{}).Where("card_id = ?", row.CardID).Update("set_code", setCode).Error; err != nil {
			return err
		}
	}
	return nil
}
