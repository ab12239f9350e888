package database

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/store"
)

const migrationCollapseDoubleSuffixedNamespaces = "2026-10-01_collapse_double_suffixed_namespaces"

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
		{name: migrationCollapseDoubleSuffixedNamespaces, apply: collapseDoubleSuffixedNamespaces},
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
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// collapseDoubleSuffixedNamespaces moves documents written under "X_BuildingDBBuildingDB", the
// result of suffixing an identifier that already carried the suffix, to "X_BuildingDB". A
// document already present at the target wins over the misplaced copy.
func collapseDoubleSuffixedNamespaces(tx *gorm.DB) error {
	doubled := buildings.Suffix + buildings.Suffix
	var records []store.DocumentRecord
	if err := tx.Where("namespace LIKE ?", "%"+doubled).Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		if !strings.HasSuffix(record.Namespace, doubled) {
			continue
		}
		target := strings.TrimSuffix(record.Namespace, buildings.Suffix)
		var existing int64
		if err := tx.Model(&store.DocumentRecord{}).
			Where("namespace = ? AND doc_key = ?", target, record.DocumentKey).
			Count(&existing).Error; err != nil {
			return err
		}
		scope := tx.Model(&store.DocumentRecord{}).
			Where("namespace = ? AND doc_key = ?", record.Namespace, record.DocumentKey)
		if existing > 0 {
			if err := scope.Delete(&store.DocumentRecord{}).Error; err != nil {
				return err
			}
			continue
		}
		if err := scope.Update("namespace", target).Error; err != nil {
			return err
		}
	}
	return nil
}
