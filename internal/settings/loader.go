package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshDBConfigSnapshot reloads every setting row into the in-memory snapshot.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = json.RawMessage(row.Value)
		if updated := row.UpdatedAt.UTC(); updated.After(maxUpdatedAt) {
			maxUpdatedAt = updated
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// Upsert validates and stores one setting, then refreshes the snapshot.
func Upsert(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if errValidate := Validate(key, value); errValidate != nil {
		return errValidate
	}
	row := models.Setting{
		Key:       key,
		Value:     datatypes.JSON(append([]byte(nil), value...)),
		UpdatedAt: time.Now().UTC(),
	}
	if errSave := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return fmt.Errorf("settings: upsert %s: %w", key, errSave)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// Delete removes an override and refreshes the snapshot.
func Delete(ctx context.Context, db *gorm.DB, key string) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if errDelete := db.WithContext(ctx).Where("key = ?", strings.TrimSpace(key)).Delete(&models.Setting{}).Error; errDelete != nil {
		return fmt.Errorf("settings: delete %s: %w", key, errDelete)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}
