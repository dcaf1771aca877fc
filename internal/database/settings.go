package database

import (
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingStore is the key/value table backing generated secrets.
type SettingStore struct {
	DB *gorm.DB
}

func (s SettingStore) GetSetting(key string) (string, error) {
	var setting store.Setting
	if err := s.DB.Where("setting_key = ?", key).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s SettingStore) SetSetting(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&store.Setting{Key: key, Value: value}).Error
}
