package models

import "github.com/jinzhu/gorm"

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&CertRecord{}, &ConfigEntry{}, &IssuingPointRecord{}).Error; err != nil {
		return err
	}
	return nil
}
