package healthchecks

import (
	"github.com/jinzhu/gorm"

	"github.com/18F/cf-ca-lifecycle/config"
)

func CreateDatabaseChecker(db *gorm.DB) Check {
	return func(settings config.Settings) error {
		return db.DB().Ping()
	}
}
