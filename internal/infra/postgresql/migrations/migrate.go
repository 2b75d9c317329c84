package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate provisions the queue schema. It is safe to run on every start.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createAdminNotificationsTable(),
		addAdminNotificationsLastErrorColumn(),
		createDeliveryAttemptsTable(),
	})

	return m.Migrate()
}
