package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"gorm.io/gorm"
)

// Tables created before failure details were persisted lack last_error.
func addAdminNotificationsLastErrorColumn() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_admin_notifications_last_error",
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasColumn(&repository.NotificationModel{}, "LastError") {
				return nil
			}
			return tx.Migrator().AddColumn(&repository.NotificationModel{}, "LastError")
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropColumn(&repository.NotificationModel{}, "LastError")
		},
	}
}
