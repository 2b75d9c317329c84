package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"gorm.io/gorm"
)

func createAdminNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_admin_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_admin_pending ON admin_notifications (status, next_attempt_at, created_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_admin_destination_created ON admin_notifications (destination_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_admin_correlation ON admin_notifications (correlation_id) WHERE correlation_id IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
