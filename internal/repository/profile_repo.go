package repository

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/kursadbilgin/notify-relay/internal/domain"
	"gorm.io/gorm"
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, telegramID int64) (domain.UserProfile, error)
}

// GormProfileRepo looks up destination details in the host application's
// users table. The table is optional; when it does not exist every lookup
// reports ErrNotFound. Only a positive table check is cached, so a table the
// host creates later is picked up without a restart.
type GormProfileRepo struct {
	db *gorm.DB

	hasTable atomic.Bool
}

func NewGormProfileRepo(db *gorm.DB) *GormProfileRepo {
	return &GormProfileRepo{db: db}
}

func (r *GormProfileRepo) GetProfile(ctx context.Context, telegramID int64) (domain.UserProfile, error) {
	if !r.hasTable.Load() {
		if !r.db.WithContext(ctx).Migrator().HasTable(&UserProfileModel{}) {
			if err := ctx.Err(); err != nil {
				return domain.BareProfile(telegramID), err
			}
			return domain.BareProfile(telegramID), domain.ErrNotFound
		}
		r.hasTable.Store(true)
	}

	var model UserProfileModel
	err := r.db.WithContext(ctx).
		Where("telegram_id = ?", telegramID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.BareProfile(telegramID), domain.ErrNotFound
	}
	if err != nil {
		return domain.BareProfile(telegramID), err
	}

	return profileModelToDomain(&model), nil
}
