package account

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, acc *Account) error
	GetByID(ctx context.Context, id int64) (*Account, error)
	FindByIDs(ctx context.Context, ids []int64) ([]Account, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, acc *Account) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if acc.Status == "" {
		acc.Status = StatusValid
	}
	return r.db.WithContext(ctx).Create(acc).Error
}

func (r *gormRepository) GetByID(ctx context.Context, id int64) (*Account, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var acc Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *gormRepository) FindByIDs(ctx context.Context, ids []int64) ([]Account, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var accounts []Account
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id").
		Find(&accounts).Error
	return accounts, err
}
