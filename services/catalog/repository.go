package catalog

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetTaskCategory(ctx context.Context, category int) (*TaskCategory, error)
	ListTaskCategories(ctx context.Context) ([]TaskCategory, error)
	ListAreas(ctx context.Context) ([]Area, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var u User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetTaskCategory(ctx context.Context, category int) (*TaskCategory, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var c TaskCategory
	if err := r.db.WithContext(ctx).Where("category = ?", category).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) ListTaskCategories(ctx context.Context) ([]TaskCategory, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var out []TaskCategory
	err := r.db.WithContext(ctx).Order("category").Find(&out).Error
	return out, err
}

func (r *gormRepository) ListAreas(ctx context.Context) ([]Area, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var out []Area
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}
