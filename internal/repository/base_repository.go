package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	appErr "github.com/releaseplane/engine/pkg/errors"
)

type baseRepository[T any] struct {
	db     *gorm.DB
	entity string
}

func newBaseRepository[T any](db *gorm.DB, entity string) baseRepository[T] {
	return baseRepository[T]{db: db, entity: entity}
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	return translate(r.db.WithContext(ctx).Create(obj).Error, r.entity)
}

func (r *baseRepository[T]) Get(ctx context.Context, id uuid.UUID) (*T, error) {
	var out T
	if err := r.db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, translate(err, r.entity)
	}
	return &out, nil
}

func (r *baseRepository[T]) Update(ctx context.Context, obj *T) error {
	return translate(r.db.WithContext(ctx).Save(obj).Error, r.entity)
}

func (r *baseRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	var t T
	res := r.db.WithContext(ctx).Delete(&t, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error, r.entity)
	}
	if res.RowsAffected == 0 {
		return appErr.Newf(appErr.CodeNotFound, "%s %s not found", r.entity, id)
	}
	return nil
}

func (r *baseRepository[T]) list(ctx context.Context, order string, query any, args ...any) ([]T, error) {
	var out []T
	if err := r.db.WithContext(ctx).Where(query, args...).Order(order).Find(&out).Error; err != nil {
		return nil, translate(err, r.entity)
	}
	return out, nil
}

func (r *baseRepository[T]) first(ctx context.Context, query any, args ...any) (*T, error) {
	var out T
	if err := r.db.WithContext(ctx).Where(query, args...).First(&out).Error; err != nil {
		return nil, translate(err, r.entity)
	}
	return &out, nil
}
