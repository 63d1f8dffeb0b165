package utils

import (
	"context"
	"errors"

	"bitbucket.org/hewadtech/budget_backend/config"
)

// check if id exists, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

// check if ALL ids exist, return RecordNotFound error
func ValidateResourcesId[M any, ID comparable](ctx context.Context, ids []ID) error {
	unqIds := UniqueSlice(ids)

	count, err := ResourceCountWhere[M](ctx, "id IN ?", unqIds)
	if err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId int) error {
	var count int64
	var err error
	if exceptId == 0 {
		count, err = ResourceCountWhere[T](ctx, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, column+" = ? AND NOT id = ?", value, exceptId)
	}

	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate " + column)
	}
	return nil
}

// count records matching condition
func ResourceCountWhere[T any](ctx context.Context, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64

	db := config.GetDB()
	err := db.WithContext(ctx).Model(&model).Where(condition, value...).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FetchModel loads one row by id.
func FetchModel[T any](ctx context.Context, id interface{}) (*T, error) {
	var result T
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, "id = ?", id).Error; err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}
