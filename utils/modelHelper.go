package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/config"
)

type ModelChangeLocker interface {
	CheckChangeLock(context.Context) error
}

/* DB fetching */

// fetch model from db
// (may return RecordNotFound)
func FetchSingleModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// fetch model from db
// (ctx's laboratory_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, laboratoryId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("laboratory_id = ?", laboratoryId)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// fetch model and check that it is still in a mutable state
func FetchModelForChange[T ModelChangeLocker](ctx context.Context, laboratoryId string, id int, associations ...string) (*T, error) {
	result, err := FetchModel[T](ctx, laboratoryId, id, associations...)
	if err != nil {
		return nil, err
	}
	if err := (*result).CheckChangeLock(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// fetch all models from db
// (ctx's laboratory_id is used in query's WHERE)
func FetchAllModels[T any](ctx context.Context, laboratoryId string, associations ...string) ([]*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("laboratory_id = ?", laboratoryId)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var results []*T
	err := dbCtx.Find(&results).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return results, nil
}

