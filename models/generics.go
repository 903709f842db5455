package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

type Resource interface {
	GetLaboratoryId() string
}

// first find in redis, then in db, using ctx's laboratory_id in WHERE, cache result
// (may return RecordNotFound error)
func GetResource[T Resource](ctx context.Context, id int, associations ...string) (*T, error) {

	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return nil, errors.New("laboratory id is required")
	}
	// find in redis
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		return nil, err
	}
	// if not found in redis
	if result == nil {
		// fetch from db
		result, err = utils.FetchModel[T](ctx, laboratoryId, id, associations...)
		if err != nil {
			return nil, err
		}

		// store in redis
		if err := utils.StoreRedis[T](result, id); err != nil {
			return nil, err
		}
	} else {
		// if found in redis
		// check if laboratory ids match
		if (*result).GetLaboratoryId() != laboratoryId {
			return nil, errors.New("cannot access resource owned by other laboratory")
		}
	}

	return result, nil
}

// list all resources, redis or db, cache result
func ListAllResource[ModelT any, AllModelT any](ctx context.Context, orders ...string) ([]*AllModelT, error) {

	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return nil, errors.New("laboratory id is required")
	}

	// first try redis cache
	results, err := utils.RetrieveRedisList[AllModelT](laboratoryId)
	if err != nil {
		return nil, err
	}
	// if not exists in redis
	if results == nil {
		// fetch from db
		db := config.GetDB()
		var model ModelT
		dbCtx := db.WithContext(ctx).Where("laboratory_id = ?", laboratoryId)
		for _, order := range orders {
			dbCtx.Order(order)
		}
		// db query
		if err = dbCtx.Model(&model).Find(&results).Error; err != nil {
			return nil, err
		}

		// caching the result
		if err := utils.StoreRedisList[AllModelT](results, laboratoryId); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// RedisCleaner lets a model clear both its item and list cache entries.
type RedisCleaner interface {
	Resource
}

// RemoveRedisBoth clears the cached item and the tenant list for a model.
func RemoveRedisBoth[T RedisCleaner](obj T, id int) error {
	if err := utils.RemoveRedisItem[T](id); err != nil {
		return err
	}
	return utils.RemoveRedisList[T](obj.GetLaboratoryId())
}
