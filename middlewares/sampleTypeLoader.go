package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type sampleTypeReader struct {
	db *gorm.DB
}

func (r *sampleTypeReader) getSampleTypes(ctx context.Context, sampleTypeIds []int) []*dataloader.Result[*models.SampleType] {
	var results []*models.SampleType
	err := r.db.WithContext(ctx).Where("id IN ?", sampleTypeIds).Find(&results).Error
	if err != nil {
		return handleError[*models.SampleType](len(sampleTypeIds), err)
	}

	resultMap := make(map[int]*models.SampleType, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.SampleType], 0, len(sampleTypeIds))
	for _, id := range sampleTypeIds {
		loaderResults = append(loaderResults, &dataloader.Result[*models.SampleType]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetSampleTypeById(ctx context.Context, sampleTypeId int) (*models.SampleType, error) {
	loaders := For(ctx)
	return loaders.SampleTypeLoader.Load(ctx, sampleTypeId)()
}
