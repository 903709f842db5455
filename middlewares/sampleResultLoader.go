package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type sampleResultReader struct {
	db *gorm.DB
}

func (r *sampleResultReader) getSampleResults(ctx context.Context, sampleIds []int) []*dataloader.Result[[]*models.AnalysisResult] {
	var results []*models.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("sample_id IN ?", sampleIds).
		Preload("Verifiers").
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return handleError[[]*models.AnalysisResult](len(sampleIds), err)
	}

	resultMap := make(map[int][]*models.AnalysisResult)
	for _, result := range results {
		resultMap[result.SampleId] = append(resultMap[result.SampleId], result)
	}
	loaderResults := make([]*dataloader.Result[[]*models.AnalysisResult], 0, len(sampleIds))
	for _, id := range sampleIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.AnalysisResult]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetSampleResults(ctx context.Context, sampleId int) ([]*models.AnalysisResult, error) {
	loaders := For(ctx)
	return loaders.sampleResultLoader.Load(ctx, sampleId)()
}
