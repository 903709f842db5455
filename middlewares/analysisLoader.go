package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type analysisReader struct {
	db *gorm.DB
}

// Tenant scoping rides on the request context via the tenant guard plugin.
func (r *analysisReader) getAnalyses(ctx context.Context, analysisIds []int) []*dataloader.Result[*models.Analysis] {
	var results []*models.Analysis
	err := r.db.WithContext(ctx).Where("id IN ?", analysisIds).Find(&results).Error
	if err != nil {
		return handleError[*models.Analysis](len(analysisIds), err)
	}

	resultMap := make(map[int]*models.Analysis, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.Analysis], 0, len(analysisIds))
	for _, id := range analysisIds {
		loaderResults = append(loaderResults, &dataloader.Result[*models.Analysis]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetAnalysisById(ctx context.Context, analysisId int) (*models.Analysis, error) {
	loaders := For(ctx)
	return loaders.AnalysisLoader.Load(ctx, analysisId)()
}
