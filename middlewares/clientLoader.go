package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type clientReader struct {
	db *gorm.DB
}

func (r *clientReader) getClients(ctx context.Context, clientIds []int) []*dataloader.Result[*models.Client] {
	var results []*models.Client
	err := r.db.WithContext(ctx).Where("id IN ?", clientIds).Find(&results).Error
	if err != nil {
		return handleError[*models.Client](len(clientIds), err)
	}

	resultMap := make(map[int]*models.Client, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.Client], 0, len(clientIds))
	for _, id := range clientIds {
		loaderResults = append(loaderResults, &dataloader.Result[*models.Client]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetClientById(ctx context.Context, clientId int) (*models.Client, error) {
	loaders := For(ctx)
	return loaders.ClientLoader.Load(ctx, clientId)()
}
