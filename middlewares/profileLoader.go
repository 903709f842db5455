package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type profileReader struct {
	db *gorm.DB
}

func (r *profileReader) getProfiles(ctx context.Context, profileIds []int) []*dataloader.Result[*models.Profile] {
	var results []*models.Profile
	err := r.db.WithContext(ctx).Where("id IN ?", profileIds).Preload("Analyses").Find(&results).Error
	if err != nil {
		return handleError[*models.Profile](len(profileIds), err)
	}

	resultMap := make(map[int]*models.Profile, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.Profile], 0, len(profileIds))
	for _, id := range profileIds {
		loaderResults = append(loaderResults, &dataloader.Result[*models.Profile]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetProfileById(ctx context.Context, profileId int) (*models.Profile, error) {
	loaders := For(ctx)
	return loaders.ProfileLoader.Load(ctx, profileId)()
}
