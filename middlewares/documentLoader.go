package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type documentReader struct {
	db            *gorm.DB
	referenceType string
}

func (r *documentReader) getDocuments(ctx context.Context, referenceIds []int) []*dataloader.Result[[]*models.Document] {
	var results []*models.Document
	err := r.db.WithContext(ctx).Where("reference_type = ? AND reference_id IN ?", r.referenceType, referenceIds).Find(&results).Error
	if err != nil {
		return handleError[[]*models.Document](len(referenceIds), err)
	}

	resultMap := make(map[int][]*models.Document)
	for _, result := range results {
		resultMap[result.ReferenceID] = append(resultMap[result.ReferenceID], result)
	}
	var loaderResults []*dataloader.Result[[]*models.Document]
	for _, id := range referenceIds {
		documents := resultMap[id]
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.Document]{Data: documents})
	}
	return loaderResults
}

func GetSampleDocuments(ctx context.Context, sampleId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.sampleDocumentLoader.Load(ctx, sampleId)()
}

func GetRequestDocuments(ctx context.Context, requestId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.requestDocumentLoader.Load(ctx, requestId)()
}

func GetBillDocuments(ctx context.Context, billId int) ([]*models.Document, error) {
	loaders := For(ctx)
	return loaders.billDocumentLoader.Load(ctx, billId)()
}
