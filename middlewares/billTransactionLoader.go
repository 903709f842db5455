package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type billTransactionReader struct {
	db *gorm.DB
}

func (r *billTransactionReader) getBillTransactions(ctx context.Context, billIds []int) []*dataloader.Result[[]*models.TestBillTransaction] {
	var results []*models.TestBillTransaction
	err := r.db.WithContext(ctx).
		Where("test_bill_id IN ?", billIds).
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return handleError[[]*models.TestBillTransaction](len(billIds), err)
	}

	resultMap := make(map[int][]*models.TestBillTransaction)
	for _, result := range results {
		resultMap[result.TestBillId] = append(resultMap[result.TestBillId], result)
	}
	loaderResults := make([]*dataloader.Result[[]*models.TestBillTransaction], 0, len(billIds))
	for _, id := range billIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.TestBillTransaction]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetBillTransactions(ctx context.Context, billId int) ([]*models.TestBillTransaction, error) {
	loaders := For(ctx)
	return loaders.billTransactionLoader.Load(ctx, billId)()
}
