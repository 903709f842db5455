package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-request lookups the read endpoints fan out into:
// reference data by id, plus the one-to-many hangs (results per sample,
// transactions per bill, documents per record).
type Loaders struct {
	AnalysisLoader   *dataloader.Loader[int, *models.Analysis]
	SampleTypeLoader *dataloader.Loader[int, *models.SampleType]
	ClientLoader     *dataloader.Loader[int, *models.Client]
	ProfileLoader    *dataloader.Loader[int, *models.Profile]

	sampleResultLoader    *dataloader.Loader[int, []*models.AnalysisResult]
	billTransactionLoader *dataloader.Loader[int, []*models.TestBillTransaction]

	sampleDocumentLoader  *dataloader.Loader[int, []*models.Document]
	requestDocumentLoader *dataloader.Loader[int, []*models.Document]
	billDocumentLoader    *dataloader.Loader[int, []*models.Document]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	analysisReader := &analysisReader{db: conn}
	sampleTypeReader := &sampleTypeReader{db: conn}
	clientReader := &clientReader{db: conn}
	profileReader := &profileReader{db: conn}
	sampleResultReader := &sampleResultReader{db: conn}
	billTransactionReader := &billTransactionReader{db: conn}

	sampleDocumentReader := &documentReader{db: conn, referenceType: "samples"}
	requestDocumentReader := &documentReader{db: conn, referenceType: "analysis_requests"}
	billDocumentReader := &documentReader{db: conn, referenceType: "test_bills"}

	return &Loaders{
		AnalysisLoader:   dataloader.NewBatchedLoader(analysisReader.getAnalyses, dataloader.WithWait[int, *models.Analysis](time.Millisecond)),
		SampleTypeLoader: dataloader.NewBatchedLoader(sampleTypeReader.getSampleTypes, dataloader.WithWait[int, *models.SampleType](time.Millisecond)),
		ClientLoader:     dataloader.NewBatchedLoader(clientReader.getClients, dataloader.WithWait[int, *models.Client](time.Millisecond)),
		ProfileLoader:    dataloader.NewBatchedLoader(profileReader.getProfiles, dataloader.WithWait[int, *models.Profile](time.Millisecond)),

		sampleResultLoader:    dataloader.NewBatchedLoader(sampleResultReader.getSampleResults, dataloader.WithWait[int, []*models.AnalysisResult](time.Millisecond)),
		billTransactionLoader: dataloader.NewBatchedLoader(billTransactionReader.getBillTransactions, dataloader.WithWait[int, []*models.TestBillTransaction](time.Millisecond)),

		sampleDocumentLoader:  dataloader.NewBatchedLoader(sampleDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
		requestDocumentLoader: dataloader.NewBatchedLoader(requestDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
		billDocumentLoader:    dataloader.NewBatchedLoader(billDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
