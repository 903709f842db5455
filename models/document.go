package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

// Document is a stored file attached to a record: a requisition scan on a
// sample, or a generated report on an analysis request.
type Document struct {
	ID            int    `gorm:"primary_key" json:"id"`
	DocumentUrl   string `json:"document_url"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   int    `json:"reference_id"`
}

type NewDocument struct {
	DocumentUrl string `json:"document_url"`
}

type UploadResponse struct {
	ImageUrl string `json:"image_url"`
}

func (input NewDocument) MapInput(referenceType string, referenceId int) (*Document, error) {
	if err := utils.CheckImageExistInGCS(input.DocumentUrl); err != nil {
		return nil, err
	}
	return &Document{
		DocumentUrl:   input.DocumentUrl,
		ReferenceType: referenceType,
		ReferenceID:   referenceId,
	}, nil
}

func (d *Document) Store(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Create(&d).Error
}

// Delete removes the row only; the backing object is cleaned up separately
// because several rows may point at the same URL.
func (d *Document) Delete(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Delete(&d).Error
}

// attachmentTables maps polymorphic reference types to their tables. Unknown
// types are denied rather than risking cross-tenant leakage.
var attachmentTables = map[string]string{
	"samples":           "samples",
	"analysis_requests": "analysis_requests",
	"test_bills":        "test_bills",
	"worksheets":        "worksheets",
	"clients":           "clients",
}

// CreateAttachmentFromURL stores a document row for an uploaded object after
// validating that the referenced record belongs to the request's laboratory.
func CreateAttachmentFromURL(ctx context.Context, documentURL string, referenceType string, referenceId int) (*Document, error) {
	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return nil, errors.New("laboratory id is required")
	}
	table, ok := attachmentTables[referenceType]
	if !ok || table == "" {
		return nil, errors.New("unsupported reference type")
	}

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).
		Table(table).
		Where("laboratory_id = ? AND id = ?", laboratoryId, referenceId).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.New("unauthorized")
	}

	doc, err := NewDocument{DocumentUrl: documentURL}.MapInput(referenceType, referenceId)
	if err != nil {
		return nil, err
	}
	if err := doc.Store(db, ctx); err != nil {
		return nil, err
	}
	return doc, nil
}

func GetDocument(ctx context.Context, id int) (*Document, error) {

	doc, err := utils.FetchSingleModel[Document](ctx, id)
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	result := *doc
	db := config.GetDB()

	// Enforce tenant ownership (fail closed) unless explicitly bypassed for admin/internal ops.
	if skip, ok := utils.GetSkipTenantScopeFromContext(ctx); ok && skip {
		return &result, nil
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return &result, nil
	}

	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return nil, errors.New("laboratory id is required")
	}
	if result.ReferenceType == "" || result.ReferenceID <= 0 {
		return nil, errors.New("unauthorized")
	}

	// Validate the referenced record belongs to this laboratory_id.
	table, ok := attachmentTables[result.ReferenceType]
	if !ok || table == "" {
		// Unknown polymorphic type => deny rather than risk cross-tenant leakage.
		return nil, errors.New("unauthorized")
	}

	var count int64
	if err := db.WithContext(ctx).
		Table(table).
		Where("laboratory_id = ? AND id = ?", laboratoryId, result.ReferenceID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.New("unauthorized")
	}

	return &result, nil
}

// DeleteDocument detaches an attachment. The backing object goes too, unless
// another document row still points at the same URL.
func DeleteDocument(ctx context.Context, id int) (*Document, error) {
	doc, err := GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return doc.Delete(tx, ctx)
	})
	if err != nil {
		return nil, err
	}

	if _, err := RemoveFile(ctx, doc.DocumentUrl); err != nil {
		// Shared or already-gone objects are left alone; the row removal stands.
		config.LogError(config.GetLogger(), "document.go", "DeleteDocument", "RemoveFile", doc.DocumentUrl, err)
	}
	return doc, nil
}

// RemoveFile deletes an uploaded object that is not referenced by any document row.
func RemoveFile(ctx context.Context, fullUrl string) (*UploadResponse, error) {

	var count int64
	db := config.GetDB()

	if err := db.Model(&Document{}).WithContext(ctx).Where("document_url = ?", fullUrl).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("cannot delete file associated with database")
	}

	objectName := utils.ExtractObjectKeyFromURL(fullUrl)
	if objectName == "" {
		return nil, errors.New("invalid url")
	}
	if ok, err := utils.ObjectExistsInGCS(ctx, objectName); !ok || err != nil {
		return nil, errors.New("object does not exist")
	}

	if err := utils.DeleteImageFromGCS(ctx, objectName); err != nil {
		return nil, err
	}

	return &UploadResponse{
		ImageUrl: fullUrl,
	}, nil
}
