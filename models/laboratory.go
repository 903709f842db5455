package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

// Laboratory is the tenant. Every tenant-scoped row carries its LaboratoryId.
type Laboratory struct {
	ID        int       `gorm:"primary_key" json:"id"`
	PublicId  string    `gorm:"size:64;uniqueIndex;not null" json:"public_id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:30" json:"phone"`
	Address   string    `gorm:"type:text" json:"address"`
	IsActive  *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Settings columns are embedded so a single row read yields the full
	// settings value object handed to workflow operations.
	AllowSelfVerification bool   `gorm:"default:false" json:"allow_self_verification"`
	AllowBilling          bool   `gorm:"default:true" json:"allow_billing"`
	AllowAutoBilling      bool   `gorm:"default:false" json:"allow_auto_billing"`
	Timezone              string `gorm:"size:64;default:'Asia/Yangon'" json:"timezone"`
	Currency              string `gorm:"size:8;default:'MMK'" json:"currency"`
}

// LaboratorySettings is passed explicitly into workflow operations instead of
// being looked up ambiently, so unit tests stay deterministic.
type LaboratorySettings struct {
	AllowSelfVerification bool
	AllowBilling          bool
	AllowAutoBilling      bool
	Timezone              string
	Currency              string
}

func (lab *Laboratory) Settings() LaboratorySettings {
	return LaboratorySettings{
		AllowSelfVerification: lab.AllowSelfVerification,
		AllowBilling:          lab.AllowBilling,
		AllowAutoBilling:      lab.AllowAutoBilling,
		Timezone:              lab.Timezone,
		Currency:              lab.Currency,
	}
}

// GetLaboratorySettings loads the settings value object for the request's tenant.
func GetLaboratorySettings(ctx context.Context) (LaboratorySettings, error) {
	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return LaboratorySettings{}, errors.New("laboratory id is required")
	}

	// Cached lookup: redis first, db fallback.
	cached, err := utils.RetrieveRedisList[Laboratory](laboratoryId)
	if err != nil {
		return LaboratorySettings{}, err
	}
	if len(cached) == 1 {
		return cached[0].Settings(), nil
	}

	db := config.GetDB()
	var lab Laboratory
	if err := db.WithContext(ctx).Where("public_id = ?", laboratoryId).First(&lab).Error; err != nil {
		return LaboratorySettings{}, utils.ErrorRecordNotFound
	}
	if err := utils.StoreRedisList[Laboratory]([]*Laboratory{&lab}, laboratoryId); err != nil {
		return LaboratorySettings{}, err
	}
	return lab.Settings(), nil
}
