package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
)

// Voucher is a discount grant; VoucherCode is one of its redeemable codes.
type Voucher struct {
	ID           int        `gorm:"primary_key" json:"id"`
	LaboratoryId string     `gorm:"index;not null" json:"laboratory_id"`
	Name         string     `gorm:"size:255;not null" json:"name" binding:"required"`
	UsageLimit   int        `gorm:"default:0" json:"usage_limit"`
	Used         int        `gorm:"default:0" json:"used"`
	StartDate    *time.Time `json:"start_date"`
	EndDate      *time.Time `json:"end_date"`
	// OncePerCustomer blocks a second redemption by the same customer.
	OncePerCustomer bool `gorm:"default:false" json:"once_per_customer"`
	// OncePerOrder collapses the matching discount candidates to a single
	// cheapest entry per category before applying.
	OncePerOrder bool      `gorm:"default:false" json:"once_per_order"`
	IsActive     *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Codes []VoucherCode `gorm:"foreignKey:VoucherId" json:"codes"`
}

func (obj Voucher) GetLaboratoryId() string {
	return obj.LaboratoryId
}

type VoucherCode struct {
	ID         int       `gorm:"primary_key" json:"id"`
	VoucherId  int       `gorm:"index;not null" json:"voucher_id"`
	Code       string    `gorm:"size:50;not null;index" json:"code"`
	UsageLimit int       `gorm:"default:0" json:"usage_limit"`
	Used       int       `gorm:"default:0" json:"used"`
	IsActive   *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// VoucherCustomer records one customer's redemption of a voucher, backing the
// once_per_customer check.
type VoucherCustomer struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	VoucherId    int       `gorm:"index;not null" json:"voucher_id"`
	ClientId     int       `gorm:"index;not null" json:"client_id"`
	TestBillId   int       `gorm:"index" json:"test_bill_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (obj VoucherCustomer) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// FindVoucherCode loads a code with its parent voucher, tenant-scoped through
// the voucher row.
func FindVoucherCode(ctx context.Context, laboratoryId string, code string) (*VoucherCode, *Voucher, error) {
	db := config.GetDB()
	var voucherCode VoucherCode
	err := db.WithContext(ctx).
		Joins("JOIN vouchers ON vouchers.id = voucher_codes.voucher_id").
		Where("vouchers.laboratory_id = ? AND voucher_codes.code = ?", laboratoryId, code).
		First(&voucherCode).Error
	if err != nil {
		return nil, nil, ErrInvalidVoucherCode
	}
	var voucher Voucher
	if err := db.WithContext(ctx).First(&voucher, voucherCode.VoucherId).Error; err != nil {
		return nil, nil, ErrInvalidVoucherCode
	}
	return &voucherCode, &voucher, nil
}

// CustomerUsedVoucher reports whether the customer already redeemed the voucher.
func CustomerUsedVoucher(ctx context.Context, laboratoryId string, voucherId int, clientId int) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&VoucherCustomer{}).
		Where("laboratory_id = ? AND voucher_id = ? AND client_id = ?", laboratoryId, voucherId, clientId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
