package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"github.com/shopspring/decimal"
)

// Typed billing errors. Each is raised for its named precondition and
// propagates to the caller unmodified.
var (
	ErrInactiveTestBill          = errors.New("test bill is not active")
	ErrInvalidVoucherCode        = errors.New("voucher code does not exist")
	ErrInactiveVoucherCode       = errors.New("voucher code is not active")
	ErrVoucherCodeLimitExceeded  = errors.New("voucher code usage limit exceeded")
	ErrVoucherLimitExceeded      = errors.New("voucher usage limit exceeded")
	ErrCustomerAlreadyUsedVoucher = errors.New("customer has already used this voucher")
)

// TestBill is the financial record for one analysis request's charges.
// Created only when the order carries a charge (total_charged > 0).
type TestBill struct {
	ID                int             `gorm:"primary_key" json:"id"`
	LaboratoryId      string          `gorm:"index;not null" json:"laboratory_id"`
	AnalysisRequestId int             `gorm:"index;not null" json:"analysis_request_id"`
	ClientId          int             `gorm:"index;not null" json:"client_id"`
	BillNo            string          `gorm:"size:50;index" json:"bill_no"`
	SequenceNo        int64           `gorm:"index" json:"sequence_no"`
	TotalCharged      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_charged"`
	TotalPaid         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_paid"`
	IsActive          *bool           `gorm:"default:true" json:"is_active"`
	Partial           *bool           `gorm:"default:true" json:"partial"`
	ToConfirm         *bool           `gorm:"default:false" json:"to_confirm"`

	// PricingLines freezes the priced/discounted breakdown at creation time for
	// audit, even if prices change later. JSON-encoded []PricingLine.
	PricingLines string `gorm:"type:text" json:"pricing_lines"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Transactions []TestBillTransaction `gorm:"foreignKey:TestBillId" json:"transactions"`
}

func (obj TestBill) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// PricingLine is one priced profile/analysis entry in the snapshot.
type PricingLine struct {
	Kind           string          `json:"kind"` // "PROFILE" | "ANALYSIS"
	ReferenceId    int             `json:"reference_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	DiscountName   string          `json:"discount_name,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// TestBillTransaction records each charge/discount/payment event. Appended,
// never retroactively edited; corrections are new compensating transactions.
type TestBillTransaction struct {
	ID           int             `gorm:"primary_key" json:"id"`
	LaboratoryId string          `gorm:"index;not null" json:"laboratory_id"`
	TestBillId   int             `gorm:"index;not null" json:"test_bill_id"`
	Kind         TransactionKind `gorm:"size:30;not null" json:"kind"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IsSuccess    *bool           `gorm:"default:false" json:"is_success"`
	Processed    *bool           `gorm:"default:false" json:"processed"`
	Remark       string          `gorm:"size:255" json:"remark"`
	CreatedBy    int             `gorm:"index" json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (obj TestBillTransaction) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func GetTestBill(ctx context.Context, laboratoryId string, id int) (*TestBill, error) {
	return utils.FetchModel[TestBill](ctx, laboratoryId, id, "Transactions")
}

func GetTestBillForRequest(ctx context.Context, laboratoryId string, requestId int) (*TestBill, error) {
	db := config.GetDB()
	var bill TestBill
	err := db.WithContext(ctx).
		Where("laboratory_id = ? AND analysis_request_id = ?", laboratoryId, requestId).
		Preload("Transactions").
		First(&bill).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &bill, nil
}
