package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BillOrder computes and settles charges for an analysis request. Gated by the
// laboratory settings: billing disabled means no bill, and auto-billing
// additionally requires its own flag. Aggregates profile and standalone
// analysis charges across every sample in the request, resolves current SALE
// discounts, and posts each discount immediately as an AUTO_DISCOUNT
// transaction. A TestBill is created only when total_charged > 0; its
// pricing_lines snapshot freezes the breakdown for audit.
func BillOrder(ctx context.Context, laboratoryId string, requestId int, autoBill bool, settings models.LaboratorySettings, userId int) (*models.TestBill, error) {
	if !settings.AllowBilling {
		return nil, nil
	}
	if autoBill && !settings.AllowAutoBilling {
		return nil, nil
	}

	db := config.GetDB()
	logger := config.GetLogger()

	var bill *models.TestBill
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireLaboratoryPostingLock(tx, laboratoryId); err != nil {
			config.LogError(logger, "billingWorkflow.go", "BillOrder", "AcquireLaboratoryPostingLock", laboratoryId, err)
			return err
		}
		defer ReleaseLaboratoryPostingLock(tx, laboratoryId)

		var request models.AnalysisRequest
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, requestId).
			Preload("Samples.Results").First(&request).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		// Only bill once per order.
		var existing int64
		if err := tx.Model(&models.TestBill{}).
			Where("laboratory_id = ? AND analysis_request_id = ?", laboratoryId, requestId).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("analysis request %d is already billed", requestId)
		}

		lines, err := priceOrderLines(tx, laboratoryId, &request)
		if err != nil {
			config.LogError(logger, "billingWorkflow.go", "BillOrder", "PriceOrderLines", requestId, err)
			return err
		}

		totalCharged := decimal.Zero
		for _, line := range lines {
			totalCharged = totalCharged.Add(line.Price)
		}
		if !totalCharged.GreaterThan(decimal.Zero) {
			return nil
		}

		snapshot, err := utils.MarshalToJSON(lines)
		if err != nil {
			return err
		}
		seqNo, err := utils.GetSequence[models.TestBill](ctx, laboratoryId)
		if err != nil {
			config.LogError(logger, "billingWorkflow.go", "BillOrder", "GetSequence", laboratoryId, err)
			return err
		}

		bill = &models.TestBill{
			LaboratoryId:      laboratoryId,
			AnalysisRequestId: requestId,
			ClientId:          request.ClientId,
			BillNo:            fmt.Sprintf("TB-%06d", seqNo),
			SequenceNo:        seqNo,
			TotalCharged:      totalCharged,
			IsActive:          utils.NewTrue(),
			Partial:           utils.NewTrue(),
			PricingLines:      snapshot,
		}
		if err := tx.Create(bill).Error; err != nil {
			config.LogError(logger, "billingWorkflow.go", "BillOrder", "CreateTestBill", requestId, err)
			return err
		}

		// Resolved SALE discounts settle immediately.
		for _, line := range lines {
			if !line.DiscountAmount.GreaterThan(decimal.Zero) {
				continue
			}
			if err := postDiscountTransaction(tx, laboratoryId, bill, models.TransactionKindAutoDiscount, line.DiscountAmount,
				fmt.Sprintf("%s: %s", line.DiscountName, line.Name), userId); err != nil {
				config.LogError(logger, "billingWorkflow.go", "BillOrder", "PostDiscountTransaction", line, err)
				return err
			}
		}
		return settleBillFlags(tx, bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// ApplyVoucher validates and redeems a voucher code against a bill, posting
// the resolved VOUCHER discounts the same way automatic discounts post. The
// typed billing errors propagate to the caller unmodified.
func ApplyVoucher(ctx context.Context, laboratoryId string, code string, billId int, clientId int, userId int) (*models.TestBill, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var bill models.TestBill
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireLaboratoryPostingLock(tx, laboratoryId); err != nil {
			config.LogError(logger, "billingWorkflow.go", "ApplyVoucher", "AcquireLaboratoryPostingLock", laboratoryId, err)
			return err
		}
		defer ReleaseLaboratoryPostingLock(tx, laboratoryId)

		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, billId).First(&bill).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if bill.IsActive != nil && !*bill.IsActive {
			return models.ErrInactiveTestBill
		}

		var voucherCode models.VoucherCode
		if err := tx.
			Joins("JOIN vouchers ON vouchers.id = voucher_codes.voucher_id").
			Where("vouchers.laboratory_id = ? AND voucher_codes.code = ?", laboratoryId, code).
			First(&voucherCode).Error; err != nil {
			return models.ErrInvalidVoucherCode
		}
		var voucher models.Voucher
		if err := tx.First(&voucher, voucherCode.VoucherId).Error; err != nil {
			return models.ErrInvalidVoucherCode
		}
		alreadyUsed := false
		if voucher.OncePerCustomer {
			var count int64
			if err := tx.Model(&models.VoucherCustomer{}).
				Where("laboratory_id = ? AND voucher_id = ? AND client_id = ?", laboratoryId, voucher.ID, clientId).
				Count(&count).Error; err != nil {
				return err
			}
			alreadyUsed = count > 0
		}
		now := time.Now()
		if err := CheckVoucherRedeemable(voucherCode, voucher, alreadyUsed, now); err != nil {
			return err
		}

		var lines []models.PricingLine
		if err := utils.UnmarshalFromJSON([]byte(bill.PricingLines), &lines); err != nil {
			return fmt.Errorf("test bill %d has a malformed pricing snapshot: %w", bill.ID, err)
		}

		profileDiscounts, analysisDiscounts, err := resolveVoucherDiscounts(tx, laboratoryId, voucher.ID, lines, now)
		if err != nil {
			config.LogError(logger, "billingWorkflow.go", "ApplyVoucher", "ResolveVoucherDiscounts", voucher.ID, err)
			return err
		}
		if voucher.OncePerOrder {
			profileDiscounts = collapseToCheapest(profileDiscounts)
			analysisDiscounts = collapseToCheapest(analysisDiscounts)
		}

		for _, candidate := range append(profileDiscounts, analysisDiscounts...) {
			if !candidate.Amount.GreaterThan(decimal.Zero) {
				continue
			}
			if err := postDiscountTransaction(tx, laboratoryId, &bill, models.TransactionKindVoucher, candidate.Amount,
				fmt.Sprintf("%s: %s", candidate.Name, candidate.LineName), userId); err != nil {
				config.LogError(logger, "billingWorkflow.go", "ApplyVoucher", "PostDiscountTransaction", candidate, err)
				return err
			}
		}

		if err := tx.Model(&models.VoucherCode{}).Where("id = ?", voucherCode.ID).
			Update("used", gorm.Expr("used + 1")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Voucher{}).Where("id = ?", voucher.ID).
			Update("used", gorm.Expr("used + 1")).Error; err != nil {
			return err
		}
		usage := models.VoucherCustomer{
			LaboratoryId: laboratoryId,
			VoucherId:    voucher.ID,
			ClientId:     clientId,
			TestBillId:   bill.ID,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return err
		}
		return settleBillFlags(tx, &bill)
	})
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

// CheckVoucherRedeemable walks the full validity chain for a loaded code and
// its parent voucher: code active, code usage limit, voucher active window,
// voucher usage limit, then the once-per-customer block. Checks run in that
// order so the most specific typed error wins. alreadyUsed is the caller's
// answer to "has this customer redeemed this voucher before"; it only matters
// when the voucher is marked once-per-customer.
func CheckVoucherRedeemable(voucherCode models.VoucherCode, voucher models.Voucher, alreadyUsed bool, now time.Time) error {
	if voucherCode.IsActive != nil && !*voucherCode.IsActive {
		return models.ErrInactiveVoucherCode
	}
	if voucherCode.UsageLimit > 0 && voucherCode.Used >= voucherCode.UsageLimit {
		return models.ErrVoucherCodeLimitExceeded
	}
	if voucher.IsActive != nil && !*voucher.IsActive {
		return models.ErrInactiveVoucherCode
	}
	if voucher.StartDate != nil && now.Before(*voucher.StartDate) {
		return models.ErrInactiveVoucherCode
	}
	if voucher.EndDate != nil && now.After(*voucher.EndDate) {
		return models.ErrInactiveVoucherCode
	}
	if voucher.UsageLimit > 0 && voucher.Used >= voucher.UsageLimit {
		return models.ErrVoucherLimitExceeded
	}
	if voucher.OncePerCustomer && alreadyUsed {
		return models.ErrCustomerAlreadyUsedVoucher
	}
	return nil
}

// discountCandidate is one resolved voucher discount against a bill line.
type discountCandidate struct {
	Name     string
	LineName string
	Amount   decimal.Decimal
}

func resolveVoucherDiscounts(tx *gorm.DB, laboratoryId string, voucherId int, lines []models.PricingLine, now time.Time) (profiles []discountCandidate, analyses []discountCandidate, err error) {
	for _, line := range lines {
		switch line.Kind {
		case "PROFILE":
			var discounts []models.ProfileDiscount
			if err := tx.Where("laboratory_id = ? AND profile_id = ? AND category = ? AND voucher_id = ?",
				laboratoryId, line.ReferenceId, models.DiscountCategoryVoucher, voucherId).
				Find(&discounts).Error; err != nil {
				return nil, nil, err
			}
			for _, d := range discounts {
				if !d.IsCurrent(now) {
					continue
				}
				profiles = append(profiles, discountCandidate{
					Name:     d.Name,
					LineName: line.Name,
					Amount:   utils.CalculateDiscountAmount(line.Price, d.Value, string(d.DiscountType)),
				})
			}
		case "ANALYSIS":
			var discounts []models.AnalysisDiscount
			if err := tx.Where("laboratory_id = ? AND analysis_id = ? AND category = ? AND voucher_id = ?",
				laboratoryId, line.ReferenceId, models.DiscountCategoryVoucher, voucherId).
				Find(&discounts).Error; err != nil {
				return nil, nil, err
			}
			for _, d := range discounts {
				if !d.IsCurrent(now) {
					continue
				}
				analyses = append(analyses, discountCandidate{
					Name:     d.Name,
					LineName: line.Name,
					Amount:   utils.CalculateDiscountAmount(line.Price, d.Value, string(d.DiscountType)),
				})
			}
		}
	}
	return profiles, analyses, nil
}

// collapseToCheapest reduces a once-per-order candidate list to its single
// cheapest-amount entry.
func collapseToCheapest(candidates []discountCandidate) []discountCandidate {
	if len(candidates) <= 1 {
		return candidates
	}
	cheapest := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Amount.LessThan(cheapest.Amount) {
			cheapest = candidate
		}
	}
	return []discountCandidate{cheapest}
}

// priceOrderLines walks every sample in the request and prices ordered
// profiles (once per sample) and standalone analyses (results not spawned by a
// profile, a reflex, or a retest), resolving current SALE discounts per line.
func priceOrderLines(tx *gorm.DB, laboratoryId string, request *models.AnalysisRequest) ([]models.PricingLine, error) {
	now := time.Now()
	var lines []models.PricingLine

	for _, sample := range request.Samples {
		pricedProfiles := map[int]bool{}
		for _, result := range sample.Results {
			if result.ProfileId != nil {
				if pricedProfiles[*result.ProfileId] {
					continue
				}
				pricedProfiles[*result.ProfileId] = true

				var profile models.Profile
				if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, *result.ProfileId).First(&profile).Error; err != nil {
					return nil, err
				}
				var price models.ProfilePrice
				if err := tx.Where("laboratory_id = ? AND profile_id = ? AND is_active = ?", laboratoryId, profile.ID, true).
					Order("id DESC").First(&price).Error; err != nil {
					if err == gorm.ErrRecordNotFound {
						continue
					}
					return nil, err
				}
				line := models.PricingLine{Kind: "PROFILE", ReferenceId: profile.ID, Name: profile.Name, Price: price.Amount}

				var discounts []models.ProfileDiscount
				if err := tx.Where("laboratory_id = ? AND profile_id = ? AND category = ?", laboratoryId, profile.ID, models.DiscountCategorySale).
					Find(&discounts).Error; err != nil {
					return nil, err
				}
				for _, d := range discounts {
					if d.IsCurrent(now) {
						line.DiscountName = d.Name
						line.DiscountAmount = utils.CalculateDiscountAmount(price.Amount, d.Value, string(d.DiscountType))
						break
					}
				}
				lines = append(lines, line)
				continue
			}

			if result.ReflexLevel > 0 || result.Retest {
				continue
			}
			var analysis models.Analysis
			if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, result.AnalysisId).First(&analysis).Error; err != nil {
				return nil, err
			}
			var price models.AnalysisPrice
			if err := tx.Where("laboratory_id = ? AND analysis_id = ? AND is_active = ?", laboratoryId, analysis.ID, true).
				Order("id DESC").First(&price).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					continue
				}
				return nil, err
			}
			line := models.PricingLine{Kind: "ANALYSIS", ReferenceId: analysis.ID, Name: analysis.Name, Price: price.Amount}

			var discounts []models.AnalysisDiscount
			if err := tx.Where("laboratory_id = ? AND analysis_id = ? AND category = ?", laboratoryId, analysis.ID, models.DiscountCategorySale).
				Find(&discounts).Error; err != nil {
				return nil, err
			}
			for _, d := range discounts {
				if d.IsCurrent(now) {
					line.DiscountName = d.Name
					line.DiscountAmount = utils.CalculateDiscountAmount(price.Amount, d.Value, string(d.DiscountType))
					break
				}
			}
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// postDiscountTransaction appends a settled discount transaction and moves
// total_paid by exactly the transaction amount.
func postDiscountTransaction(tx *gorm.DB, laboratoryId string, bill *models.TestBill, kind models.TransactionKind, amount decimal.Decimal, remark string, userId int) error {
	transaction := models.TestBillTransaction{
		LaboratoryId: laboratoryId,
		TestBillId:   bill.ID,
		Kind:         kind,
		Amount:       amount,
		IsSuccess:    utils.NewTrue(),
		Processed:    utils.NewTrue(),
		Remark:       remark,
		CreatedBy:    userId,
	}
	if err := tx.Create(&transaction).Error; err != nil {
		return err
	}
	bill.TotalPaid = bill.TotalPaid.Add(amount)
	return tx.Model(&models.TestBill{}).Where("id = ?", bill.ID).
		Update("total_paid", bill.TotalPaid).Error
}

// settleBillFlags flips partial/active off once the bill is fully paid.
func settleBillFlags(tx *gorm.DB, bill *models.TestBill) error {
	if bill.TotalPaid.LessThan(bill.TotalCharged) {
		return nil
	}
	bill.Partial = utils.NewFalse()
	bill.IsActive = utils.NewFalse()
	return tx.Model(&models.TestBill{}).Where("id = ?", bill.ID).
		Updates(map[string]interface{}{"partial": false, "is_active": false}).Error
}

// PayTestBill appends a manual payment transaction (cash/card/transfer).
func PayTestBill(ctx context.Context, laboratoryId string, billId int, kind models.TransactionKind, amount decimal.Decimal, remark string, userId int) (*models.TestBill, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var bill models.TestBill
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireLaboratoryPostingLock(tx, laboratoryId); err != nil {
			return err
		}
		defer ReleaseLaboratoryPostingLock(tx, laboratoryId)

		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, billId).First(&bill).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if bill.IsActive != nil && !*bill.IsActive {
			return models.ErrInactiveTestBill
		}
		if !amount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("payment amount must be positive")
		}
		if err := postDiscountTransaction(tx, laboratoryId, &bill, kind, amount, remark, userId); err != nil {
			config.LogError(logger, "billingWorkflow.go", "PayTestBill", "PostTransaction", billId, err)
			return err
		}
		return settleBillFlags(tx, &bill)
	})
	if err != nil {
		return nil, err
	}
	return &bill, nil
}
