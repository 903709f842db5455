package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

func candidate(name string, amount string) discountCandidate {
	return discountCandidate{Name: name, LineName: name, Amount: dec(amount)}
}

func TestCollapseToCheapestKeepsSingleLowestAmount(t *testing.T) {
	candidates := []discountCandidate{
		candidate("CBC 10%", "500"),
		candidate("Lipid 5%", "120"),
		candidate("Thyroid flat", "300"),
	}

	got := collapseToCheapest(candidates)
	if len(got) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(got))
	}
	if got[0].Name != "Lipid 5%" || !got[0].Amount.Equal(dec("120")) {
		t.Fatalf("expected the cheapest candidate, got %+v", got[0])
	}
}

func TestCollapseToCheapestLeavesSmallListsAlone(t *testing.T) {
	if got := collapseToCheapest(nil); len(got) != 0 {
		t.Fatalf("empty list must stay empty, got %d", len(got))
	}
	one := []discountCandidate{candidate("only", "50")}
	if got := collapseToCheapest(one); len(got) != 1 || got[0].Name != "only" {
		t.Fatalf("single candidate must pass through, got %+v", got)
	}
}

func TestCollapseToCheapestTieKeepsFirst(t *testing.T) {
	candidates := []discountCandidate{
		candidate("first", "100"),
		candidate("second", "100"),
	}
	got := collapseToCheapest(candidates)
	if got[0].Name != "first" {
		t.Fatalf("ties must keep the earliest candidate, got %q", got[0].Name)
	}
}

func redeemableFixture() (models.VoucherCode, models.Voucher) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	code := models.VoucherCode{
		ID:         1,
		VoucherId:  1,
		Code:       "WELCOME10",
		UsageLimit: 5,
		Used:       0,
		IsActive:   utils.NewTrue(),
	}
	voucher := models.Voucher{
		ID:              1,
		UsageLimit:      100,
		Used:            0,
		StartDate:       &start,
		EndDate:         &end,
		OncePerCustomer: true,
		IsActive:        utils.NewTrue(),
	}
	return code, voucher
}

func TestCheckVoucherRedeemable(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		mutate      func(*models.VoucherCode, *models.Voucher)
		alreadyUsed bool
		want        error
	}{
		{
			name:   "valid code and voucher",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {},
			want:   nil,
		},
		{
			name: "inactive code",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				code.IsActive = utils.NewFalse()
			},
			want: models.ErrInactiveVoucherCode,
		},
		{
			name: "code usage limit reached",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				code.Used = code.UsageLimit
			},
			want: models.ErrVoucherCodeLimitExceeded,
		},
		{
			name: "inactive voucher",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				voucher.IsActive = utils.NewFalse()
			},
			want: models.ErrInactiveVoucherCode,
		},
		{
			name: "voucher not yet started",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				future := now.AddDate(0, 1, 0)
				voucher.StartDate = &future
			},
			want: models.ErrInactiveVoucherCode,
		},
		{
			name: "voucher expired",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				past := now.AddDate(0, -1, 0)
				voucher.EndDate = &past
			},
			want: models.ErrInactiveVoucherCode,
		},
		{
			name: "voucher usage limit reached",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				voucher.Used = voucher.UsageLimit
			},
			want: models.ErrVoucherLimitExceeded,
		},
		{
			name:        "customer already redeemed once-per-customer voucher",
			mutate:      func(code *models.VoucherCode, voucher *models.Voucher) {},
			alreadyUsed: true,
			want:        models.ErrCustomerAlreadyUsedVoucher,
		},
		{
			name: "repeat customer allowed when not once-per-customer",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				voucher.OncePerCustomer = false
			},
			alreadyUsed: true,
			want:        nil,
		},
		{
			name: "zero limits mean unlimited",
			mutate: func(code *models.VoucherCode, voucher *models.Voucher) {
				code.UsageLimit = 0
				code.Used = 999
				voucher.UsageLimit = 0
				voucher.Used = 999
			},
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, voucher := redeemableFixture()
			tc.mutate(&code, &voucher)
			got := CheckVoucherRedeemable(code, voucher, tc.alreadyUsed, now)
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCheckVoucherRedeemableCodeChecksWinOverVoucherChecks(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	code, voucher := redeemableFixture()
	code.Used = code.UsageLimit
	voucher.Used = voucher.UsageLimit

	got := CheckVoucherRedeemable(code, voucher, true, now)
	if !errors.Is(got, models.ErrVoucherCodeLimitExceeded) {
		t.Fatalf("expected the code limit error first, got %v", got)
	}
}
