package models

import (
	"log"

	"bitbucket.org/mmdatafocus/lims_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Laboratory{}, &User{}, &Client{},
		&SampleType{},
		&Analysis{}, &AnalysisPrice{}, &AnalysisDiscount{},
		&CorrectionFactor{}, &ResultSpecification{}, &DetectionLimit{}, &Uncertainty{},
		&Profile{}, &ProfileAnalysis{}, &ProfilePrice{}, &ProfileDiscount{},
		&AnalysisRequest{}, &Sample{},
		&AnalysisResult{}, &ResultVerifier{}, &ResultMutation{},
		&Worksheet{},
		&ReflexRule{}, &ReflexTrigger{}, &ReflexTriggerAnalysis{},
		&ReflexDecision{}, &ReflexRuleGroup{}, &ReflexRuleCriteria{},
		&ReflexAddAnalysis{}, &ReflexFinalizeAnalysis{}, &ReflexDecisionExecution{},
		&TestBill{}, &TestBillTransaction{},
		&Voucher{}, &VoucherCode{}, &VoucherCustomer{},
		&History{}, &Document{},
		&JobRecord{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
