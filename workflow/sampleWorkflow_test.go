package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/lims_backend/models"
)

func sampleWith(results ...models.AnalysisResult) *models.Sample {
	return &models.Sample{Status: models.SampleStatusReceived, Results: results}
}

func reportableResult(status models.ResultStatus) models.AnalysisResult {
	yes := true
	return models.AnalysisResult{Status: status, Reportable: &yes}
}

func nonReportableResult(status models.ResultStatus) models.AnalysisResult {
	no := false
	return models.AnalysisResult{Status: status, Reportable: &no}
}

func TestAggregateStateIgnoresNonReportableResults(t *testing.T) {
	// A cancelled retest must not hold the sample back.
	sample := sampleWith(
		reportableResult(models.ResultStatusResulted),
		reportableResult(models.ResultStatusVerified),
		nonReportableResult(models.ResultStatusCancelled),
	)
	if !allReportableIn(sample, models.ResultStatusResulted, models.ResultStatusVerified) {
		t.Fatal("expected sample to satisfy the submit aggregate with non-reportable excluded")
	}

	sample = sampleWith(
		reportableResult(models.ResultStatusResulted),
		reportableResult(models.ResultStatusPending),
	)
	if allReportableIn(sample, models.ResultStatusResulted, models.ResultStatusVerified) {
		t.Fatal("pending reportable result must block the aggregate")
	}
}

func TestAggregateStateRequiresAtLeastOneReportableResult(t *testing.T) {
	sample := sampleWith(nonReportableResult(models.ResultStatusCancelled))
	if allReportableIn(sample, models.ResultStatusResulted, models.ResultStatusVerified) {
		t.Fatal("a sample with no reportable results must never auto-advance")
	}
}

func TestAllResultsVerifiedSatisfiesApproveAggregate(t *testing.T) {
	sample := sampleWith(
		reportableResult(models.ResultStatusVerified),
		reportableResult(models.ResultStatusVerified),
		reportableResult(models.ResultStatusRetracted),
	)
	if !allReportableIn(sample, models.ResultStatusVerified, models.ResultStatusRetracted) {
		t.Fatal("verified+retracted set must satisfy the approve aggregate")
	}
}

func TestRevertStepsBackExactlyOneState(t *testing.T) {
	cases := []struct {
		from models.SampleStatus
		want models.SampleStatus
	}{
		{models.SampleStatusReceived, models.SampleStatusExpected},
		{models.SampleStatusAwaiting, models.SampleStatusReceived},
		{models.SampleStatusApproved, models.SampleStatusAwaiting},
		{models.SampleStatusPublishing, models.SampleStatusApproved},
		{models.SampleStatusPublished, models.SampleStatusApproved},
	}
	for _, tc := range cases {
		got, ok := revertTarget(tc.from)
		if !ok || got != tc.want {
			t.Fatalf("revertTarget(%s) = %s,%v, want %s", tc.from, got, ok, tc.want)
		}
	}

	for _, terminal := range []models.SampleStatus{
		models.SampleStatusExpected,
		models.SampleStatusScheduled,
		models.SampleStatusCancelled,
		models.SampleStatusRejected,
		models.SampleStatusInvalidated,
	} {
		if _, ok := revertTarget(terminal); ok {
			t.Fatalf("revertTarget(%s) must not resolve", terminal)
		}
	}
}

func TestSelfVerificationRestriction(t *testing.T) {
	submitter := 5
	settings := models.LaboratorySettings{AllowSelfVerification: false}

	// Plain self verification with nothing enabling it: restricted.
	result := &models.AnalysisResult{SubmittedBy: &submitter}
	msg, suggestion, ok := selfVerificationAllowed(result, submitter, settings, false)
	if ok {
		t.Fatal("submitter verifying their own result must be restricted")
	}
	if msg == "" || suggestion == "" {
		t.Fatal("restriction must carry a message and a suggestion")
	}

	// A prior verifier who is not the requester unlocks the chain.
	result = &models.AnalysisResult{
		SubmittedBy: &submitter,
		Verifiers:   []models.ResultVerifier{{UserId: 9}},
	}
	if _, _, ok := selfVerificationAllowed(result, submitter, settings, false); !ok {
		t.Fatal("prior co-verifier must unlock self verification")
	}

	// The same verifier twice is always refused.
	if _, _, ok := selfVerificationAllowed(result, 9, settings, false); ok {
		t.Fatal("a verifier must not verify the same result twice")
	}

	// Different submitter and verifier: no restriction at all.
	other := 6
	result = &models.AnalysisResult{SubmittedBy: &other}
	if _, _, ok := selfVerificationAllowed(result, submitter, settings, false); !ok {
		t.Fatal("distinct submitter and verifier must pass")
	}

	// Analysis-level override allows it.
	result = &models.AnalysisResult{SubmittedBy: &submitter}
	if _, _, ok := selfVerificationAllowed(result, submitter, settings, true); !ok {
		t.Fatal("analysis-level self verification override must pass")
	}

	// Lab-wide flag allows it.
	settings.AllowSelfVerification = true
	if _, _, ok := selfVerificationAllowed(result, submitter, settings, false); !ok {
		t.Fatal("lab-wide self verification flag must pass")
	}
}
