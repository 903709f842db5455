package config

import (
	"os"
	"strings"
)

// RetestKeepsOriginalReportable keeps a retested result on the report alongside
// the new PENDING result. When disabled, the retested result's reportable flag
// is cleared and only the new result counts toward the sample aggregate.
//
// Set via env:
// - RETEST_KEEPS_ORIGINAL_REPORTABLE=false
func RetestKeepsOriginalReportable() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RETEST_KEEPS_ORIGINAL_REPORTABLE")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AutoPublishOnApprove skips the manual print step: approving the last pending
// sample of an order immediately queues report generation.
//
// Set via env:
// - AUTO_PUBLISH_ON_APPROVE=true
func AutoPublishOnApprove() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTO_PUBLISH_ON_APPROVE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ReflexOnSubmit runs reflex evaluation inline on result submission instead of
// deferring it to the job queue.
//
// Set via env:
// - REFLEX_ON_SUBMIT_INLINE=true
func ReflexOnSubmit() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REFLEX_ON_SUBMIT_INLINE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
