package workflow

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/shopspring/decimal"
)

// MutationRules is the per-analysis rule set applied when a result value is
// submitted. Loaded from the Analysis associations; passed in explicitly so
// the pipeline itself stays free of storage access.
type MutationRules struct {
	CorrectionFactors []models.CorrectionFactor
	Specifications    []models.ResultSpecification
	DetectionLimits   []models.DetectionLimit
	Uncertainties     []models.Uncertainty
}

// AppliedMutation is one audited pipeline step. Recorded only when the step
// actually changed the value (before != after).
type AppliedMutation struct {
	Before      string
	After       string
	Description string
}

// ApplyResultMutations runs the submit-time value pipeline in fixed order:
// correction factor, specification bounds, detection limits, uncertainty
// banding. Order matters: later steps read the already-mutated value.
// Text values run only the specification-bound step (warn-value literals).
func ApplyResultMutations(value models.ResultValue, instrumentId *int, methodId *int, rules MutationRules) (models.ResultValue, []AppliedMutation) {
	var applied []AppliedMutation

	value = applyCorrectionFactor(value, instrumentId, methodId, rules.CorrectionFactors, &applied)
	value = applySpecificationBounds(value, rules.Specifications, &applied)
	value = applyDetectionLimits(value, rules.DetectionLimits, &applied)
	value = applyUncertainty(value, rules.Uncertainties, &applied)

	return value, applied
}

func applyCorrectionFactor(value models.ResultValue, instrumentId *int, methodId *int, factors []models.CorrectionFactor, applied *[]AppliedMutation) models.ResultValue {
	if value.Kind != models.ResultValueNumeric {
		return value
	}
	for _, factor := range factors {
		if instrumentId == nil || methodId == nil {
			continue
		}
		if factor.InstrumentId != *instrumentId || factor.MethodId != *methodId {
			continue
		}
		corrected := value.Num.Mul(factor.Factor)
		if corrected.Equal(value.Num) {
			return value
		}
		*applied = append(*applied, AppliedMutation{
			Before:      value.Num.String(),
			After:       corrected.String(),
			Description: fmt.Sprintf("correction factor %s applied (instrument %d, method %d)", factor.Factor.String(), factor.InstrumentId, factor.MethodId),
		})
		return models.ResultValue{Kind: models.ResultValueNumeric, Num: corrected}
	}
	return value
}

func applySpecificationBounds(value models.ResultValue, specs []models.ResultSpecification, applied *[]AppliedMutation) models.ResultValue {
	for _, spec := range specs {
		switch value.Kind {
		case models.ResultValueNumeric:
			if spec.MaxWarn != nil && value.Num.GreaterThan(*spec.MaxWarn) && spec.MaxReport != "" {
				*applied = append(*applied, AppliedMutation{
					Before:      value.Num.String(),
					After:       spec.MaxReport,
					Description: fmt.Sprintf("value above max warn %s, reported as %s", spec.MaxWarn.String(), spec.MaxReport),
				})
				return models.ResultValue{Kind: models.ResultValueText, Text: spec.MaxReport}
			}
			if spec.MinWarn != nil && value.Num.LessThan(*spec.MinWarn) && spec.MinReport != "" {
				*applied = append(*applied, AppliedMutation{
					Before:      value.Num.String(),
					After:       spec.MinReport,
					Description: fmt.Sprintf("value below min warn %s, reported as %s", spec.MinWarn.String(), spec.MinReport),
				})
				return models.ResultValue{Kind: models.ResultValueText, Text: spec.MinReport}
			}
		case models.ResultValueText:
			if spec.WarnValues == "" || spec.WarnReport == "" {
				continue
			}
			for _, warn := range strings.Split(spec.WarnValues, ",") {
				if strings.TrimSpace(warn) != value.Text {
					continue
				}
				if spec.WarnReport == value.Text {
					return value
				}
				*applied = append(*applied, AppliedMutation{
					Before:      value.Text,
					After:       spec.WarnReport,
					Description: fmt.Sprintf("warn value %q reported as %s", value.Text, spec.WarnReport),
				})
				return models.ResultValue{Kind: models.ResultValueText, Text: spec.WarnReport}
			}
		}
	}
	return value
}

func applyDetectionLimits(value models.ResultValue, limits []models.DetectionLimit, applied *[]AppliedMutation) models.ResultValue {
	if value.Kind != models.ResultValueNumeric {
		return value
	}
	for _, limit := range limits {
		if limit.LowerLimit != nil && value.Num.LessThan(*limit.LowerLimit) {
			sentinel := "< " + limit.LowerLimit.String()
			*applied = append(*applied, AppliedMutation{
				Before:      value.Num.String(),
				After:       sentinel,
				Description: fmt.Sprintf("value below detection limit %s", limit.LowerLimit.String()),
			})
			return models.ResultValue{Kind: models.ResultValueSentinel, Text: sentinel}
		}
		if limit.UpperLimit != nil && value.Num.GreaterThan(*limit.UpperLimit) {
			sentinel := "> " + limit.UpperLimit.String()
			*applied = append(*applied, AppliedMutation{
				Before:      value.Num.String(),
				After:       sentinel,
				Description: fmt.Sprintf("value above detection limit %s", limit.UpperLimit.String()),
			})
			return models.ResultValue{Kind: models.ResultValueSentinel, Text: sentinel}
		}
	}
	return value
}

func applyUncertainty(value models.ResultValue, uncertainties []models.Uncertainty, applied *[]AppliedMutation) models.ResultValue {
	if value.Kind != models.ResultValueNumeric {
		return value
	}
	for _, u := range uncertainties {
		if u.Min != nil && value.Num.LessThan(*u.Min) {
			continue
		}
		if u.Max != nil && value.Num.GreaterThan(*u.Max) {
			continue
		}
		if u.Value.Equal(decimal.Zero) {
			continue
		}
		annotated := fmt.Sprintf("%s +/- %s", value.Num.String(), u.Value.String())
		*applied = append(*applied, AppliedMutation{
			Before:      value.Num.String(),
			After:       annotated,
			Description: fmt.Sprintf("uncertainty %s applied within [%s, %s]", u.Value.String(), boundString(u.Min), boundString(u.Max)),
		})
		return models.ResultValue{Kind: models.ResultValueText, Text: annotated}
	}
	return value
}

func boundString(bound *decimal.Decimal) string {
	if bound == nil {
		return "-"
	}
	return bound.String()
}
