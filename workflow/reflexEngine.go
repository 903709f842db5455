package workflow

import (
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CompiledDecision is one evaluable node flattened out of the reflex rule
// graph. Compilation happens once per evaluation pass so the hot loop never
// chases live relationship lookups.
type CompiledDecision struct {
	RuleId       int
	TriggerId    int
	DecisionId   int
	SampleTypeId int
	Level        int
	Priority     int

	// TriggerAnalyses must all be present as verified results for the trigger to match.
	TriggerAnalyses []int

	// Groups are OR-combined; criteria within one group are AND-combined.
	Groups [][]models.ReflexRuleCriteria

	AddAnalyses      []models.ReflexAddAnalysis
	FinalizeAnalyses []models.ReflexFinalizeAnalysis
}

// CompileReflexRules flattens active rule graphs into decisions ordered by
// trigger level then decision priority (both ascending). Execution order
// follows this ordering.
func CompileReflexRules(rules []*models.ReflexRule) []CompiledDecision {
	var compiled []CompiledDecision
	for _, rule := range rules {
		for _, trigger := range rule.Triggers {
			analyses := make([]int, 0, len(trigger.Analyses))
			for _, ta := range trigger.Analyses {
				analyses = append(analyses, ta.AnalysisId)
			}
			for _, decision := range trigger.Decisions {
				groups := make([][]models.ReflexRuleCriteria, 0, len(decision.RuleGroups))
				for _, group := range decision.RuleGroups {
					groups = append(groups, group.Criteria)
				}
				compiled = append(compiled, CompiledDecision{
					RuleId:           rule.ID,
					TriggerId:        trigger.ID,
					DecisionId:       decision.ID,
					SampleTypeId:     trigger.SampleTypeId,
					Level:            trigger.Level,
					Priority:         decision.Priority,
					TriggerAnalyses:  analyses,
					Groups:           groups,
					AddAnalyses:      decision.AddAnalyses,
					FinalizeAnalyses: decision.FinalizeAnalyses,
				})
			}
		}
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Level != compiled[j].Level {
			return compiled[i].Level < compiled[j].Level
		}
		return compiled[i].Priority < compiled[j].Priority
	})
	return compiled
}

// Matches reports whether the decision's trigger applies to the sample: the
// sample type matches and every trigger analysis has a present, verified value.
func (d CompiledDecision) Matches(sampleTypeId int, values map[int]models.ResultValue) bool {
	if d.SampleTypeId != sampleTypeId {
		return false
	}
	for _, analysisId := range d.TriggerAnalyses {
		if _, ok := values[analysisId]; !ok {
			return false
		}
	}
	return true
}

// Satisfied evaluates the decision's rule groups against the current values.
// Groups are OR-ed; criteria within a group are AND-ed. A decision with no
// groups never fires.
func (d CompiledDecision) Satisfied(values map[int]models.ResultValue) bool {
	for _, group := range d.Groups {
		if len(group) == 0 {
			continue
		}
		all := true
		for _, criterion := range group {
			current, ok := values[criterion.AnalysisId]
			if !ok || !evalCriterion(current, criterion.Operator, criterion.Value) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// evalCriterion compares the current value against the criterion literal.
// Numeric comparison is attempted first; otherwise falls back to string
// comparison (lexicographic for the relational operators).
func evalCriterion(current models.ResultValue, operator models.CriteriaOperator, literal string) bool {
	if current.Kind == models.ResultValueNumeric {
		if num, err := decimal.NewFromString(strings.TrimSpace(literal)); err == nil {
			switch operator {
			case models.CriteriaOperatorEq:
				return current.Num.Equal(num)
			case models.CriteriaOperatorNeq:
				return !current.Num.Equal(num)
			case models.CriteriaOperatorGt:
				return current.Num.GreaterThan(num)
			case models.CriteriaOperatorGte:
				return current.Num.GreaterThanOrEqual(num)
			case models.CriteriaOperatorLt:
				return current.Num.LessThan(num)
			case models.CriteriaOperatorLte:
				return current.Num.LessThanOrEqual(num)
			}
			return false
		}
	}
	cmp := strings.Compare(current.String(), strings.TrimSpace(literal))
	switch operator {
	case models.CriteriaOperatorEq:
		return cmp == 0
	case models.CriteriaOperatorNeq:
		return cmp != 0
	case models.CriteriaOperatorGt:
		return cmp > 0
	case models.CriteriaOperatorGte:
		return cmp >= 0
	case models.CriteriaOperatorLt:
		return cmp < 0
	case models.CriteriaOperatorLte:
		return cmp <= 0
	}
	return false
}

// SelectFiringDecisions is the pure evaluation half of the engine: given the
// sample's type and its verified value map, it returns the decisions that
// would fire, in execution order. Idempotency is enforced at apply time.
func SelectFiringDecisions(compiled []CompiledDecision, sampleTypeId int, values map[int]models.ResultValue) []CompiledDecision {
	var firing []CompiledDecision
	for _, decision := range compiled {
		if !decision.Matches(sampleTypeId, values) {
			continue
		}
		if !decision.Satisfied(values) {
			continue
		}
		firing = append(firing, decision)
	}
	return firing
}

// VerifiedValueMap builds analysis id -> current value from a sample's
// verified reportable results. When an analysis has several verified results
// (retest), the most recently submitted one wins.
func VerifiedValueMap(results []models.AnalysisResult) map[int]models.ResultValue {
	latest := map[int]models.AnalysisResult{}
	for _, result := range results {
		if result.Status != models.ResultStatusVerified {
			continue
		}
		if result.Reportable != nil && !*result.Reportable {
			continue
		}
		existing, ok := latest[result.AnalysisId]
		if !ok {
			latest[result.AnalysisId] = result
			continue
		}
		if result.SubmittedAt != nil && (existing.SubmittedAt == nil || result.SubmittedAt.After(*existing.SubmittedAt)) {
			latest[result.AnalysisId] = result
		}
	}
	values := make(map[int]models.ResultValue, len(latest))
	for analysisId, result := range latest {
		values[analysisId] = models.ParseResultValue(result.Value)
	}
	return values
}

// EvaluateSampleReflexes runs the reflex engine for one sample inside the
// caller's transaction. Re-invocation is safe: each decision records a
// ReflexDecisionExecution keyed by (laboratory, sample, decision) and a
// duplicate key means the decision already fired for this sample.
func EvaluateSampleReflexes(tx *gorm.DB, laboratoryId string, sampleId int) ([]int, error) {
	logger := config.GetLogger()

	var sample models.Sample
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
		Preload("Results").First(&sample).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	rules, err := fetchActiveReflexRulesTx(tx, laboratoryId)
	if err != nil {
		config.LogError(logger, "reflexEngine.go", "EvaluateSampleReflexes", "FetchRules", laboratoryId, err)
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	compiled := CompileReflexRules(rules)
	values := VerifiedValueMap(sample.Results)
	firing := SelectFiringDecisions(compiled, sample.SampleTypeId, values)

	recordExecution := func(decision CompiledDecision) error {
		execution := models.ReflexDecisionExecution{
			LaboratoryId: laboratoryId,
			SampleId:     sampleId,
			DecisionId:   decision.DecisionId,
			State:        models.ReflexExecutionStateExecuted,
		}
		if err := tx.Create(&execution).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				config.LogError(logger, "reflexEngine.go", "EvaluateSampleReflexes", "CreateExecution", decision.DecisionId, err)
			}
			return err
		}
		return nil
	}
	apply := func(decision CompiledDecision) error {
		if err := applyDecisionActions(tx, laboratoryId, &sample, decision); err != nil {
			config.LogError(logger, "reflexEngine.go", "EvaluateSampleReflexes", "ApplyActions", decision.DecisionId, err)
			return err
		}
		return nil
	}
	return executeFiringDecisions(firing, recordExecution, apply)
}

// executeFiringDecisions claims and applies each firing decision in order.
// A duplicate-key error from recordExecution means the decision already fired
// for this sample: it is skipped, its actions are not re-applied, and the
// remaining decisions still run. Any other error aborts the pass.
func executeFiringDecisions(firing []CompiledDecision, recordExecution func(CompiledDecision) error, apply func(CompiledDecision) error) ([]int, error) {
	var executed []int
	for _, decision := range firing {
		if err := recordExecution(decision); err != nil {
			if isDuplicateKeyErr(err) {
				// Already fired for this sample; at-least-once re-invocation.
				continue
			}
			return nil, err
		}
		if err := apply(decision); err != nil {
			return nil, err
		}
		executed = append(executed, decision.DecisionId)
	}
	return executed, nil
}

func applyDecisionActions(tx *gorm.DB, laboratoryId string, sample *models.Sample, decision CompiledDecision) error {
	for _, add := range decision.AddAnalyses {
		count := add.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			result := models.AnalysisResult{
				LaboratoryId: laboratoryId,
				SampleId:     sample.ID,
				AnalysisId:   add.AnalysisId,
				Status:       models.ResultStatusPending,
				Reportable:   utils.NewTrue(),
				ReflexLevel:  decision.Level,
			}
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
		}
	}

	now := time.Now()
	for _, finalize := range decision.FinalizeAnalyses {
		// Force-set an open result for the analysis if one exists; otherwise
		// spawn a new one already in its terminal reported state.
		var result models.AnalysisResult
		err := tx.Where("laboratory_id = ? AND sample_id = ? AND analysis_id = ? AND status IN ?",
			laboratoryId, sample.ID, finalize.AnalysisId,
			[]models.ResultStatus{models.ResultStatusPending, models.ResultStatusResulted}).
			Order("id ASC").First(&result).Error
		if err == gorm.ErrRecordNotFound {
			result = models.AnalysisResult{
				LaboratoryId: laboratoryId,
				SampleId:     sample.ID,
				AnalysisId:   finalize.AnalysisId,
				Status:       models.ResultStatusVerified,
				Value:        finalize.Value,
				Reportable:   utils.NewTrue(),
				ReflexLevel:  decision.Level,
				SubmittedAt:  &now,
			}
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		before := result.Status
		result.Value = finalize.Value
		result.Status = models.ResultStatusVerified
		result.SubmittedAt = &now
		if err := tx.Save(&result).Error; err != nil {
			return err
		}
		if err := models.SaveTransitionHistory(tx, result.ID, "analysis_results", string(before), string(models.ResultStatusVerified), "result finalized by reflex decision"); err != nil {
			return err
		}
	}
	return nil
}

func fetchActiveReflexRulesTx(tx *gorm.DB, laboratoryId string) ([]*models.ReflexRule, error) {
	var rules []*models.ReflexRule
	err := tx.
		Where("laboratory_id = ? AND is_active = ?", laboratoryId, true).
		Preload("Triggers.Analyses").
		Preload("Triggers.Decisions.RuleGroups.Criteria").
		Preload("Triggers.Decisions.AddAnalyses").
		Preload("Triggers.Decisions.FinalizeAnalyses").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}
