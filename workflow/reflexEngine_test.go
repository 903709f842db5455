package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

const (
	bloodSampleType = 1
	glucoseAnalysis = 10
	hba1cAnalysis   = 11
)

func glucoseRule(threshold string) *models.ReflexRule {
	active := true
	return &models.ReflexRule{
		ID:       1,
		IsActive: &active,
		Triggers: []models.ReflexTrigger{
			{
				ID:           1,
				SampleTypeId: bloodSampleType,
				Level:        1,
				Analyses: []models.ReflexTriggerAnalysis{
					{AnalysisId: glucoseAnalysis},
				},
				Decisions: []models.ReflexDecision{
					{
						ID:       100,
						Priority: 0,
						RuleGroups: []models.ReflexRuleGroup{
							{Criteria: []models.ReflexRuleCriteria{
								{AnalysisId: glucoseAnalysis, Operator: models.CriteriaOperatorGt, Value: threshold},
							}},
						},
						AddAnalyses: []models.ReflexAddAnalysis{
							{AnalysisId: hba1cAnalysis, Count: 1},
						},
					},
				},
			},
		},
	}
}

func TestGlucoseOverThresholdFires(t *testing.T) {
	compiled := CompileReflexRules([]*models.ReflexRule{glucoseRule("200")})

	values := map[int]models.ResultValue{
		glucoseAnalysis: models.ParseResultValue("250"),
	}
	firing := SelectFiringDecisions(compiled, bloodSampleType, values)
	if len(firing) != 1 {
		t.Fatalf("expected 1 firing decision, got %d", len(firing))
	}
	if firing[0].DecisionId != 100 {
		t.Fatalf("expected decision 100, got %d", firing[0].DecisionId)
	}
	if len(firing[0].AddAnalyses) != 1 || firing[0].AddAnalyses[0].AnalysisId != hba1cAnalysis {
		t.Fatalf("expected HbA1c add action, got %+v", firing[0].AddAnalyses)
	}
	if firing[0].Level != 1 {
		t.Fatalf("spawned results must carry the trigger level, got %d", firing[0].Level)
	}

	// Under threshold: nothing fires.
	values[glucoseAnalysis] = models.ParseResultValue("180")
	if got := SelectFiringDecisions(compiled, bloodSampleType, values); len(got) != 0 {
		t.Fatalf("expected no firing decisions under threshold, got %d", len(got))
	}
}

func TestTriggerRequiresSampleTypeAndVerifiedAnalyses(t *testing.T) {
	compiled := CompileReflexRules([]*models.ReflexRule{glucoseRule("200")})
	values := map[int]models.ResultValue{
		glucoseAnalysis: models.ParseResultValue("250"),
	}

	if got := SelectFiringDecisions(compiled, 99, values); len(got) != 0 {
		t.Fatalf("wrong sample type must not match, got %d decisions", len(got))
	}
	if got := SelectFiringDecisions(compiled, bloodSampleType, map[int]models.ResultValue{}); len(got) != 0 {
		t.Fatalf("missing verified value must not match, got %d decisions", len(got))
	}
}

func TestDecisionOrderingByLevelThenPriority(t *testing.T) {
	active := true
	rule := &models.ReflexRule{
		ID:       1,
		IsActive: &active,
		Triggers: []models.ReflexTrigger{
			{
				ID: 1, SampleTypeId: bloodSampleType, Level: 2,
				Decisions: []models.ReflexDecision{{ID: 1, Priority: 0}},
			},
			{
				ID: 2, SampleTypeId: bloodSampleType, Level: 1,
				Decisions: []models.ReflexDecision{
					{ID: 2, Priority: 5},
					{ID: 3, Priority: 1},
				},
			},
		},
	}

	compiled := CompileReflexRules([]*models.ReflexRule{rule})

	want := []int{3, 2, 1}
	if len(compiled) != len(want) {
		t.Fatalf("expected %d compiled decisions, got %d", len(want), len(compiled))
	}
	for i, decisionId := range want {
		if compiled[i].DecisionId != decisionId {
			t.Fatalf("position %d: expected decision %d, got %d", i, decisionId, compiled[i].DecisionId)
		}
	}
}

func TestRuleGroupsOrCriteriaAnd(t *testing.T) {
	decision := CompiledDecision{
		Groups: [][]models.ReflexRuleCriteria{
			{
				{AnalysisId: 1, Operator: models.CriteriaOperatorGt, Value: "10"},
				{AnalysisId: 2, Operator: models.CriteriaOperatorEq, Value: "POSITIVE"},
			},
			{
				{AnalysisId: 3, Operator: models.CriteriaOperatorLt, Value: "5"},
			},
		},
	}

	// First group fails (AND), second group passes (OR).
	values := map[int]models.ResultValue{
		1: models.ParseResultValue("20"),
		2: models.ParseResultValue("NEGATIVE"),
		3: models.ParseResultValue("2"),
	}
	if !decision.Satisfied(values) {
		t.Fatal("expected OR across groups to satisfy the decision")
	}

	values[3] = models.ParseResultValue("8")
	if decision.Satisfied(values) {
		t.Fatal("expected decision unsatisfied when no group passes")
	}

	values[2] = models.ParseResultValue("POSITIVE")
	if !decision.Satisfied(values) {
		t.Fatal("expected first group to pass once all its criteria hold")
	}
}

func TestCriterionNumericWithStringFallback(t *testing.T) {
	cases := []struct {
		value    string
		operator models.CriteriaOperator
		literal  string
		want     bool
	}{
		{"250", models.CriteriaOperatorGt, "200", true},
		{"250", models.CriteriaOperatorLte, "200", false},
		{"200", models.CriteriaOperatorGte, "200", true},
		{"3.5", models.CriteriaOperatorNeq, "3.50", false},
		{"POSITIVE", models.CriteriaOperatorEq, "POSITIVE", true},
		{"POSITIVE", models.CriteriaOperatorNeq, "NEGATIVE", true},
		{"< 0.5", models.CriteriaOperatorEq, "< 0.5", true},
	}
	for _, tc := range cases {
		got := evalCriterion(models.ParseResultValue(tc.value), tc.operator, tc.literal)
		if got != tc.want {
			t.Fatalf("evalCriterion(%q %s %q) = %v, want %v", tc.value, tc.operator, tc.literal, got, tc.want)
		}
	}
}

func TestVerifiedValueMapLatestVerifiedWins(t *testing.T) {
	yes := true
	no := false
	early := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	results := []models.AnalysisResult{
		{AnalysisId: glucoseAnalysis, Status: models.ResultStatusVerified, Value: "180", Reportable: &yes, SubmittedAt: &early},
		{AnalysisId: glucoseAnalysis, Status: models.ResultStatusVerified, Value: "250", Reportable: &yes, SubmittedAt: &late},
		{AnalysisId: hba1cAnalysis, Status: models.ResultStatusResulted, Value: "6.1", Reportable: &yes},
		{AnalysisId: 99, Status: models.ResultStatusVerified, Value: "1", Reportable: &no},
	}

	values := VerifiedValueMap(results)

	if len(values) != 1 {
		t.Fatalf("expected only the verified reportable glucose value, got %d entries", len(values))
	}
	if values[glucoseAnalysis].String() != "250" {
		t.Fatalf("expected the later retest value 250, got %q", values[glucoseAnalysis].String())
	}
}

func TestDuplicateExecutionKeySkipsDecisionActions(t *testing.T) {
	firing := []CompiledDecision{
		{DecisionId: 100},
		{DecisionId: 200},
	}

	var applied []int
	recordExecution := func(d CompiledDecision) error {
		if d.DecisionId == 100 {
			// The execution row already exists from an earlier pass.
			return &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
		}
		return nil
	}
	apply := func(d CompiledDecision) error {
		applied = append(applied, d.DecisionId)
		return nil
	}

	executed, err := executeFiringDecisions(firing, recordExecution, apply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 1 || applied[0] != 200 {
		t.Fatalf("already-executed decision must not re-apply its actions, applied %v", applied)
	}
	if len(executed) != 1 || executed[0] != 200 {
		t.Fatalf("expected only decision 200 reported as executed, got %v", executed)
	}
}

func TestNonDuplicateExecutionErrorAbortsPass(t *testing.T) {
	firing := []CompiledDecision{
		{DecisionId: 100},
		{DecisionId: 200},
	}

	boom := errors.New("deadlock")
	var applied []int
	_, err := executeFiringDecisions(firing,
		func(d CompiledDecision) error {
			if d.DecisionId == 100 {
				return boom
			}
			return nil
		},
		func(d CompiledDecision) error {
			applied = append(applied, d.DecisionId)
			return nil
		},
	)
	if err != boom {
		t.Fatalf("expected the storage error to propagate, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("an aborted pass must not apply actions, applied %v", applied)
	}
}
