package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
)

// ReflexRule is the root of a reflex rule graph. A Rule has ordered Triggers;
// each Trigger has Decisions; each Decision has RuleGroups (OR-combined), each
// containing Criteria (AND-combined); a satisfied Decision executes its
// AddAnalysis and FinalizeAnalysis actions.
type ReflexRule struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Description  string    `gorm:"type:text" json:"description"`
	IsActive     *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Triggers []ReflexTrigger `gorm:"foreignKey:ReflexRuleId" json:"triggers"`
}

func (obj ReflexRule) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// ReflexTrigger matches by sample type + analysis set. Level is the reflex
// chain depth assigned to results it spawns.
type ReflexTrigger struct {
	ID           int `gorm:"primary_key" json:"id"`
	ReflexRuleId int `gorm:"index;not null" json:"reflex_rule_id"`
	SampleTypeId int `gorm:"index;not null" json:"sample_type_id"`
	Level        int `gorm:"default:1" json:"level"`

	Analyses  []ReflexTriggerAnalysis `gorm:"foreignKey:ReflexTriggerId" json:"analyses"`
	Decisions []ReflexDecision        `gorm:"foreignKey:ReflexTriggerId" json:"decisions"`
}

type ReflexTriggerAnalysis struct {
	ID              int `gorm:"primary_key" json:"id"`
	ReflexTriggerId int `gorm:"index;not null" json:"reflex_trigger_id"`
	AnalysisId      int `gorm:"index;not null" json:"analysis_id"`
}

type ReflexDecision struct {
	ID              int    `gorm:"primary_key" json:"id"`
	ReflexTriggerId int    `gorm:"index;not null" json:"reflex_trigger_id"`
	Description     string `gorm:"type:text" json:"description"`
	Priority        int    `gorm:"default:0" json:"priority"`

	RuleGroups        []ReflexRuleGroup        `gorm:"foreignKey:ReflexDecisionId" json:"rule_groups"`
	AddAnalyses       []ReflexAddAnalysis      `gorm:"foreignKey:ReflexDecisionId" json:"add_analyses"`
	FinalizeAnalyses  []ReflexFinalizeAnalysis `gorm:"foreignKey:ReflexDecisionId" json:"finalize_analyses"`
}

// ReflexRuleGroup: groups within one decision are OR-ed.
type ReflexRuleGroup struct {
	ID               int `gorm:"primary_key" json:"id"`
	ReflexDecisionId int `gorm:"index;not null" json:"reflex_decision_id"`

	Criteria []ReflexRuleCriteria `gorm:"foreignKey:ReflexRuleGroupId" json:"criteria"`
}

// ReflexRuleCriteria: criteria within one group are AND-ed. The operator is
// applied between the named analysis's current result value and Value.
type ReflexRuleCriteria struct {
	ID                int              `gorm:"primary_key" json:"id"`
	ReflexRuleGroupId int              `gorm:"index;not null" json:"reflex_rule_group_id"`
	AnalysisId        int              `gorm:"index;not null" json:"analysis_id"`
	Operator          CriteriaOperator `gorm:"size:2;not null" json:"operator"`
	Value             string           `gorm:"size:255;not null" json:"value"`
}

// ReflexAddAnalysis spawns a new PENDING result for the named analysis.
type ReflexAddAnalysis struct {
	ID               int    `gorm:"primary_key" json:"id"`
	ReflexDecisionId int    `gorm:"index;not null" json:"reflex_decision_id"`
	AnalysisId       int    `gorm:"index;not null" json:"analysis_id"`
	Count            int    `gorm:"default:1" json:"count"`
	Remark           string `gorm:"size:255" json:"remark"`
}

// ReflexFinalizeAnalysis force-sets a result's value and reports it directly,
// bypassing manual submission.
type ReflexFinalizeAnalysis struct {
	ID               int    `gorm:"primary_key" json:"id"`
	ReflexDecisionId int    `gorm:"index;not null" json:"reflex_decision_id"`
	AnalysisId       int    `gorm:"index;not null" json:"analysis_id"`
	Value            string `gorm:"size:255;not null" json:"value"`
}

// ReflexDecisionExecution makes decision firing idempotent per sample.
// Unique constraint: (laboratory_id, sample_id, decision_id).
type ReflexDecisionExecution struct {
	ID           int                  `gorm:"primary_key" json:"id"`
	LaboratoryId string               `gorm:"size:64;not null;index:uniq_reflex_exec,unique" json:"laboratory_id"`
	SampleId     int                  `gorm:"not null;index:uniq_reflex_exec,unique" json:"sample_id"`
	DecisionId   int                  `gorm:"not null;index:uniq_reflex_exec,unique" json:"decision_id"`
	State        ReflexExecutionState `gorm:"size:20;not null" json:"state"`
	CreatedAt    time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func (obj ReflexDecisionExecution) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// FetchActiveReflexRules loads the full rule graphs for a tenant in one pass.
func FetchActiveReflexRules(ctx context.Context, laboratoryId string) ([]*ReflexRule, error) {
	db := config.GetDB()
	var rules []*ReflexRule
	err := db.WithContext(ctx).
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
