package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StepState is the per-item per-step decision snapshot the migration engine
// copies when rebasing an item onto a new template.
type StepState struct {
	ID                int              `gorm:"primary_key" json:"id"`
	BudgetId          int              `gorm:"index;not null" json:"budget_id"`
	ItemId            int              `gorm:"index;not null" json:"item_id"`
	TemplateStepId    int              `gorm:"index;not null" json:"template_step_id"`
	Stage             StageKind        `gorm:"size:40;not null" json:"stage"`
	Decision          string           `gorm:"size:50;not null" json:"decision"`
	ProvidedQty       *decimal.Decimal `gorm:"type:decimal(18,4)" json:"provided_qty"`
	NumericValue      *decimal.Decimal `gorm:"type:decimal(18,4)" json:"numeric_value"`
	ActorUserId       int              `gorm:"not null" json:"actor_user_id"`
	ActorDepartmentId int              `json:"actor_department_id"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func (StepState) TableName() string { return "budget_item_step_states" }

// LatestStepState returns the most recent recorded state for (item, stage id),
// or nil when the stage was never decided.
func LatestStepState(tx *gorm.DB, itemId int, templateStepId int) (*StepState, error) {
	var state StepState
	err := tx.Where("item_id = ? AND template_step_id = ?", itemId, templateStepId).
		Order("id DESC").Limit(1).Find(&state).Error
	if err != nil {
		return nil, err
	}
	if state.ID == 0 {
		return nil, nil
	}
	return &state, nil
}

func HasStepState(tx *gorm.DB, itemId int, templateStepId int) (bool, error) {
	var count int64
	err := tx.Model(&StepState{}).
		Where("item_id = ? AND template_step_id = ?", itemId, templateStepId).
		Count(&count).Error
	return count > 0, err
}

// CountStatesPerStage returns, for an item, the set of template stage ids
// that have at least one recorded state.
func StagesWithState(tx *gorm.DB, itemId int, stageIds []int) (map[int]bool, error) {
	result := make(map[int]bool, len(stageIds))
	if len(stageIds) == 0 {
		return result, nil
	}
	var recorded []int
	err := tx.Model(&StepState{}).
		Where("item_id = ? AND template_step_id IN ?", itemId, stageIds).
		Distinct().Pluck("template_step_id", &recorded).Error
	if err != nil {
		return nil, err
	}
	for _, id := range recorded {
		result[id] = true
	}
	return result, nil
}
