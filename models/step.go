package models

import (
	"time"

	"gorm.io/gorm"
)

// Step is the instantiation of a template stage for one budget item. Per item
// at most one step has is_current=true, and the current step is always the
// first non-skipped pending step by sort_order.
type Step struct {
	ID             int        `gorm:"primary_key" json:"id"`
	BudgetId       int        `gorm:"index;not null" json:"budget_id"`
	SubAccountId   int        `gorm:"not null" json:"sub_account_id"`
	BudgetItemId   int        `gorm:"index;not null" json:"budget_item_id"`
	TemplateId     int        `gorm:"not null" json:"template_id"`
	StageId        int        `gorm:"index;not null" json:"stage_id"`
	StepName       StageKind  `gorm:"size:40;not null" json:"step_name"`
	SortOrder      int        `gorm:"not null" json:"sort_order"`
	StepStatus     StepStatus `gorm:"size:20;not null;default:pending" json:"step_status"`
	OwnerOfStep    int        `gorm:"not null" json:"owner_of_step"`
	OwnerType      OwnerType  `gorm:"size:12;not null;default:department" json:"owner_type"`
	AssignedUserId *int       `json:"assigned_user_id"`
	CanRevise      bool       `gorm:"not null;default:false" json:"can_revise"`
	IsCurrent      bool       `gorm:"not null;default:false" json:"is_current"`
	IsSkipped      bool       `gorm:"not null;default:false" json:"is_skipped"`
	NotifiedAt     *time.Time `json:"notified_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetStepsForItem(tx *gorm.DB, itemId int) ([]*Step, error) {
	var steps []*Step
	err := tx.Where("budget_item_id = ?", itemId).Order("sort_order").Find(&steps).Error
	return steps, err
}

func GetStepsForItems(tx *gorm.DB, itemIds []int) (map[int][]*Step, error) {
	byItem := make(map[int][]*Step)
	if len(itemIds) == 0 {
		return byItem, nil
	}
	var steps []*Step
	if err := tx.Where("budget_item_id IN ?", itemIds).Order("budget_item_id, sort_order").Find(&steps).Error; err != nil {
		return nil, err
	}
	for _, step := range steps {
		byItem[step.BudgetItemId] = append(byItem[step.BudgetItemId], step)
	}
	return byItem, nil
}

// GetCurrentStepsForBudgets loads every is_current step across the given
// budgets; the notification dispatcher groups these.
func GetCurrentStepsForBudgets(tx *gorm.DB, budgetIds []int) ([]*Step, error) {
	var steps []*Step
	if len(budgetIds) == 0 {
		return steps, nil
	}
	err := tx.Where("budget_id IN ? AND is_current = true", budgetIds).
		Order("budget_id, sub_account_id, sort_order").Find(&steps).Error
	return steps, err
}

func DeleteStepsForItem(tx *gorm.DB, itemId int) error {
	return tx.Where("budget_item_id = ?", itemId).Delete(&Step{}).Error
}

func DeleteStepsForItems(tx *gorm.DB, itemIds []int) error {
	if len(itemIds) == 0 {
		return nil
	}
	return tx.Where("budget_item_id IN ?", itemIds).Delete(&Step{}).Error
}

// MarkStepsNotified stamps the at-most-once notification watermark. Steps
// already stamped are left alone, so a concurrent dispatcher run cannot
// produce a second email for the same step row.
func MarkStepsNotified(tx *gorm.DB, stepIds []int, at time.Time) error {
	if len(stepIds) == 0 {
		return nil
	}
	return tx.Model(&Step{}).
		Where("id IN ? AND notified_at IS NULL", stepIds).
		Update("notified_at", at).Error
}
