package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Budget struct {
	ID                        int          `gorm:"primary_key" json:"id"`
	UserId                    int          `gorm:"index;not null" json:"user_id"`
	SchoolId                  int          `gorm:"index;not null" json:"school_id"`
	Period                    string       `gorm:"size:7;not null" json:"period"` // "MM-YYYY"
	Title                     string       `gorm:"size:255" json:"title"`
	Description               string       `gorm:"type:text" json:"description"`
	BudgetStatus              BudgetStatus `gorm:"size:30;not null;default:draft" json:"budget_status"`
	RequestType               RequestType  `gorm:"size:12;not null;default:new" json:"request_type"`
	SubmittedRole             string       `gorm:"size:30" json:"submitted_role"`
	SubmissionDraftId         *int         `json:"submission_draft_id"`
	ClosedAt                  *time.Time   `json:"closed_at"`
	NotifiedPrincipalSubmitted *time.Time  `json:"notified_principal_submitted"`
	CreatedAt                 time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// BudgetItemBaseline is the immutable snapshot of an item at submission,
// used to diff revisions and to detect coordinator adjustments. Rows are
// only ever rewritten wholesale by a fresh submit.
type BudgetItemBaseline struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BudgetId        int             `gorm:"index;not null" json:"budget_id"`
	ItemId          int             `gorm:"index;not null" json:"item_id"`
	SubAccountId    int             `gorm:"not null" json:"sub_account_id"`
	ItemName        string          `gorm:"size:255" json:"item_name"`
	ItemDescription string          `gorm:"column:itemdescription;type:text" json:"itemdescription"`
	Notes           string          `gorm:"type:text" json:"notes"`
	Quantity        decimal.Decimal `gorm:"type:decimal(18,4)" json:"quantity"`
	Cost            decimal.Decimal `gorm:"type:decimal(18,4)" json:"cost"`
	PeriodMonths    int             `json:"period_months"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func GetBudget(ctx context.Context, id int) (*Budget, error) {
	return utils.FetchModel[Budget](ctx, id)
}

func GetBudgetTx(tx *gorm.DB, id int) (*Budget, error) {
	var budget Budget
	if err := tx.First(&budget, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &budget, nil
}

// GetBudgetForUpdate takes the per-budget row lock that serializes all
// decision-engine operations on the same budget.
func GetBudgetForUpdate(tx *gorm.DB, id int) (*Budget, error) {
	var budget Budget
	if err := tx.Raw("SELECT * FROM budgets WHERE id = ? FOR UPDATE", id).Scan(&budget).Error; err != nil {
		return nil, err
	}
	if budget.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &budget, nil
}

// FindDuplicateNewBudget returns the id of an existing request_type=new budget
// for the same (school, period), or 0.
func FindDuplicateNewBudget(ctx context.Context, schoolId int, period string) (int, error) {
	db := config.GetDB()
	var existingId int
	err := db.WithContext(ctx).Model(&Budget{}).
		Where("school_id = ? AND period = ? AND request_type = ?", schoolId, period, RequestTypeNew).
		Select("id").Limit(1).Scan(&existingId).Error
	if err != nil {
		return 0, err
	}
	return existingId, nil
}

// SnapshotBaseline replaces the baseline rows for a budget from its current
// items. Only the submit paths call this; nothing else writes baselines.
func SnapshotBaseline(tx *gorm.DB, budgetId int) error {
	if err := tx.Where("budget_id = ?", budgetId).Delete(&BudgetItemBaseline{}).Error; err != nil {
		return err
	}

	var items []*BudgetItem
	if err := tx.Where("budget_id = ?", budgetId).Find(&items).Error; err != nil {
		return err
	}

	baselines := make([]*BudgetItemBaseline, 0, len(items))
	for _, item := range items {
		baselines = append(baselines, &BudgetItemBaseline{
			BudgetId:        budgetId,
			ItemId:          item.ID,
			SubAccountId:    item.SubAccountId,
			ItemName:        item.ItemName,
			ItemDescription: item.ItemDescription,
			Notes:           item.Notes,
			Quantity:        item.Quantity,
			Cost:            item.Cost,
			PeriodMonths:    item.PeriodMonths,
		})
	}
	if len(baselines) == 0 {
		return nil
	}
	return tx.Create(&baselines).Error
}

// BaselineByItemId loads the baseline snapshot of a budget keyed by item id.
func BaselineByItemId(tx *gorm.DB, budgetId int) (map[int]*BudgetItemBaseline, error) {
	var rows []*BudgetItemBaseline
	if err := tx.Where("budget_id = ?", budgetId).Find(&rows).Error; err != nil {
		return nil, err
	}
	byItem := make(map[int]*BudgetItemBaseline, len(rows))
	for _, row := range rows {
		byItem[row.ItemId] = row
	}
	return byItem, nil
}

// UpdateBudgetStatusTx persists a status transition and stamps closed_at when
// the budget reaches workflow_complete (idempotent on re-stamp).
func UpdateBudgetStatusTx(tx *gorm.DB, budget *Budget, next BudgetStatus) error {
	updates := map[string]interface{}{"budget_status": next}
	if next == BudgetStatusWorkflowComplete && budget.ClosedAt == nil {
		now := time.Now().UTC()
		updates["closed_at"] = now
		budget.ClosedAt = &now
	}
	if err := tx.Model(&Budget{}).Where("id = ?", budget.ID).Updates(updates).Error; err != nil {
		return err
	}
	budget.BudgetStatus = next
	return nil
}
