package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BudgetItem struct {
	ID                        int                  `gorm:"primary_key" json:"id"`
	BudgetId                  int                  `gorm:"index;not null" json:"budget_id"`
	SubAccountId              int                  `gorm:"index;not null" json:"sub_account_id"`
	ItemId                    *int                 `gorm:"index" json:"item_id"` // catalog item, gives the type
	ItemName                  string               `gorm:"size:255;not null" json:"item_name"`
	ItemDescription           string               `gorm:"column:itemdescription;type:text" json:"itemdescription"`
	Notes                     string               `gorm:"type:text" json:"notes"`
	Quantity                  decimal.Decimal      `gorm:"type:decimal(18,4);not null" json:"quantity"`
	Cost                      decimal.Decimal      `gorm:"type:decimal(18,4);not null" json:"cost"`
	Unit                      string               `gorm:"size:50" json:"unit"`
	PeriodMonths              int                  `gorm:"not null;default:1" json:"period_months"`
	StorageStatus             *string              `gorm:"size:50" json:"storage_status"`
	StorageProvidedQty        *decimal.Decimal     `gorm:"type:decimal(18,4)" json:"storage_provided_qty"`
	NeededStatus              *bool                `json:"needed_status"`
	NeededReviewedBy          *int                 `json:"needed_reviewed_by"`
	PurchaseCost              *decimal.Decimal     `gorm:"type:decimal(18,4)" json:"purchase_cost"`
	PurchasingNote            *string              `gorm:"type:text" json:"purchasing_note"`
	PurchasingReviewedBy      *int                 `json:"purchasing_reviewed_by"`
	PurchasingReviewedAt      *time.Time           `json:"purchasing_reviewed_at"`
	FinalPurchaseCost         *decimal.Decimal     `gorm:"type:decimal(18,4)" json:"final_purchase_cost"`
	FinalQuantity             *decimal.Decimal     `gorm:"type:decimal(18,4)" json:"final_quantity"`
	FinalPurchaseStatus       *FinalPurchaseStatus `gorm:"size:20" json:"final_purchase_status"`
	FinalPurchaseStatusDisplay *string             `gorm:"size:100" json:"final_purchase_status_display"`
	CoordinatorReviewedBy     *int                 `json:"coordinator_reviewed_by"`
	CoordinatorReviewedAt     *time.Time           `json:"coordinator_reviewed_at"`
	WorkflowDone              bool                 `gorm:"not null;default:false" json:"workflow_done"`
	RouteTemplateId           *int                 `json:"route_template_id"`
	RevisionState             RevisionState        `gorm:"size:12;not null;default:none" json:"revision_state"`
	ItemRevised               bool                 `gorm:"not null;default:false" json:"item_revised"`
	ReviseReason              *string              `gorm:"type:text" json:"revise_reason"`
	RevisedAt                 *time.Time           `json:"revised_at"`
	AnswerId                  *int                 `json:"answer_id"`
	RevisedAnsweredAt         *time.Time           `json:"revised_answered_at"`
	RemovedInItemRevision     bool                 `gorm:"column:removedInItemRevision;not null;default:false" json:"removedInItemRevision"`
	CursorUpdatedAt           *time.Time           `json:"cursor_updated_at"`
	CreatedAt                 time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewBudgetItem is the validated submit/edit payload for one line item.
type NewBudgetItem struct {
	Id              int             `json:"id"` // 0 on insert
	SubAccountId    int             `json:"sub_account_id" binding:"required"`
	ItemId          *int            `json:"item_id"`
	ItemName        string          `json:"item_name" binding:"required"`
	ItemDescription string          `json:"itemdescription"`
	Notes           string          `json:"notes"`
	Quantity        decimal.Decimal `json:"quantity" binding:"required"`
	Cost            decimal.Decimal `json:"cost"`
	Unit            string          `json:"unit"`
	PeriodMonths    int             `json:"period_months" binding:"required"`
}

// Validate enforces the item-level invariants shared by submit and the
// principal edit path.
func (input *NewBudgetItem) Validate() error {
	if strings.TrimSpace(input.ItemName) == "" {
		return utils.NewBadRequest("item_name is required")
	}
	if input.SubAccountId <= 0 {
		return utils.NewBadRequest("sub_account_id is required")
	}
	if input.PeriodMonths < 1 || input.PeriodMonths > 12 {
		return utils.NewBadRequest("period_months must be between 1 and 12")
	}
	if !input.Quantity.IsPositive() {
		return utils.NewBadRequest("quantity must be greater than zero")
	}
	if input.Cost.IsNegative() {
		return utils.NewBadRequest("cost cannot be negative")
	}
	return nil
}

// ToItem builds the row for insertion, canonicalizing the name.
func (input *NewBudgetItem) ToItem(budgetId int) *BudgetItem {
	return &BudgetItem{
		BudgetId:        budgetId,
		SubAccountId:    input.SubAccountId,
		ItemId:          input.ItemId,
		ItemName:        utils.CanonicalItemName(input.ItemName),
		ItemDescription: strings.TrimSpace(input.ItemDescription),
		Notes:           strings.TrimSpace(input.Notes),
		Quantity:        input.Quantity,
		Cost:            input.Cost,
		Unit:            strings.TrimSpace(input.Unit),
		PeriodMonths:    input.PeriodMonths,
		RevisionState:   RevisionStateNone,
	}
}

// TypeId resolves the item-type id used by per-stage skip rules (0 when the
// item has no catalog reference).
func (item *BudgetItem) TypeId(tx *gorm.DB) (int, error) {
	if item.ItemId == nil || *item.ItemId == 0 {
		return 0, nil
	}
	var typeId int
	err := tx.Model(&CatalogItem{}).Where("id = ?", *item.ItemId).
		Select("item_type_id").Scan(&typeId).Error
	return typeId, err
}

// IsExcluded is the exclusion predicate: excluded items count as done for
// status recomputation but keep their final columns untouched.
func (item *BudgetItem) IsExcluded() bool {
	if item.StorageStatus != nil && inStockSpellings[strings.ToLower(strings.TrimSpace(*item.StorageStatus))] {
		return true
	}
	if item.NeededStatus != nil && !*item.NeededStatus && item.NeededReviewedBy != nil {
		return true
	}
	return false
}

func (item *BudgetItem) IsRemoved() bool {
	if item.RemovedInItemRevision {
		return true
	}
	return item.FinalPurchaseStatus != nil && *item.FinalPurchaseStatus == FinalPurchaseStatusRemoved
}

func GetBudgetItem(ctx context.Context, id int) (*BudgetItem, error) {
	return utils.FetchModel[BudgetItem](ctx, id)
}

func GetBudgetItemTx(tx *gorm.DB, id int) (*BudgetItem, error) {
	var item BudgetItem
	if err := tx.First(&item, "id = ?", id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

func GetBudgetItems(tx *gorm.DB, budgetId int) ([]*BudgetItem, error) {
	var items []*BudgetItem
	err := tx.Where("budget_id = ?", budgetId).Order("id").Find(&items).Error
	return items, err
}

func GetBudgetItemsByIds(tx *gorm.DB, itemIds []int) ([]*BudgetItem, error) {
	var items []*BudgetItem
	if len(itemIds) == 0 {
		return items, nil
	}
	err := tx.Where("id IN ?", itemIds).Order("id").Find(&items).Error
	return items, err
}

// EditorRow is the grouped (sub_account, notes) view the principal-stage
// client edits and posts back.
type EditorRow struct {
	Id              int             `json:"id"`
	SubAccountId    int             `json:"sub_account_id"`
	Notes           string          `json:"notes"`
	ItemId          *int            `json:"item_id"`
	ItemName        string          `json:"item_name"`
	ItemDescription string          `json:"itemdescription"`
	Quantity        decimal.Decimal `json:"quantity"`
	Cost            decimal.Decimal `json:"cost"`
	Unit            string          `json:"unit"`
	PeriodMonths    int             `json:"period_months"`
}

// GetEditorPayload returns the live rows grouped the way the editor expects:
// by sub-account, then notes, then id. Removed items are filtered out.
func GetEditorPayload(ctx context.Context, budgetId int) ([]*EditorRow, error) {
	db := config.GetDB()
	var rows []*EditorRow
	err := db.WithContext(ctx).Model(&BudgetItem{}).
		Where("budget_id = ? AND `removedInItemRevision` = false", budgetId).
		Where("final_purchase_status IS NULL OR final_purchase_status <> ?", FinalPurchaseStatusRemoved).
		Select("id", "sub_account_id", "notes", "item_id", "item_name", "itemdescription", "quantity", "cost", "unit", "period_months").
		Order("sub_account_id, notes, id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
