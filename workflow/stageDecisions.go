package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// LogisticsDecision is one item's outcome at the logistics stage: either the
// warehouse already holds it (possibly partially) or it must be purchased.
// The provided quantity arrives from spreadsheet-backed clients as a number
// or a string, so it is parsed leniently like needed_status.
type LogisticsDecision struct {
	ItemId             int         `json:"item_id" binding:"required"`
	StorageStatus      string      `json:"storage_status" binding:"required"`
	StorageProvidedQty interface{} `json:"storage_provided_qty"`
}

// providedQty parses the lenient quantity field; a nil return with ok means
// the client sent none.
func (d *LogisticsDecision) providedQty() (*decimal.Decimal, bool) {
	if d.StorageProvidedQty == nil {
		return nil, true
	}
	qty, err := utils.ParseFlexibleDecimal(d.StorageProvidedQty)
	if err != nil {
		return nil, false
	}
	return &qty, true
}

// ApplyLogisticsDecisions confirms the logistics step for the given items.
// Items failing the ownership or stage guard are skipped, not failed; the
// transaction commits whatever could be decided.
func ApplyLogisticsDecisions(ctx context.Context, budgetId int, decisions []*LogisticsDecision) (*DecisionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &DecisionResult{}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		for _, decision := range decisions {
			status := strings.ToLower(strings.TrimSpace(decision.StorageStatus))
			if status == "" {
				result.Skipped++
				continue
			}
			providedQty, ok := decision.providedQty()
			if !ok {
				result.Skipped++
				continue
			}
			item, err := models.GetBudgetItemTx(tx, decision.ItemId)
			if err != nil || item.BudgetId != budget.ID {
				result.Skipped++
				continue
			}
			updates := map[string]interface{}{"storage_status": status}
			if providedQty != nil {
				updates["storage_provided_qty"] = *providedQty
			}
			if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
				config.LogError(logger, "stageDecisions.go", "ApplyLogisticsDecisions", "UpdateItem", item.ID, err)
				return err
			}
			advanced, err := confirmItemStep(ctx, tx, logger, budget, item, models.StageKindLogistics, actor,
				status, providedQty, nil)
			if err != nil {
				return err
			}
			if advanced {
				result.Updated++
			} else {
				result.Skipped++
			}
		}
		if result.Updated > 0 {
			result.addBudget(budget.ID)
			if _, err := RecomputeCoordinatorStatus(ctx, tx, logger, budget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatchAfterDecision(result, models.StageKindLogistics)
	return result, nil
}

// NeededDecision records whether the requesting department still needs the
// item. A reviewed "not needed" excludes the item from all later counting.
type NeededDecision struct {
	ItemId       int         `json:"item_id" binding:"required"`
	NeededStatus interface{} `json:"needed_status" binding:"required"`
}

func ApplyNeededDecisions(ctx context.Context, budgetId int, decisions []*NeededDecision) (*DecisionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &DecisionResult{}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		for _, decision := range decisions {
			needed := utils.NormalizeBool(decision.NeededStatus)
			if needed == nil {
				result.Skipped++
				continue
			}
			item, err := models.GetBudgetItemTx(tx, decision.ItemId)
			if err != nil || item.BudgetId != budget.ID {
				result.Skipped++
				continue
			}
			updates := map[string]interface{}{
				"needed_status":      *needed,
				"needed_reviewed_by": actor.UserId,
			}
			if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
				config.LogError(logger, "stageDecisions.go", "ApplyNeededDecisions", "UpdateItem", item.ID, err)
				return err
			}
			decisionValue := "needed"
			if !*needed {
				decisionValue = "not_needed"
			}
			advanced, err := confirmItemStep(ctx, tx, logger, budget, item, models.StageKindNeeded, actor,
				decisionValue, nil, nil)
			if err != nil {
				return err
			}
			if advanced {
				result.Updated++
			} else {
				result.Skipped++
			}
		}
		if result.Updated > 0 {
			result.addBudget(budget.ID)
			if _, err := RecomputeCoordinatorStatus(ctx, tx, logger, budget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatchAfterDecision(result, models.StageKindNeeded)
	return result, nil
}

// CostDecision records the purchasing department's unit cost for an item.
type CostDecision struct {
	ItemId         int             `json:"item_id" binding:"required"`
	PurchaseCost   decimal.Decimal `json:"purchase_cost"`
	PurchasingNote *string         `json:"purchasing_note"`
}

func ApplyCostDecisions(ctx context.Context, budgetId int, decisions []*CostDecision) (*DecisionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &DecisionResult{}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		for _, decision := range decisions {
			if decision.PurchaseCost.IsNegative() {
				result.Skipped++
				continue
			}
			item, err := models.GetBudgetItemTx(tx, decision.ItemId)
			if err != nil || item.BudgetId != budget.ID {
				result.Skipped++
				continue
			}
			now := time.Now()
			updates := map[string]interface{}{
				"purchase_cost":          decision.PurchaseCost,
				"purchasing_reviewed_by": actor.UserId,
				"purchasing_reviewed_at": now,
			}
			if decision.PurchasingNote != nil {
				updates["purchasing_note"] = *decision.PurchasingNote
			}
			if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
				config.LogError(logger, "stageDecisions.go", "ApplyCostDecisions", "UpdateItem", item.ID, err)
				return err
			}
			cost := decision.PurchaseCost
			advanced, err := confirmItemStep(ctx, tx, logger, budget, item, models.StageKindCost, actor,
				"purchase_cost", nil, &cost)
			if err != nil {
				return err
			}
			if advanced {
				result.Updated++
			} else {
				result.Skipped++
			}
		}
		if result.Updated > 0 {
			result.addBudget(budget.ID)
			if _, err := RecomputeCoordinatorStatus(ctx, tx, logger, budget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatchAfterDecision(result, models.StageKindCost)
	return result, nil
}

// dispatchAfterDecision hands the affected budgets to the notification
// dispatcher once the transaction has committed. Fire and forget: a lost
// dispatch is re-derived from the notified_at watermarks on the next change.
func dispatchAfterDecision(result *DecisionResult, sourceStage models.StageKind) {
	if len(result.BudgetIds) == 0 {
		return
	}
	budgetIds := append([]int{}, result.BudgetIds...)
	stage := sourceStage
	go notifier.DispatchStageReadiness(notifier.DispatchInput{
		BudgetIds:   budgetIds,
		SourceStage: &stage,
	})
}
