package workflow

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// RequestControlInput is the principal stage payload: the authoritative row
// list for the (sub_account_id, notes) combos the principal touched, plus the
// action to take on them.
type RequestControlInput struct {
	Action       string                  `json:"action" binding:"required"` // confirm | revise
	ReviseReason string                  `json:"revise_reason"`
	Rows         []*models.NewBudgetItem `json:"rows" binding:"required"`
}

func comboKey(subAccountId int, notes string) string {
	return fmt.Sprintf("%d\x00%s", subAccountId, strings.TrimSpace(notes))
}

// ApplyRequestControl runs the principal stage for one budget: upsert and
// prune the touched combos, re-materialize what moved, then confirm or revise
// the touched items. The confirming role decides the budget's next status
// (principal -> in_review, moderator -> approved_by_finance).
func ApplyRequestControl(ctx context.Context, budgetId int, input *RequestControlInput) (*DecisionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &DecisionResult{}

	if input.Action != "confirm" && input.Action != "revise" {
		return nil, utils.NewBadRequest("action must be confirm or revise")
	}
	if len(input.Rows) == 0 {
		return nil, utils.NewBadRequest("at least one row is required")
	}
	for _, row := range input.Rows {
		if err := row.Validate(); err != nil {
			return nil, err
		}
	}

	var revisedItemIds []int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}

		touchedItemIds, err := upsertAndPruneRows(ctx, tx, budget, input.Rows, actor)
		if err != nil {
			return err
		}

		if input.Action == "revise" {
			for _, itemId := range touchedItemIds {
				item, err := models.GetBudgetItemTx(tx, itemId)
				if err != nil {
					continue
				}
				revised, err := reviseItemStep(ctx, tx, logger, budget, item, models.StageKindRequestControlEdit, actor, input.ReviseReason)
				if err != nil {
					return err
				}
				if revised {
					result.Updated++
					revisedItemIds = append(revisedItemIds, itemId)
				} else {
					result.Skipped++
				}
			}
			if result.Updated > 0 {
				result.addBudget(budget.ID)
				if err := MarkRevisionRequested(ctx, tx, budget); err != nil {
					return err
				}
			}
			return nil
		}

		for _, itemId := range touchedItemIds {
			item, err := models.GetBudgetItemTx(tx, itemId)
			if err != nil {
				continue
			}
			advanced, err := confirmItemStep(ctx, tx, logger, budget, item, models.StageKindRequestControlEdit, actor,
				"confirmed", nil, nil)
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
			next := NextStatusAfterPrincipalConfirm(actor.Role)
			if err := AdvanceBudgetStatus(ctx, tx, budget, next); err != nil {
				return err
			}
			if _, err := RecomputeCoordinatorStatus(ctx, tx, logger, budget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if input.Action == "revise" && result.Updated > 0 {
		go notifier.NotifyRevisionRequested(budgetId, revisedItemIds, input.ReviseReason)
	} else {
		dispatchAfterDecision(result, models.StageKindRequestControlEdit)
		if result.Updated > 0 {
			go notifier.NotifyBudgetStatusReached(budgetId)
		}
	}
	return result, nil
}

// upsertAndPruneRows makes the stored items of the touched combos match the
// payload exactly: update rows with ids, insert rows without, delete the rest
// (steps included, so no orphan step rows survive). Items whose sub-account
// moved are rebuilt; brand-new items are materialized anchored at the
// principal stage.
func upsertAndPruneRows(ctx context.Context, tx *gorm.DB, budget *models.Budget, rows []*models.NewBudgetItem, actor Actor) ([]int, error) {
	logger := config.GetLogger()

	touchedCombos := map[string]bool{}
	payloadIds := map[int]bool{}
	for _, row := range rows {
		touchedCombos[comboKey(row.SubAccountId, row.Notes)] = true
		if row.Id > 0 {
			payloadIds[row.Id] = true
		}
	}

	existing, err := models.GetBudgetItems(tx, budget.ID)
	if err != nil {
		return nil, err
	}
	existingById := make(map[int]*models.BudgetItem, len(existing))
	for _, item := range existing {
		existingById[item.ID] = item
	}

	var touchedItemIds []int
	var newItemIds []int
	var movedItemIds []int

	for _, row := range rows {
		if row.Id == 0 {
			item := row.ToItem(budget.ID)
			if err := tx.Create(item).Error; err != nil {
				config.LogError(logger, "requestControl.go", "upsertAndPruneRows", "InsertItem", row.ItemName, err)
				return nil, err
			}
			newItemIds = append(newItemIds, item.ID)
			touchedItemIds = append(touchedItemIds, item.ID)
			continue
		}

		item, ok := existingById[row.Id]
		if !ok || item.BudgetId != budget.ID {
			return nil, utils.NewBadRequest("item %d does not belong to this budget", row.Id)
		}
		accountChanged := item.SubAccountId != row.SubAccountId
		updates := map[string]interface{}{
			"sub_account_id":  row.SubAccountId,
			"item_id":         row.ItemId,
			"item_name":       utils.CanonicalItemName(row.ItemName),
			"itemdescription": strings.TrimSpace(row.ItemDescription),
			"notes":           strings.TrimSpace(row.Notes),
			"quantity":        row.Quantity,
			"cost":            row.Cost,
			"unit":            strings.TrimSpace(row.Unit),
			"period_months":   row.PeriodMonths,
		}
		if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			config.LogError(logger, "requestControl.go", "upsertAndPruneRows", "UpdateItem", item.ID, err)
			return nil, err
		}
		if accountChanged {
			movedItemIds = append(movedItemIds, item.ID)
		}
		touchedItemIds = append(touchedItemIds, item.ID)
	}

	// Prune: anything living in a touched combo but absent from the payload
	// was removed by the principal.
	var pruneIds []int
	for _, item := range existing {
		if item.IsRemoved() {
			continue
		}
		if !touchedCombos[comboKey(item.SubAccountId, item.Notes)] {
			continue
		}
		if payloadIds[item.ID] {
			continue
		}
		pruneIds = append(pruneIds, item.ID)
	}
	if len(pruneIds) > 0 {
		if err := models.DeleteStepsForItems(tx, pruneIds); err != nil {
			return nil, err
		}
		if err := tx.Where("id IN ?", pruneIds).Delete(&models.BudgetItem{}).Error; err != nil {
			config.LogError(logger, "requestControl.go", "upsertAndPruneRows", "PruneItems", pruneIds, err)
			return nil, err
		}
	}

	stage := models.StageKindRequestControlEdit
	if len(newItemIds) > 0 {
		err := EnsureStepsForItems(tx, logger, budget, newItemIds, EnsureStepsOptions{AlignToStageName: &stage})
		if err != nil {
			return nil, err
		}
	}
	if len(movedItemIds) > 0 {
		err := EnsureStepsForItems(tx, logger, budget, movedItemIds, EnsureStepsOptions{
			AlignToStageName:        &stage,
			RecreateOnAccountChange: true,
		})
		if err != nil {
			return nil, err
		}
	}
	return touchedItemIds, nil
}
