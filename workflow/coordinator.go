package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// CoordinatorDecision is the final decision for one item. The recorded status
// auto-upgrades to adjusted when the final numbers differ from the baseline.
type CoordinatorDecision struct {
	ItemId        int                        `json:"item_id" binding:"required"`
	FinalStatus   models.FinalPurchaseStatus `json:"final_purchase_status" binding:"required"`
	FinalCost     *decimal.Decimal           `json:"final_purchase_cost"`
	FinalQuantity *decimal.Decimal           `json:"final_quantity"`
	Note          *string                    `json:"note"`
}

// EffectiveFinalStatus applies the adjusted auto-upgrade: an approved decision
// whose final cost or quantity differs numerically from the baseline is
// recorded as adjusted.
func EffectiveFinalStatus(decision *CoordinatorDecision, baseline *models.BudgetItemBaseline) models.FinalPurchaseStatus {
	if decision.FinalStatus != models.FinalPurchaseStatusApproved || baseline == nil {
		return decision.FinalStatus
	}
	if decision.FinalCost != nil && !decision.FinalCost.Equal(baseline.Cost) {
		return models.FinalPurchaseStatusAdjusted
	}
	if decision.FinalQuantity != nil && !decision.FinalQuantity.Equal(baseline.Quantity) {
		return models.FinalPurchaseStatusAdjusted
	}
	return decision.FinalStatus
}

func sameDecimalPtr(a *decimal.Decimal, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// isRepeatDecision reports whether the item already carries exactly this
// coordinator decision; repeats are no-ops.
func isRepeatDecision(item *models.BudgetItem, status models.FinalPurchaseStatus, cost *decimal.Decimal, qty *decimal.Decimal) bool {
	if item.FinalPurchaseStatus == nil || *item.FinalPurchaseStatus != status {
		return false
	}
	return sameDecimalPtr(item.FinalPurchaseCost, cost) && sameDecimalPtr(item.FinalQuantity, qty)
}

// coordinatorActionable is the readiness guard for final decisions: the item
// is decidable once its departmental workflow is done, it is excluded, or it
// currently sits on a coordinator step (chains that end in a coordinator stage
// park the item there with workflow_done still false).
func coordinatorActionable(item *models.BudgetItem, coordStep *models.Step) bool {
	return item.WorkflowDone || item.IsExcluded() || coordStep != nil
}

// ApplyCoordinatorDecisions records final decisions and closes the budget when
// nothing remains outstanding. Items failing the readiness guard are skipped
// and counted, never failed. Deciding an item parked on a coordinator step
// also confirms that step, so the chain finishes with the decision.
func ApplyCoordinatorDecisions(ctx context.Context, budgetId int, decisions []*CoordinatorDecision) (*DecisionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &DecisionResult{}
	completed := false

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		baselines, err := models.BaselineByItemId(tx, budget.ID)
		if err != nil {
			return err
		}

		for _, decision := range decisions {
			if !models.IsTerminalFinalStatus(&decision.FinalStatus) ||
				decision.FinalStatus == models.FinalPurchaseStatusRemoved {
				return utils.NewBadRequest("final_purchase_status must be approved, adjusted or rejected")
			}
			item, err := models.GetBudgetItemTx(tx, decision.ItemId)
			if err != nil || item.BudgetId != budget.ID {
				result.Skipped++
				continue
			}
			steps, err := models.GetStepsForItem(tx, item.ID)
			if err != nil {
				return err
			}
			coordStep := CurrentStepAtStage(steps, models.StageKindCoordinator, actor)
			if !coordinatorActionable(item, coordStep) {
				config.LogError(logger, "coordinator.go", "ApplyCoordinatorDecisions", "ReadinessViolation", item.ID, utils.ErrorReadinessViolation)
				result.Skipped++
				continue
			}

			status := EffectiveFinalStatus(decision, baselines[item.ID])
			if isRepeatDecision(item, status, decision.FinalCost, decision.FinalQuantity) {
				result.Skipped++
				continue
			}

			now := time.Now()
			updates := map[string]interface{}{
				"final_purchase_status":   status,
				"coordinator_reviewed_by": actor.UserId,
				"coordinator_reviewed_at": now,
			}
			if decision.FinalCost != nil {
				updates["final_purchase_cost"] = *decision.FinalCost
			}
			if decision.FinalQuantity != nil {
				updates["final_quantity"] = *decision.FinalQuantity
			}
			if decision.Note != nil {
				updates["final_purchase_status_display"] = *decision.Note
			}
			if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
				config.LogError(logger, "coordinator.go", "ApplyCoordinatorDecisions", "UpdateItem", item.ID, err)
				return err
			}

			state := models.StepState{
				BudgetId:          budget.ID,
				ItemId:            item.ID,
				TemplateStepId:    coordinatorStageId(steps),
				Stage:             models.StageKindCoordinator,
				Decision:          string(status),
				ProvidedQty:       decision.FinalQuantity,
				NumericValue:      decision.FinalCost,
				ActorUserId:       actor.UserId,
				ActorDepartmentId: actor.DepartmentId,
			}
			if err := tx.Create(&state).Error; err != nil {
				return err
			}

			itemId := item.ID
			statusStr := string(status)
			err = models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
				BudgetId: budget.ID,
				ItemId:   &itemId,
				Stage:    string(models.StageKindCoordinator),
				Action:   models.AuditActionConfirmed,
				NewValue: &statusStr,
				Note:     decision.Note,
			})
			if err != nil {
				return err
			}

			if coordStep != nil {
				plan := PlanAdvance(steps, coordStep.ID)
				if err := applyStepUpdates(tx, plan.Updates); err != nil {
					config.LogError(logger, "coordinator.go", "ApplyCoordinatorDecisions", "CloseCoordinatorStep", item.ID, err)
					return err
				}
				if plan.WorkflowDone && !item.WorkflowDone {
					err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).
						Update("workflow_done", true).Error
					if err != nil {
						return err
					}
					item.WorkflowDone = true
				}
			}
			result.Updated++
		}

		if result.Updated > 0 {
			result.addBudget(budget.ID)
			if err := AdvanceBudgetStatus(ctx, tx, budget, models.BudgetStatusReviewBeenCompleted); err != nil {
				return err
			}
			completed, err = RecomputeCoordinatorStatus(ctx, tx, logger, budget)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		go sendCompletionEmail(budgetId)
	}
	return result, nil
}

// coordinatorStageId finds the template stage id backing the item's
// coordinator step, or 0 when the chain carries none.
func coordinatorStageId(steps []*models.Step) int {
	for _, step := range steps {
		if step.StepName == models.StageKindCoordinator {
			return step.StageId
		}
	}
	return 0
}

// sendCompletionEmail delivers the workflow_complete mail at most once per
// budget across workers: the named lock debounces concurrent closers.
func sendCompletionEmail(budgetId int) {
	db := config.GetDB()
	logger := config.GetLogger()

	acquired, err := models.AcquireBudgetEmailLock(db, "complete", budgetId)
	if err != nil || !acquired {
		if err != nil {
			config.LogError(logger, "coordinator.go", "sendCompletionEmail", "AcquireBudgetEmailLock", budgetId, err)
		}
		return
	}
	defer models.ReleaseBudgetEmailLock(db, "complete", budgetId)

	notifier.NotifyWorkflowComplete(budgetId)
}
