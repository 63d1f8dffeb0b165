package workflow

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
)

// StatusCounters are the per-budget aggregates driving the coordinator
// recomputation. Soft-removed items carry no live workflow and are ignored.
type StatusCounters struct {
	WfNotDone   int `json:"wf_not_done"`
	CoordNeeded int `json:"coord_needed"`
	CoordDone   int `json:"coord_done"`
}

func (c StatusCounters) Outstanding() int {
	return c.WfNotDone + (c.CoordNeeded - c.CoordDone)
}

// ComputeStatusCounters aggregates the items' workflow state. Excluded items
// (in stock, or reviewed as not needed) count as done without a coordinator
// decision.
func ComputeStatusCounters(items []*models.BudgetItem) StatusCounters {
	var counters StatusCounters
	for _, item := range items {
		if item.IsRemoved() || item.IsExcluded() {
			continue
		}
		if !item.WorkflowDone {
			counters.WfNotDone++
			continue
		}
		counters.CoordNeeded++
		if item.FinalPurchaseStatus != nil {
			counters.CoordDone++
		}
	}
	return counters
}

// BudgetLooksComplete is the strict completion test: every live item either
// carries a terminal final status or is excluded. Used by entry points that
// have the full item set at hand; equivalent to Outstanding()==0 after
// correct upstream bookkeeping.
func BudgetLooksComplete(items []*models.BudgetItem) bool {
	for _, item := range items {
		if item.RemovedInItemRevision {
			continue
		}
		if item.IsExcluded() {
			continue
		}
		if !models.IsTerminalFinalStatus(item.FinalPurchaseStatus) {
			return false
		}
	}
	return true
}

// NextStatusAfterPrincipalConfirm maps the confirming role at the principal
// stage to the budget's next status.
func NextStatusAfterPrincipalConfirm(role models.UserRole) models.BudgetStatus {
	if role == models.UserRoleModerator {
		return models.BudgetStatusApprovedByFinance
	}
	return models.BudgetStatusInReview
}

// AdvanceBudgetStatus raises the budget's status, never lowering it. A
// transition emits one status_change audit event; calling with the current or
// a lower-ranked status is a no-op.
func AdvanceBudgetStatus(ctx context.Context, tx *gorm.DB, budget *models.Budget, next models.BudgetStatus) error {
	return advanceBudgetStatusWithCounters(ctx, tx, budget, next, nil)
}

func advanceBudgetStatusWithCounters(ctx context.Context, tx *gorm.DB, budget *models.Budget, next models.BudgetStatus, counters *StatusCounters) error {
	if next.Rank() <= budget.BudgetStatus.Rank() {
		return nil
	}
	prev := string(budget.BudgetStatus)
	nextStr := string(next)
	if err := models.UpdateBudgetStatusTx(tx, budget, next); err != nil {
		return err
	}
	var valueJson map[string]interface{}
	if counters != nil {
		valueJson = map[string]interface{}{
			"wf_not_done":  counters.WfNotDone,
			"coord_needed": counters.CoordNeeded,
			"coord_done":   counters.CoordDone,
		}
	}
	return models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
		BudgetId:  budget.ID,
		Stage:     models.AuditStageSystem,
		Action:    models.AuditActionStatusChange,
		OldValue:  &prev,
		NewValue:  &nextStr,
		ValueJson: valueJson,
	})
}

// MarkRevisionRequested is the one legal rank decrease: any revise action
// drops the budget to revision_requested regardless of its previous rank.
func MarkRevisionRequested(ctx context.Context, tx *gorm.DB, budget *models.Budget) error {
	if budget.BudgetStatus == models.BudgetStatusRevisionRequested {
		return nil
	}
	prev := string(budget.BudgetStatus)
	next := string(models.BudgetStatusRevisionRequested)
	if err := models.UpdateBudgetStatusTx(tx, budget, models.BudgetStatusRevisionRequested); err != nil {
		return err
	}
	return models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
		BudgetId: budget.ID,
		Stage:    models.AuditStageSystem,
		Action:   models.AuditActionStatusChange,
		OldValue: &prev,
		NewValue: &next,
	})
}

// RecomputeCoordinatorStatus runs after every coordinator decision: once the
// budget has at least reached review_been_completed and nothing is
// outstanding, it closes as workflow_complete. Returns whether the budget
// closed in this call.
func RecomputeCoordinatorStatus(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, budget *models.Budget) (bool, error) {
	items, err := models.GetBudgetItems(tx, budget.ID)
	if err != nil {
		config.LogError(logger, "budgetStatus.go", "RecomputeCoordinatorStatus", "GetBudgetItems", budget.ID, err)
		return false, err
	}
	counters := ComputeStatusCounters(items)
	if budget.BudgetStatus.Rank() < models.BudgetStatusReviewBeenCompleted.Rank() {
		return false, nil
	}
	if counters.Outstanding() != 0 {
		return false, nil
	}
	if budget.BudgetStatus == models.BudgetStatusWorkflowComplete {
		return false, nil
	}
	err = advanceBudgetStatusWithCounters(ctx, tx, budget, models.BudgetStatusWorkflowComplete, &counters)
	if err != nil {
		return false, err
	}
	return true, nil
}
