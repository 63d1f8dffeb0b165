package workflow

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestEffectiveFinalStatus_AutoAdjust(t *testing.T) {
	baseline := &models.BudgetItemBaseline{
		Cost:     decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString("5"),
	}

	decision := &CoordinatorDecision{
		FinalStatus: models.FinalPurchaseStatusApproved,
		FinalCost:   decPtr("100.00"), // numerically equal, different scale
		FinalQuantity: decPtr("5"),
	}
	if got := EffectiveFinalStatus(decision, baseline); got != models.FinalPurchaseStatusApproved {
		t.Fatalf("status = %s, want approved (numerically unchanged)", got)
	}

	decision.FinalCost = decPtr("90")
	if got := EffectiveFinalStatus(decision, baseline); got != models.FinalPurchaseStatusAdjusted {
		t.Fatalf("status = %s, want adjusted (cost differs from baseline)", got)
	}

	decision.FinalCost = decPtr("100")
	decision.FinalQuantity = decPtr("4")
	if got := EffectiveFinalStatus(decision, baseline); got != models.FinalPurchaseStatusAdjusted {
		t.Fatalf("status = %s, want adjusted (quantity differs from baseline)", got)
	}
}

func TestEffectiveFinalStatus_NonApprovedPassesThrough(t *testing.T) {
	baseline := &models.BudgetItemBaseline{Cost: decimal.RequireFromString("100")}
	decision := &CoordinatorDecision{
		FinalStatus: models.FinalPurchaseStatusRejected,
		FinalCost:   decPtr("50"),
	}
	if got := EffectiveFinalStatus(decision, baseline); got != models.FinalPurchaseStatusRejected {
		t.Fatalf("status = %s, want rejected untouched", got)
	}
}

func TestEffectiveFinalStatus_MissingBaseline(t *testing.T) {
	decision := &CoordinatorDecision{
		FinalStatus: models.FinalPurchaseStatusApproved,
		FinalCost:   decPtr("90"),
	}
	if got := EffectiveFinalStatus(decision, nil); got != models.FinalPurchaseStatusApproved {
		t.Fatalf("status = %s, want approved when no baseline exists", got)
	}
}

func TestCoordinatorActionable(t *testing.T) {
	coordStep := &models.Step{ID: 4, StepName: models.StageKindCoordinator, IsCurrent: true}

	if !coordinatorActionable(&models.BudgetItem{WorkflowDone: true}, nil) {
		t.Fatal("workflow-done item must be decidable")
	}
	if !coordinatorActionable(&models.BudgetItem{}, coordStep) {
		t.Fatal("an item parked on its coordinator step must be decidable")
	}
	inStock := "in_stock"
	if !coordinatorActionable(&models.BudgetItem{StorageStatus: &inStock}, nil) {
		t.Fatal("excluded item must be decidable")
	}
	if coordinatorActionable(&models.BudgetItem{}, nil) {
		t.Fatal("an item still in departmental review must be skipped")
	}
}

// A chain ending in a coordinator stage parks the item on that step instead of
// finishing; the final decision must then close it.
func TestCoordinatorChainFinishesOnFinalDecision(t *testing.T) {
	steps := []*models.Step{
		{ID: 1, SortOrder: 1, StepName: models.StageKindLogistics, StepStatus: models.StepStatusConfirmed},
		{ID: 2, SortOrder: 2, StepName: models.StageKindCost, StepStatus: models.StepStatusConfirmed},
		{ID: 3, SortOrder: 3, StepName: models.StageKindRequestControlEdit, StepStatus: models.StepStatusPending, IsCurrent: true},
		{ID: 4, SortOrder: 4, StageId: 44, StepName: models.StageKindCoordinator, StepStatus: models.StepStatusPending},
	}

	plan := PlanAdvance(steps, 3)
	if plan.WorkflowDone {
		t.Fatal("a pending coordinator step must keep the workflow open")
	}
	if plan.NextStepId != 4 {
		t.Fatalf("next step = %d, want the coordinator step 4", plan.NextStepId)
	}

	steps[2].StepStatus = models.StepStatusConfirmed
	steps[2].IsCurrent = false
	steps[3].IsCurrent = true

	coord := CurrentStepAtStage(steps, models.StageKindCoordinator, Actor{Role: models.UserRoleAdmin})
	if coord == nil {
		t.Fatal("the parked item must expose its coordinator step as current")
	}

	plan = PlanAdvance(steps, coord.ID)
	if !plan.WorkflowDone {
		t.Fatal("closing the coordinator step must finish the workflow")
	}
	if got := coordinatorStageId(steps); got != 44 {
		t.Fatalf("coordinator stage id = %d, want 44", got)
	}
}

func TestIsRepeatDecision(t *testing.T) {
	status := models.FinalPurchaseStatusAdjusted
	item := &models.BudgetItem{
		FinalPurchaseStatus: &status,
		FinalPurchaseCost:   decPtr("90"),
		FinalQuantity:       decPtr("4"),
	}

	if !isRepeatDecision(item, status, decPtr("90.0"), decPtr("4")) {
		t.Fatal("numerically identical decision must be a repeat")
	}
	if isRepeatDecision(item, status, decPtr("91"), decPtr("4")) {
		t.Fatal("different cost is not a repeat")
	}
	if isRepeatDecision(item, models.FinalPurchaseStatusApproved, decPtr("90"), decPtr("4")) {
		t.Fatal("different status is not a repeat")
	}
	if isRepeatDecision(&models.BudgetItem{}, status, nil, nil) {
		t.Fatal("undecided item has no repeat")
	}
}
