package workflow

import (
	"testing"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func statusPtr(s models.FinalPurchaseStatus) *models.FinalPurchaseStatus { return &s }

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestComputeStatusCounters(t *testing.T) {
	items := []*models.BudgetItem{
		{ID: 1, WorkflowDone: false},
		{ID: 2, WorkflowDone: true},
		{ID: 3, WorkflowDone: true, FinalPurchaseStatus: statusPtr(models.FinalPurchaseStatusApproved)},
		// in stock: excluded entirely
		{ID: 4, StorageStatus: strPtr("in_stock")},
		// soft-removed: ignored
		{ID: 5, RemovedInItemRevision: true},
	}

	counters := ComputeStatusCounters(items)
	if counters.WfNotDone != 1 {
		t.Fatalf("WfNotDone = %d, want 1", counters.WfNotDone)
	}
	if counters.CoordNeeded != 2 || counters.CoordDone != 1 {
		t.Fatalf("coord = %d/%d, want needed 2, done 1", counters.CoordDone, counters.CoordNeeded)
	}
	if counters.Outstanding() != 2 {
		t.Fatalf("Outstanding = %d, want 2", counters.Outstanding())
	}
}

func TestComputeStatusCounters_ExclusionNeedsReviewer(t *testing.T) {
	// needed=false alone does not exclude; a recorded reviewer does.
	unreviewed := &models.BudgetItem{ID: 1, NeededStatus: boolPtr(false)}
	reviewed := &models.BudgetItem{ID: 2, NeededStatus: boolPtr(false), NeededReviewedBy: intPtr(9)}

	counters := ComputeStatusCounters([]*models.BudgetItem{unreviewed, reviewed})
	if counters.WfNotDone != 1 {
		t.Fatalf("WfNotDone = %d, want 1 (only the unreviewed item counts)", counters.WfNotDone)
	}
}

func TestBudgetLooksComplete(t *testing.T) {
	items := []*models.BudgetItem{
		{ID: 1, FinalPurchaseStatus: statusPtr(models.FinalPurchaseStatusApproved)},
		{ID: 2, FinalPurchaseStatus: statusPtr(models.FinalPurchaseStatusRejected)},
		{ID: 3, StorageStatus: strPtr("InStock ")}, // spelling variant, excluded
	}
	if !BudgetLooksComplete(items) {
		t.Fatal("all items terminal or excluded, budget must look complete")
	}

	items = append(items, &models.BudgetItem{ID: 4, FinalPurchaseStatus: statusPtr(models.FinalPurchaseStatusRevised)})
	if BudgetLooksComplete(items) {
		t.Fatal("revised is not a terminal final status")
	}

	items[3] = &models.BudgetItem{ID: 4}
	if BudgetLooksComplete(items) {
		t.Fatal("an undecided item must block completion")
	}
}

func TestNextStatusAfterPrincipalConfirm(t *testing.T) {
	if got := NextStatusAfterPrincipalConfirm(models.UserRoleModerator); got != models.BudgetStatusApprovedByFinance {
		t.Fatalf("moderator confirm -> %s, want approved_by_finance", got)
	}
	if got := NextStatusAfterPrincipalConfirm(models.UserRolePrincipal); got != models.BudgetStatusInReview {
		t.Fatalf("principal confirm -> %s, want in_review", got)
	}
}

func TestBudgetStatusRanksAreMonotonic(t *testing.T) {
	order := []models.BudgetStatus{
		models.BudgetStatusDraft,
		models.BudgetStatusSubmitted,
		models.BudgetStatusInReview,
		models.BudgetStatusReviewBeenCompleted,
		models.BudgetStatusApprovedByFinance,
		models.BudgetStatusRevisionRequested,
		models.BudgetStatusWorkflowComplete,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s must rank above %s", order[i], order[i-1])
		}
	}
	if models.BudgetStatus("bogus").Rank() != -1 {
		t.Fatal("unknown statuses must rank below everything")
	}
}
