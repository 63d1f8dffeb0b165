package notifier

import (
	"testing"
	"time"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func deptStep(id, budgetId, itemId, subAccountId int, stage models.StageKind, deptId int, current bool) *models.Step {
	return &models.Step{
		ID:           id,
		BudgetId:     budgetId,
		BudgetItemId: itemId,
		SubAccountId: subAccountId,
		StepName:     stage,
		OwnerType:    models.OwnerTypeDepartment,
		OwnerOfStep:  deptId,
		IsCurrent:    current,
	}
}

func itemMap(items ...*models.BudgetItem) map[int]*models.BudgetItem {
	out := make(map[int]*models.BudgetItem, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

func TestBuildNotificationGroups_FullReadinessOnly(t *testing.T) {
	items := itemMap(&models.BudgetItem{ID: 10}, &models.BudgetItem{ID: 11})

	// Both items of the combo sit on cost: ready.
	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 1, 11, 5, models.StageKindCost, 2, true),
	}
	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	combo := groups[0].Combos[0]
	if len(combo.ItemIds) != 2 || len(combo.StepIds) != 2 {
		t.Fatalf("combo carries %d items / %d steps, want 2 / 2", len(combo.ItemIds), len(combo.StepIds))
	}

	// Only one of the two has arrived: the combo is not ready.
	steps[1].IsCurrent = false
	groups = BuildNotificationGroups(steps, items, nil)
	if len(groups) != 0 {
		t.Fatalf("partially-ready combo produced %d groups, want 0", len(groups))
	}
}

func TestBuildNotificationGroups_SkippedStepsDontCount(t *testing.T) {
	items := itemMap(&models.BudgetItem{ID: 10}, &models.BudgetItem{ID: 11})

	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 1, 11, 5, models.StageKindCost, 2, false),
	}
	steps[1].IsSkipped = true

	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (skipped step excluded from the total)", len(groups))
	}
	if len(groups[0].Combos[0].ItemIds) != 1 {
		t.Fatalf("combo carries %d items, want 1", len(groups[0].Combos[0].ItemIds))
	}
}

func TestBuildNotificationGroups_NotifiedStepsAreDropped(t *testing.T) {
	items := itemMap(&models.BudgetItem{ID: 10}, &models.BudgetItem{ID: 11})
	now := time.Now()

	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 1, 11, 5, models.StageKindCost, 2, true),
	}
	steps[0].NotifiedAt = &now

	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	combo := groups[0].Combos[0]
	if len(combo.StepIds) != 1 || combo.StepIds[0] != 2 {
		t.Fatalf("already-notified step must be filtered, got step ids %v", combo.StepIds)
	}
}

func TestBuildNotificationGroups_RemovedAndExcludedItemsIgnored(t *testing.T) {
	inStock := "in_stock"
	items := itemMap(
		&models.BudgetItem{ID: 10},
		&models.BudgetItem{ID: 11, RemovedInItemRevision: true},
		&models.BudgetItem{ID: 12, StorageStatus: &inStock},
	)

	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 1, 11, 5, models.StageKindCost, 2, false),
		deptStep(3, 1, 12, 5, models.StageKindCost, 2, false),
	}

	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (removed and in-stock items must not block readiness)", len(groups))
	}
}

func TestBuildNotificationGroups_NeededTriggerExcludesUnwanted(t *testing.T) {
	no := false
	items := itemMap(
		&models.BudgetItem{ID: 10},
		// needed=false, no reviewer yet: blocks on the generic path,
		// excluded on the needed-stage trigger path.
		&models.BudgetItem{ID: 11, NeededStatus: &no},
	)
	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 1, 11, 5, models.StageKindCost, 2, false),
	}

	if groups := BuildNotificationGroups(steps, items, nil); len(groups) != 0 {
		t.Fatalf("generic trigger: got %d groups, want 0", len(groups))
	}

	source := models.StageKindNeeded
	if groups := BuildNotificationGroups(steps, items, &source); len(groups) != 1 {
		t.Fatalf("needed trigger: got %d groups, want 1", len(groups))
	}
}

func TestBuildNotificationGroups_OwnerSplitsAndOrdering(t *testing.T) {
	items := itemMap(&models.BudgetItem{ID: 10}, &models.BudgetItem{ID: 11}, &models.BudgetItem{ID: 12})

	userId := 42
	userStep := &models.Step{
		ID:             3,
		BudgetId:       2,
		BudgetItemId:   12,
		SubAccountId:   6,
		StepName:       models.StageKindCost,
		OwnerType:      models.OwnerTypeUser,
		AssignedUserId: &userId,
		IsCurrent:      true,
	}
	steps := []*models.Step{
		deptStep(1, 1, 10, 5, models.StageKindCost, 9, true),
		deptStep(2, 1, 11, 5, models.StageKindLogistics, 3, true),
		userStep,
	}

	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3 (two departments and one user)", len(groups))
	}

	// Ordered by stage, then owner type, then owner id.
	if groups[0].Key.Stage != models.StageKindCost || groups[0].Key.OwnerType != models.OwnerTypeDepartment || groups[0].Key.OwnerId != 9 {
		t.Fatalf("first group = %+v", groups[0].Key)
	}
	if groups[1].Key.OwnerType != models.OwnerTypeUser || groups[1].Key.OwnerId != userId {
		t.Fatalf("second group = %+v", groups[1].Key)
	}
	if groups[2].Key.Stage != models.StageKindLogistics {
		t.Fatalf("third group = %+v", groups[2].Key)
	}
}

func TestBuildNotificationGroups_CombosSortedWithinGroup(t *testing.T) {
	items := itemMap(&models.BudgetItem{ID: 10}, &models.BudgetItem{ID: 11})

	steps := []*models.Step{
		deptStep(1, 7, 10, 5, models.StageKindCost, 2, true),
		deptStep(2, 3, 11, 8, models.StageKindCost, 2, true),
	}

	groups := BuildNotificationGroups(steps, items, nil)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	combos := groups[0].Combos
	if len(combos) != 2 {
		t.Fatalf("got %d combos, want 2", len(combos))
	}
	if combos[0].BudgetId != 3 || combos[1].BudgetId != 7 {
		t.Fatalf("combos must sort by budget id, got %d then %d", combos[0].BudgetId, combos[1].BudgetId)
	}
}
