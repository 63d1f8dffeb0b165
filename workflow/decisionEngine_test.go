package workflow

import (
	"testing"

	"bitbucket.org/hewadtech/budget_backend/models"
)

// NOTE: These tests are intentionally DB-free. The planning functions are pure;
// the transaction shells around them only apply the computed updates.

func makeChainSteps(ids []int, skipped map[int]bool, currentId int) []*models.Step {
	steps := make([]*models.Step, 0, len(ids))
	for i, id := range ids {
		steps = append(steps, &models.Step{
			ID:         id,
			SortOrder:  i + 1,
			StepName:   models.StageKindLogistics,
			StepStatus: models.StepStatusPending,
			IsSkipped:  skipped[id],
			IsCurrent:  id == currentId,
		})
	}
	return steps
}

func currentCountAfter(steps []*models.Step, updates []StepUpdate) int {
	current := map[int]bool{}
	for _, step := range steps {
		current[step.ID] = step.IsCurrent
	}
	for _, update := range updates {
		current[update.StepId] = update.IsCurrent
	}
	n := 0
	for _, isCurrent := range current {
		if isCurrent {
			n++
		}
	}
	return n
}

func TestPlanAdvance_MovesToNextPendingStep(t *testing.T) {
	steps := makeChainSteps([]int{1, 2, 3}, nil, 1)

	plan := PlanAdvance(steps, 1)

	if plan.WorkflowDone {
		t.Fatal("workflow must not be done with pending steps left")
	}
	if plan.NextStepId != 2 {
		t.Fatalf("next step = %d, want 2", plan.NextStepId)
	}
	if got := currentCountAfter(steps, plan.Updates); got != 1 {
		t.Fatalf("current steps after advance = %d, want exactly 1", got)
	}
}

func TestPlanAdvance_SkipsFlaggedSteps(t *testing.T) {
	steps := makeChainSteps([]int{1, 2, 3}, map[int]bool{2: true}, 1)

	plan := PlanAdvance(steps, 1)

	if plan.NextStepId != 3 {
		t.Fatalf("next step = %d, want 3 (step 2 is skip-flagged)", plan.NextStepId)
	}
	if len(plan.SkippedStepIds) != 1 || plan.SkippedStepIds[0] != 2 {
		t.Fatalf("lazily skipped steps = %v, want [2]", plan.SkippedStepIds)
	}
}

func TestPlanAdvance_LastStepFinishesWorkflow(t *testing.T) {
	steps := makeChainSteps([]int{1, 2}, nil, 2)
	steps[0].StepStatus = models.StepStatusConfirmed

	plan := PlanAdvance(steps, 2)

	if !plan.WorkflowDone {
		t.Fatal("confirming the final step must finish the workflow")
	}
	if got := currentCountAfter(steps, plan.Updates); got != 0 {
		t.Fatalf("current steps after finish = %d, want 0", got)
	}
}

func TestPlanAdvance_AllRemainingSkippedFinishesWorkflow(t *testing.T) {
	steps := makeChainSteps([]int{1, 2, 3}, map[int]bool{2: true, 3: true}, 1)

	plan := PlanAdvance(steps, 1)

	if !plan.WorkflowDone {
		t.Fatal("nothing but skip-flagged steps remained, workflow must be done")
	}
	if len(plan.SkippedStepIds) != 2 {
		t.Fatalf("lazily skipped steps = %v, want both later steps", plan.SkippedStepIds)
	}
}

func TestPlanAdvance_UnknownStepIsNoop(t *testing.T) {
	steps := makeChainSteps([]int{1, 2}, nil, 1)

	plan := PlanAdvance(steps, 99)

	if len(plan.Updates) != 0 || plan.WorkflowDone {
		t.Fatal("planning against a missing step must produce no updates")
	}
}

func TestPlanRewind_ReopensPreviousStep(t *testing.T) {
	steps := makeChainSteps([]int{1, 2, 3}, nil, 2)
	steps[0].StepStatus = models.StepStatusConfirmed

	plan := PlanRewind(steps, 2)

	if plan.AtSubmitted {
		t.Fatal("a middle-of-chain rewind must not land on submitted")
	}
	if plan.PreviousId != 1 {
		t.Fatalf("previous step = %d, want 1", plan.PreviousId)
	}
	if got := currentCountAfter(steps, plan.Updates); got != 1 {
		t.Fatalf("current steps after rewind = %d, want exactly 1", got)
	}
}

func TestPlanRewind_SkippedPredecessorIsJumpedOver(t *testing.T) {
	steps := makeChainSteps([]int{1, 2, 3}, map[int]bool{2: true}, 3)
	steps[0].StepStatus = models.StepStatusConfirmed

	plan := PlanRewind(steps, 3)

	if plan.PreviousId != 1 {
		t.Fatalf("previous step = %d, want 1 (step 2 is skipped)", plan.PreviousId)
	}
}

func TestPlanRewind_FirstStepLandsOnSubmitted(t *testing.T) {
	steps := makeChainSteps([]int{1, 2}, nil, 1)

	plan := PlanRewind(steps, 1)

	if !plan.AtSubmitted {
		t.Fatal("rewinding the first real step must land on the virtual submitted stage")
	}
	if plan.PreviousStage != models.StageKindSubmitted {
		t.Fatalf("previous stage = %q, want %q", plan.PreviousStage, models.StageKindSubmitted)
	}
	if got := currentCountAfter(steps, plan.Updates); got != 0 {
		t.Fatalf("current steps after submitted rewind = %d, want 0", got)
	}
}

func TestCurrentStepAtStage_OwnershipGuards(t *testing.T) {
	assigned := 7
	steps := []*models.Step{
		{
			ID:          1,
			SortOrder:   1,
			StepName:    models.StageKindLogistics,
			OwnerType:   models.OwnerTypeDepartment,
			OwnerOfStep: 40,
			IsCurrent:   true,
		},
	}

	if CurrentStepAtStage(steps, models.StageKindLogistics, Actor{DepartmentId: 40}) == nil {
		t.Fatal("owning department must pass the guard")
	}
	if CurrentStepAtStage(steps, models.StageKindLogistics, Actor{DepartmentId: 41}) != nil {
		t.Fatal("foreign department must not pass the guard")
	}
	if CurrentStepAtStage(steps, models.StageKindCost, Actor{DepartmentId: 40}) != nil {
		t.Fatal("wrong stage must not pass the guard")
	}
	if CurrentStepAtStage(steps, models.StageKindLogistics, Actor{DepartmentId: 41, Role: models.UserRoleAdmin}) == nil {
		t.Fatal("admin bypasses the ownership guard")
	}

	steps[0].OwnerType = models.OwnerTypeUser
	steps[0].AssignedUserId = &assigned
	if CurrentStepAtStage(steps, models.StageKindLogistics, Actor{UserId: 7}) == nil {
		t.Fatal("assigned user must pass the guard")
	}
	if CurrentStepAtStage(steps, models.StageKindLogistics, Actor{UserId: 8, DepartmentId: 40}) != nil {
		t.Fatal("user-owned step must ignore department membership")
	}
}
