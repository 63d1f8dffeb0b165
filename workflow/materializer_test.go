package workflow

import (
	"testing"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func makeChain(kinds []models.StageKind, skipped map[int]bool) []*ResolvedStage {
	chain := make([]*ResolvedStage, 0, len(kinds))
	for i, kind := range kinds {
		chain = append(chain, &ResolvedStage{
			Stage: &models.WorkflowTemplateStage{
				ID:        100 + i,
				Stage:     kind,
				SortOrder: i + 1,
			},
			ShouldSkip: skipped[i],
		})
	}
	return chain
}

func TestBuildInitialSteps_FirstNonSkippedIsCurrent(t *testing.T) {
	budget := &models.Budget{ID: 1}
	item := &models.BudgetItem{ID: 10, SubAccountId: 5}
	chain := makeChain([]models.StageKind{models.StageKindLogistics, models.StageKindNeeded, models.StageKindCost},
		map[int]bool{0: true})

	steps, allSkipped := BuildInitialSteps(budget, item, 3, chain, nil)

	if allSkipped {
		t.Fatal("chain with live stages must not report all-skipped")
	}
	if len(steps) != 3 {
		t.Fatalf("built %d steps, want 3", len(steps))
	}
	if steps[0].StepStatus != models.StepStatusSkipped || !steps[0].IsSkipped {
		t.Fatal("skip-flagged stage must be created as skipped")
	}
	if !steps[1].IsCurrent {
		t.Fatal("the first non-skipped stage must be current")
	}
	if steps[2].IsCurrent {
		t.Fatal("only one step may be current")
	}
}

func TestBuildInitialSteps_AlignAnchorsCurrent(t *testing.T) {
	budget := &models.Budget{ID: 1}
	item := &models.BudgetItem{ID: 10, SubAccountId: 5}
	chain := makeChain([]models.StageKind{models.StageKindLogistics, models.StageKindCost, models.StageKindCoordinator}, nil)

	anchor := models.StageKindCost
	steps, _ := BuildInitialSteps(budget, item, 3, chain, &anchor)

	if !steps[1].IsCurrent {
		t.Fatal("current must anchor on the align stage")
	}
	if steps[0].IsCurrent || steps[2].IsCurrent {
		t.Fatal("only the anchored step may be current")
	}
}

func TestBuildInitialSteps_SkippedAnchorFallsBack(t *testing.T) {
	budget := &models.Budget{ID: 1}
	item := &models.BudgetItem{ID: 10, SubAccountId: 5}
	chain := makeChain([]models.StageKind{models.StageKindLogistics, models.StageKindCost},
		map[int]bool{1: true})

	anchor := models.StageKindCost
	steps, _ := BuildInitialSteps(budget, item, 3, chain, &anchor)

	if !steps[0].IsCurrent {
		t.Fatal("a skipped anchor stage must fall back to the first non-skipped stage")
	}
}

func TestBuildInitialSteps_AllSkippedChain(t *testing.T) {
	budget := &models.Budget{ID: 1}
	item := &models.BudgetItem{ID: 10, SubAccountId: 5}
	chain := makeChain([]models.StageKind{models.StageKindLogistics, models.StageKindCost},
		map[int]bool{0: true, 1: true})

	steps, allSkipped := BuildInitialSteps(budget, item, 3, chain, nil)

	if !allSkipped {
		t.Fatal("fully skip-flagged chain must report all-skipped")
	}
	for _, step := range steps {
		if step.IsCurrent {
			t.Fatal("an all-skipped chain has no current step")
		}
	}
}

func TestRefreshStepStatus(t *testing.T) {
	// A stage the type now skips always becomes skipped.
	status, skipped, changed := RefreshStepStatus(models.StepStatusPending, false, true)
	if status != models.StepStatusSkipped || !skipped || !changed {
		t.Fatalf("pending -> skip rule: got (%s, %v, %v)", status, skipped, changed)
	}

	// Already skipped and still skipped: no change.
	_, _, changed = RefreshStepStatus(models.StepStatusSkipped, true, true)
	if changed {
		t.Fatal("skipped step under a skip rule must not change")
	}

	// A previously skipped stage reopens when the rule lifts.
	status, skipped, changed = RefreshStepStatus(models.StepStatusSkipped, true, false)
	if status != models.StepStatusPending || skipped || !changed {
		t.Fatalf("skip lift: got (%s, %v, %v), want (pending, false, true)", status, skipped, changed)
	}

	// A confirmed step with no skip rule keeps its status.
	_, _, changed = RefreshStepStatus(models.StepStatusConfirmed, false, false)
	if changed {
		t.Fatal("confirmed step without a skip rule must not change")
	}
}
