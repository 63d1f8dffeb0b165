package workflow

import (
	"testing"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func stage(id int, kind models.StageKind, sortOrder int) *models.WorkflowTemplateStage {
	return &models.WorkflowTemplateStage{ID: id, Stage: kind, SortOrder: sortOrder}
}

func TestMapStagesByKindIndex_PairsByKind(t *testing.T) {
	oldStages := []*models.WorkflowTemplateStage{
		stage(1, models.StageKindLogistics, 1),
		stage(2, models.StageKindCost, 2),
	}
	newStages := []*models.WorkflowTemplateStage{
		stage(11, models.StageKindCost, 1),
		stage(12, models.StageKindLogistics, 2),
	}

	pairs := MapStagesByKindIndex(oldStages, newStages)
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	for _, pair := range pairs {
		if pair.Old.Stage != pair.New.Stage {
			t.Fatalf("pair crosses kinds: %s -> %s", pair.Old.Stage, pair.New.Stage)
		}
	}
}

func TestMapStagesByKindIndex_RepeatedKindsPairByIndex(t *testing.T) {
	oldStages := []*models.WorkflowTemplateStage{
		stage(1, models.StageKindCost, 1),
		stage(2, models.StageKindCost, 2),
	}
	newStages := []*models.WorkflowTemplateStage{
		stage(11, models.StageKindCost, 1),
		stage(12, models.StageKindCost, 2),
	}

	pairs := MapStagesByKindIndex(oldStages, newStages)
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if pairs[0].New.ID != 11 || pairs[1].New.ID != 12 {
		t.Fatalf("repeated kinds must pair in order, got %d then %d", pairs[0].New.ID, pairs[1].New.ID)
	}
}

func TestMapStagesByKindIndex_UnmappedTailsDropped(t *testing.T) {
	oldStages := []*models.WorkflowTemplateStage{
		stage(1, models.StageKindLogistics, 1),
		stage(2, models.StageKindNeeded, 2),
	}
	newStages := []*models.WorkflowTemplateStage{
		stage(11, models.StageKindLogistics, 1),
		stage(12, models.StageKindCoordinator, 2),
	}

	pairs := MapStagesByKindIndex(oldStages, newStages)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1 (needed and coordinator have no counterpart)", len(pairs))
	}
	if pairs[0].Old.ID != 1 || pairs[0].New.ID != 11 {
		t.Fatalf("wrong pair survived: %d -> %d", pairs[0].Old.ID, pairs[0].New.ID)
	}
}

func TestModeTemplateId(t *testing.T) {
	steps := []*models.Step{
		{TemplateId: 3},
		{TemplateId: 3},
		{TemplateId: 7},
	}
	if got := ModeTemplateId(steps); got != 3 {
		t.Fatalf("mode = %d, want 3", got)
	}

	// Ties break toward the lower id.
	steps = []*models.Step{{TemplateId: 7}, {TemplateId: 3}}
	if got := ModeTemplateId(steps); got != 3 {
		t.Fatalf("tied mode = %d, want 3", got)
	}

	if got := ModeTemplateId(nil); got != 0 {
		t.Fatalf("mode of no steps = %d, want 0", got)
	}
}
