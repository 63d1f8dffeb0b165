package workflow

import (
	"testing"
	"time"

	"bitbucket.org/hewadtech/budget_backend/models"
)

func intPtr(v int) *int { return &v }

func TestPickBinding_SchoolSpecificWins(t *testing.T) {
	bindings := []*models.WorkflowBinding{
		{ID: 1, TemplateId: 10, Priority: 100},
		{ID: 2, TemplateId: 20, SchoolId: intPtr(3), Priority: 0},
	}
	if got := PickBinding(bindings); got != 20 {
		t.Fatalf("template = %d, want 20 (school-specific beats priority)", got)
	}
}

func TestPickBinding_SubAccountBreaksSchoolTie(t *testing.T) {
	bindings := []*models.WorkflowBinding{
		{ID: 1, TemplateId: 10, SchoolId: intPtr(3)},
		{ID: 2, TemplateId: 20, SchoolId: intPtr(3), SubAccountId: intPtr(7)},
	}
	if got := PickBinding(bindings); got != 20 {
		t.Fatalf("template = %d, want 20 (sub-account-specific breaks the tie)", got)
	}
}

func TestPickBinding_PriorityThenRecency(t *testing.T) {
	earlier := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(24 * time.Hour)

	bindings := []*models.WorkflowBinding{
		{ID: 1, TemplateId: 10, Priority: 5, CreatedAt: later},
		{ID: 2, TemplateId: 20, Priority: 9, CreatedAt: earlier},
	}
	if got := PickBinding(bindings); got != 20 {
		t.Fatalf("template = %d, want 20 (higher priority wins)", got)
	}

	bindings = []*models.WorkflowBinding{
		{ID: 1, TemplateId: 10, Priority: 5, CreatedAt: earlier},
		{ID: 2, TemplateId: 20, Priority: 5, CreatedAt: later},
	}
	if got := PickBinding(bindings); got != 20 {
		t.Fatalf("template = %d, want 20 (newer binding wins the priority tie)", got)
	}
}

func TestPickBinding_EmptySet(t *testing.T) {
	if got := PickBinding(nil); got != 0 {
		t.Fatalf("template = %d, want 0 for no match", got)
	}
}

func TestTagSkips(t *testing.T) {
	stages := []*models.WorkflowTemplateStage{
		{ID: 1, Stage: models.StageKindLogistics, SkipTypeIds: models.IntList{4, 5}},
		{ID: 2, Stage: models.StageKindCost},
	}

	chain := TagSkips(stages, 5)
	if !chain[0].ShouldSkip {
		t.Fatal("type 5 is in skip_type_ids, stage must be tagged")
	}
	if chain[1].ShouldSkip {
		t.Fatal("stage without a matching rule must not be tagged")
	}

	// An item without a catalog reference never matches a skip rule.
	chain = TagSkips(stages, 0)
	if chain[0].ShouldSkip {
		t.Fatal("type id 0 must never match a skip rule")
	}
}
