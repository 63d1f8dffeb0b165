package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// Actor identifies who is deciding; ownership guards compare against it.
type Actor struct {
	UserId       int
	UserName     string
	DepartmentId int
	Role         models.UserRole
}

// ActorFromContext builds the deciding actor from request context values.
func ActorFromContext(ctx context.Context) Actor {
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	departmentId, _ := utils.GetDepartmentIdFromContext(ctx)
	role, _ := utils.GetRoleFromContext(ctx)
	return Actor{
		UserId:       userId,
		UserName:     userName,
		DepartmentId: departmentId,
		Role:         models.UserRole(role),
	}
}

// DecisionResult is what every batch decision returns: how many items were
// actually decided, how many were guard-skipped, and which budgets changed.
type DecisionResult struct {
	Updated   int   `json:"updated"`
	Skipped   int   `json:"skipped"`
	BudgetIds []int `json:"budget_ids"`
}

func (r *DecisionResult) addBudget(budgetId int) {
	for _, id := range r.BudgetIds {
		if id == budgetId {
			return
		}
	}
	r.BudgetIds = append(r.BudgetIds, budgetId)
}

// StepUpdate is one planned mutation of a step row.
type StepUpdate struct {
	StepId     int
	StepStatus models.StepStatus
	IsCurrent  bool
}

// AdvancePlan is the outcome of confirming a current step: the updates to
// apply, the ids of lazily-skipped later steps, and whether the item ran out
// of pending work.
type AdvancePlan struct {
	Updates        []StepUpdate
	SkippedStepIds []int
	NextStepId     int
	WorkflowDone   bool
}

// PlanAdvance computes the step mutations for confirming currentStepId.
// The confirmed step closes, every later is_skipped step is lazily marked
// skipped, and the next non-skipped pending step by sort_order becomes
// current. No next step means the item's workflow is done.
func PlanAdvance(steps []*models.Step, currentStepId int) *AdvancePlan {
	plan := &AdvancePlan{}
	var current *models.Step
	for _, step := range steps {
		if step.ID == currentStepId {
			current = step
			break
		}
	}
	if current == nil {
		return plan
	}

	plan.Updates = append(plan.Updates, StepUpdate{
		StepId:     current.ID,
		StepStatus: models.StepStatusConfirmed,
		IsCurrent:  false,
	})

	for _, step := range steps {
		if step.SortOrder <= current.SortOrder || step.ID == current.ID {
			continue
		}
		if step.IsSkipped && step.StepStatus != models.StepStatusSkipped {
			plan.Updates = append(plan.Updates, StepUpdate{
				StepId:     step.ID,
				StepStatus: models.StepStatusSkipped,
				IsCurrent:  false,
			})
			plan.SkippedStepIds = append(plan.SkippedStepIds, step.ID)
		}
	}

	var next *models.Step
	for _, step := range steps {
		if step.SortOrder <= current.SortOrder {
			continue
		}
		if step.IsSkipped {
			continue
		}
		if step.StepStatus == models.StepStatusConfirmed {
			continue
		}
		if next == nil || step.SortOrder < next.SortOrder {
			next = step
		}
	}
	if next == nil {
		plan.WorkflowDone = true
		return plan
	}
	plan.NextStepId = next.ID
	plan.Updates = append(plan.Updates, StepUpdate{
		StepId:     next.ID,
		StepStatus: models.StepStatusPending,
		IsCurrent:  true,
	})
	return plan
}

// RewindPlan is the outcome of a revise: the current step is stamped
// revision_requested and the previous non-skipped step reopens. A rewind past
// the first real stage lands on the virtual submitted step, leaving the item
// with no current step row.
type RewindPlan struct {
	Updates       []StepUpdate
	PreviousId    int
	AtSubmitted   bool
	PreviousStage models.StageKind
}

func PlanRewind(steps []*models.Step, currentStepId int) *RewindPlan {
	plan := &RewindPlan{}
	var current *models.Step
	for _, step := range steps {
		if step.ID == currentStepId {
			current = step
			break
		}
	}
	if current == nil {
		return plan
	}

	plan.Updates = append(plan.Updates, StepUpdate{
		StepId:     current.ID,
		StepStatus: models.StepStatusRevisionRequested,
		IsCurrent:  false,
	})

	var previous *models.Step
	for _, step := range steps {
		if step.SortOrder >= current.SortOrder {
			continue
		}
		if step.IsSkipped {
			continue
		}
		if previous == nil || step.SortOrder > previous.SortOrder {
			previous = step
		}
	}
	if previous == nil {
		plan.AtSubmitted = true
		plan.PreviousStage = models.StageKindSubmitted
		return plan
	}
	plan.PreviousId = previous.ID
	plan.PreviousStage = previous.StepName
	plan.Updates = append(plan.Updates, StepUpdate{
		StepId:     previous.ID,
		StepStatus: models.StepStatusPending,
		IsCurrent:  true,
	})
	return plan
}

func applyStepUpdates(tx *gorm.DB, updates []StepUpdate) error {
	for _, update := range updates {
		err := tx.Model(&models.Step{}).Where("id = ?", update.StepId).
			Updates(map[string]interface{}{
				"step_status": update.StepStatus,
				"is_current":  update.IsCurrent,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// CurrentStepAtStage finds the item's current step if it sits at the wanted
// stage and the actor owns it. Returns nil when the guard fails; batch
// callers treat that as a soft skip.
func CurrentStepAtStage(steps []*models.Step, stage models.StageKind, actor Actor) *models.Step {
	for _, step := range steps {
		if !step.IsCurrent {
			continue
		}
		if step.StepName != stage {
			return nil
		}
		if !actorOwnsStep(step, actor) {
			return nil
		}
		return step
	}
	return nil
}

func actorOwnsStep(step *models.Step, actor Actor) bool {
	if actor.Role == models.UserRoleAdmin {
		return true
	}
	if step.OwnerType == models.OwnerTypeUser {
		return step.AssignedUserId != nil && *step.AssignedUserId == actor.UserId
	}
	return step.OwnerOfStep == actor.DepartmentId
}

// confirmItemStep closes the item's current step at the given stage, records
// the decision snapshot and the audit trail, and advances the pointer.
// Returns (false, nil) when the ownership/stage guard fails.
func confirmItemStep(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, budget *models.Budget, item *models.BudgetItem, stage models.StageKind, actor Actor, decision string, providedQty *decimal.Decimal, numericValue *decimal.Decimal) (bool, error) {
	steps, err := models.GetStepsForItem(tx, item.ID)
	if err != nil {
		return false, err
	}
	current := CurrentStepAtStage(steps, stage, actor)
	if current == nil {
		return false, nil
	}

	plan := PlanAdvance(steps, current.ID)
	if err := applyStepUpdates(tx, plan.Updates); err != nil {
		config.LogError(logger, "decisionEngine.go", "confirmItemStep", "ApplyStepUpdates", item.ID, err)
		return false, err
	}

	state := models.StepState{
		BudgetId:          budget.ID,
		ItemId:            item.ID,
		TemplateStepId:    current.StageId,
		Stage:             current.StepName,
		Decision:          decision,
		ProvidedQty:       providedQty,
		NumericValue:      numericValue,
		ActorUserId:       actor.UserId,
		ActorDepartmentId: actor.DepartmentId,
	}
	if err := tx.Create(&state).Error; err != nil {
		config.LogError(logger, "decisionEngine.go", "confirmItemStep", "InsertStepState", item.ID, err)
		return false, err
	}

	itemId := item.ID
	err = models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
		BudgetId: budget.ID,
		ItemId:   &itemId,
		Stage:    string(current.StepName),
		Action:   models.AuditActionConfirmed,
		NewValue: &decision,
	})
	if err != nil {
		return false, err
	}
	for _, skippedId := range plan.SkippedStepIds {
		stageName := stageNameOfStep(steps, skippedId)
		err = models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
			BudgetId: budget.ID,
			ItemId:   &itemId,
			Stage:    stageName,
			Action:   models.AuditActionSkipped,
		})
		if err != nil {
			return false, err
		}
	}

	if plan.WorkflowDone && !item.WorkflowDone {
		err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).
			Update("workflow_done", true).Error
		if err != nil {
			return false, err
		}
		item.WorkflowDone = true
	}
	return true, nil
}

func stageNameOfStep(steps []*models.Step, stepId int) string {
	for _, step := range steps {
		if step.ID == stepId {
			return string(step.StepName)
		}
	}
	return models.AuditStageSystem
}

// reviseItemStep rewinds the item's current step at the given stage, stamping
// it revision_requested and reopening the previous non-skipped step.
func reviseItemStep(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, budget *models.Budget, item *models.BudgetItem, stage models.StageKind, actor Actor, reason string) (bool, error) {
	steps, err := models.GetStepsForItem(tx, item.ID)
	if err != nil {
		return false, err
	}
	current := CurrentStepAtStage(steps, stage, actor)
	if current == nil {
		return false, nil
	}
	if !current.CanRevise {
		return false, nil
	}

	plan := PlanRewind(steps, current.ID)
	if err := applyStepUpdates(tx, plan.Updates); err != nil {
		config.LogError(logger, "decisionEngine.go", "reviseItemStep", "ApplyStepUpdates", item.ID, err)
		return false, err
	}

	now := time.Now()
	itemUpdates := map[string]interface{}{
		"item_revised":   true,
		"revision_state": models.RevisionStatePending,
		"revised_at":     now,
		"workflow_done":  false,
	}
	if reason != "" {
		itemUpdates["revise_reason"] = reason
	}
	if err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(itemUpdates).Error; err != nil {
		config.LogError(logger, "decisionEngine.go", "reviseItemStep", "StampItemRevised", item.ID, err)
		return false, err
	}

	itemId := item.ID
	oldStage := string(current.StepName)
	newStage := string(plan.PreviousStage)
	var note *string
	if reason != "" {
		note = &reason
	}
	err = models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
		BudgetId: budget.ID,
		ItemId:   &itemId,
		Stage:    string(stage),
		Action:   models.AuditActionRevisionRequested,
		OldValue: &oldStage,
		NewValue: &newStage,
		Note:     note,
	})
	return err == nil, err
}
