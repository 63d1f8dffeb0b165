package workflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// MigrationItemPlan is the per-item outcome of a rebase: where the item came
// from, where it went, and how many decision snapshots were carried over.
type MigrationItemPlan struct {
	ItemId         int    `json:"item_id"`
	FromTemplateId int    `json:"from_template_id"`
	ToTemplateId   int    `json:"to_template_id"`
	Migrated       int    `json:"migrated"`
	Skipped        bool   `json:"skipped"`
	Reason         string `json:"reason,omitempty"`
}

type MigrationResult struct {
	BudgetId int                  `json:"budget_id"`
	DryRun   bool                 `json:"dry_run"`
	Items    []*MigrationItemPlan `json:"items"`
}

// StagePair maps one old template stage onto its new counterpart.
type StagePair struct {
	Old *models.WorkflowTemplateStage
	New *models.WorkflowTemplateStage
}

// MapStagesByKindIndex pairs old and new template stages by (stage kind,
// index within that kind), both sides ordered by sort_order. Unmapped tails
// on either side are dropped.
func MapStagesByKindIndex(oldStages []*models.WorkflowTemplateStage, newStages []*models.WorkflowTemplateStage) []StagePair {
	type kindIndex struct {
		kind  models.StageKind
		index int
	}
	seen := map[models.StageKind]int{}
	newByKey := map[kindIndex]*models.WorkflowTemplateStage{}
	for _, stage := range newStages {
		key := kindIndex{stage.Stage, seen[stage.Stage]}
		seen[stage.Stage]++
		newByKey[key] = stage
	}

	var pairs []StagePair
	seen = map[models.StageKind]int{}
	for _, stage := range oldStages {
		key := kindIndex{stage.Stage, seen[stage.Stage]}
		seen[stage.Stage]++
		if target, ok := newByKey[key]; ok {
			pairs = append(pairs, StagePair{Old: stage, New: target})
		}
	}
	return pairs
}

// ModeTemplateId returns the template id most frequently referenced by an
// item's steps; ties break toward the lower id for determinism.
func ModeTemplateId(steps []*models.Step) int {
	counts := map[int]int{}
	for _, step := range steps {
		counts[step.TemplateId]++
	}
	best, bestCount := 0, 0
	for id, count := range counts {
		if count > bestCount || (count == bestCount && id < best) {
			best, bestCount = id, count
		}
	}
	return best
}

// MigrateBudget rebases every item of a budget onto a new template, carrying
// the latest recorded decision of each mapped stage. With dryRun the method
// only returns the per-item plan; nothing is written. The whole migration is
// one transaction: it either applies to all items or none.
func MigrateBudget(ctx context.Context, budgetId int, targetTemplateId *int, dryRun bool) (*MigrationResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)
	result := &MigrationResult{BudgetId: budgetId, DryRun: dryRun}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		budget, err := models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		items, err := models.GetBudgetItems(tx, budget.ID)
		if err != nil {
			return err
		}
		stepsByItem, err := models.GetStepsForItems(tx, itemIdsOf(items))
		if err != nil {
			return err
		}

		for _, item := range items {
			plan, err := migrateItem(ctx, tx, budget, item, stepsByItem[item.ID], targetTemplateId, dryRun, actor)
			if err != nil {
				config.LogError(logger, "migration.go", "MigrateBudget", "MigrateItem", item.ID, err)
				return err
			}
			result.Items = append(result.Items, plan)
		}
		if dryRun {
			// Roll back any incidental writes; the plan is the whole output.
			return errDryRunRollback
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRunRollback) {
		return nil, err
	}
	return result, nil
}

var errDryRunRollback = errors.New("dry run rollback")

func itemIdsOf(items []*models.BudgetItem) []int {
	ids := make([]int, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func migrateItem(ctx context.Context, tx *gorm.DB, budget *models.Budget, item *models.BudgetItem, steps []*models.Step, targetTemplateId *int, dryRun bool, actor Actor) (*MigrationItemPlan, error) {
	plan := &MigrationItemPlan{ItemId: item.ID}

	plan.FromTemplateId = ModeTemplateId(steps)
	if targetTemplateId != nil && *targetTemplateId > 0 {
		plan.ToTemplateId = *targetTemplateId
	} else {
		templateId, err := ResolveTemplateId(tx, budget.SchoolId, item.SubAccountId)
		if err != nil {
			if err == utils.ErrorNoTemplate {
				plan.Skipped = true
				plan.Reason = "no template resolvable"
				return plan, nil
			}
			return nil, err
		}
		plan.ToTemplateId = templateId
	}
	if plan.FromTemplateId == 0 {
		plan.Skipped = true
		plan.Reason = "item has no steps"
		return plan, nil
	}
	if plan.FromTemplateId == plan.ToTemplateId {
		plan.Skipped = true
		plan.Reason = "already on target template"
		return plan, nil
	}

	oldStages, err := models.GetTemplateStages(tx, plan.FromTemplateId)
	if err != nil {
		return nil, err
	}
	newStages, err := models.GetTemplateStages(tx, plan.ToTemplateId)
	if err != nil {
		return nil, err
	}
	pairs := MapStagesByKindIndex(oldStages, newStages)

	for _, pair := range pairs {
		state, err := models.LatestStepState(tx, item.ID, pair.Old.ID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			continue
		}
		exists, err := models.HasStepState(tx, item.ID, pair.New.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		plan.Migrated++
		if dryRun {
			continue
		}
		copied := models.StepState{
			BudgetId:          budget.ID,
			ItemId:            item.ID,
			TemplateStepId:    pair.New.ID,
			Stage:             pair.New.Stage,
			Decision:          state.Decision,
			ProvidedQty:       state.ProvidedQty,
			NumericValue:      state.NumericValue,
			ActorUserId:       actor.UserId,
			ActorDepartmentId: actor.DepartmentId,
		}
		if err := tx.Create(&copied).Error; err != nil {
			return nil, err
		}
	}

	if dryRun {
		return plan, nil
	}

	newStageIds := make([]int, 0, len(newStages))
	for _, stage := range newStages {
		newStageIds = append(newStageIds, stage.ID)
	}
	recorded, err := models.StagesWithState(tx, item.ID, newStageIds)
	if err != nil {
		return nil, err
	}
	workflowDone := len(newStageIds) > 0
	for _, stageId := range newStageIds {
		if !recorded[stageId] {
			workflowDone = false
			break
		}
	}
	if workflowDone != item.WorkflowDone {
		err := tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).
			Update("workflow_done", workflowDone).Error
		if err != nil {
			return nil, err
		}
	}

	itemId := item.ID
	oldValue := fmt.Sprintf("template:%d", plan.FromTemplateId)
	newValue := fmt.Sprintf("migrated_to_template:%d", plan.ToTemplateId)
	err = models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
		BudgetId: budget.ID,
		ItemId:   &itemId,
		Stage:    models.AuditStageSystem,
		Action:   models.AuditActionStatusChange,
		OldValue: &oldValue,
		NewValue: &newValue,
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}
