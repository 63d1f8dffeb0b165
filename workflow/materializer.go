package workflow

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// EnsureStepsOptions tunes how existing step rows are reconciled with the
// resolved chain.
type EnsureStepsOptions struct {
	// AlignToStageName anchors the current pointer on this stage when the
	// item's steps are (re)built, if the stage exists and is not skipped.
	AlignToStageName *models.StageKind
	// RecreateOnAccountChange rebuilds the item's steps from scratch when the
	// resolved template differs from the installed one.
	RecreateOnAccountChange bool
}

// EnsureStepsForItems makes every listed item carry exactly the step rows its
// resolved template prescribes. Repeating the call with an unchanged template
// is a no-op. Items whose school has no binding are skipped and logged, not
// failed: a batch must not die on one unroutable item.
func EnsureStepsForItems(tx *gorm.DB, logger *logrus.Logger, budget *models.Budget, itemIds []int, opts EnsureStepsOptions) error {
	items, err := models.GetBudgetItemsByIds(tx, itemIds)
	if err != nil {
		return err
	}
	stepsByItem, err := models.GetStepsForItems(tx, itemIds)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := ensureStepsForItem(tx, logger, budget, item, stepsByItem[item.ID], opts); err != nil {
			if err == utils.ErrorNoTemplate {
				config.LogError(logger, "materializer.go", "EnsureStepsForItems", "NoTemplate", item.ID, err)
				continue
			}
			return err
		}
	}
	return nil
}

func ensureStepsForItem(tx *gorm.DB, logger *logrus.Logger, budget *models.Budget, item *models.BudgetItem, existing []*models.Step, opts EnsureStepsOptions) error {
	// An item moved to another sub-account keeps its steps routable.
	for _, step := range existing {
		if step.SubAccountId != item.SubAccountId {
			err := tx.Model(&models.Step{}).Where("budget_item_id = ?", item.ID).
				Update("sub_account_id", item.SubAccountId).Error
			if err != nil {
				return err
			}
			break
		}
	}

	templateId, chain, err := ResolveChainForItem(tx, item, budget.SchoolId)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		return createSteps(tx, budget, item, templateId, chain, opts.AlignToStageName)
	}

	installedTemplateId := existing[0].TemplateId
	if installedTemplateId != templateId && opts.RecreateOnAccountChange {
		anchor := opts.AlignToStageName
		if anchor == nil {
			for _, step := range existing {
				if step.IsCurrent {
					name := step.StepName
					anchor = &name
					break
				}
			}
		}
		if err := models.DeleteStepsForItem(tx, item.ID); err != nil {
			return err
		}
		return createSteps(tx, budget, item, templateId, chain, anchor)
	}

	return reconcileSteps(tx, item, templateId, chain, existing)
}

func createSteps(tx *gorm.DB, budget *models.Budget, item *models.BudgetItem, templateId int, chain []*ResolvedStage, alignTo *models.StageKind) error {
	steps, allSkipped := BuildInitialSteps(budget, item, templateId, chain, alignTo)
	if len(steps) > 0 {
		if err := tx.Create(&steps).Error; err != nil {
			return err
		}
	}
	updates := map[string]interface{}{"route_template_id": templateId}
	if allSkipped {
		updates["workflow_done"] = true
	}
	return tx.Model(&models.BudgetItem{}).Where("id = ?", item.ID).Updates(updates).Error
}

// BuildInitialSteps turns a resolved chain into fresh step rows for an item
// and picks the current pointer: the alignTo stage when present and not
// skipped, else the first non-skipped stage. The second return reports a
// chain with nothing left to do.
func BuildInitialSteps(budget *models.Budget, item *models.BudgetItem, templateId int, chain []*ResolvedStage, alignTo *models.StageKind) ([]*models.Step, bool) {
	steps := make([]*models.Step, 0, len(chain))
	currentIdx := -1
	for i, entry := range chain {
		status := models.StepStatusPending
		if entry.ShouldSkip {
			status = models.StepStatusSkipped
		}
		steps = append(steps, &models.Step{
			BudgetId:     budget.ID,
			SubAccountId: item.SubAccountId,
			BudgetItemId: item.ID,
			TemplateId:   templateId,
			StageId:      entry.Stage.ID,
			StepName:     entry.Stage.Stage,
			SortOrder:    entry.Stage.SortOrder,
			StepStatus:   status,
			OwnerOfStep:  entry.Stage.OwnerDepartmentId,
			OwnerType:    models.OwnerTypeDepartment,
			CanRevise:    entry.Stage.AllowRevise,
			IsSkipped:    entry.ShouldSkip,
		})
		if entry.ShouldSkip {
			continue
		}
		if alignTo != nil && entry.Stage.Stage == *alignTo {
			currentIdx = i
		}
		if currentIdx == -1 {
			currentIdx = i
		}
	}
	if currentIdx >= 0 {
		steps[currentIdx].IsCurrent = true
		return steps, false
	}
	return steps, true
}

// reconcileSteps upserts any template stages the item is missing and refreshes
// skip flags, without ever moving the current pointer.
func reconcileSteps(tx *gorm.DB, item *models.BudgetItem, templateId int, chain []*ResolvedStage, existing []*models.Step) error {
	byStageId := make(map[int]*models.Step, len(existing))
	for _, step := range existing {
		byStageId[step.StageId] = step
	}

	for _, entry := range chain {
		step, ok := byStageId[entry.Stage.ID]
		if !ok {
			status := models.StepStatusPending
			if entry.ShouldSkip {
				status = models.StepStatusSkipped
			}
			step = &models.Step{
				BudgetId:     item.BudgetId,
				SubAccountId: item.SubAccountId,
				BudgetItemId: item.ID,
				TemplateId:   templateId,
				StageId:      entry.Stage.ID,
				StepName:     entry.Stage.Stage,
				SortOrder:    entry.Stage.SortOrder,
				StepStatus:   status,
				OwnerOfStep:  entry.Stage.OwnerDepartmentId,
				OwnerType:    models.OwnerTypeDepartment,
				CanRevise:    entry.Stage.AllowRevise,
				IsSkipped:    entry.ShouldSkip,
			}
			if err := tx.Create(step).Error; err != nil {
				return err
			}
			continue
		}
		newStatus, newSkipped, changed := RefreshStepStatus(step.StepStatus, step.IsSkipped, entry.ShouldSkip)
		if !changed {
			continue
		}
		err := tx.Model(&models.Step{}).Where("id = ?", step.ID).
			Updates(map[string]interface{}{
				"step_status": newStatus,
				"is_skipped":  newSkipped,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// RefreshStepStatus applies the skip-refresh rule: a stage the type now skips
// becomes skipped; a stage that was only pending because of an old skip rule
// reopens; anything else, in particular a confirmed or revision_requested
// step, keeps its recorded status.
func RefreshStepStatus(status models.StepStatus, wasSkipped bool, shouldSkip bool) (models.StepStatus, bool, bool) {
	if shouldSkip {
		if status == models.StepStatusSkipped && wasSkipped {
			return status, wasSkipped, false
		}
		return models.StepStatusSkipped, true, true
	}
	if wasSkipped && status == models.StepStatusSkipped {
		return models.StepStatusPending, false, true
	}
	return status, wasSkipped, false
}
