package workflow

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// SubmitBudgetInput is the submission payload: the budget header plus every
// line item. Items are validated before anything is written. SchoolId may be
// omitted by school-bound callers; it then defaults to the caller's school.
type SubmitBudgetInput struct {
	SchoolId          int                     `json:"school_id"`
	Period            string                  `json:"period" binding:"required"`
	Title             string                  `json:"title"`
	Description       string                  `json:"description"`
	RequestType       models.RequestType      `json:"request_type"`
	SubmissionDraftId *int                    `json:"submission_draft_id"`
	Items             []*models.NewBudgetItem `json:"items" binding:"required"`
}

// SubmitBudget creates a budget with its items, snapshots the baseline,
// materializes every item's step chain and queues the submission mail.
// A second request_type=new budget for the same (school, period) is a
// conflict carrying the existing id.
func SubmitBudget(ctx context.Context, input *SubmitBudgetInput) (*models.Budget, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	actor := ActorFromContext(ctx)

	callerSchoolId, hasSchool := utils.GetSchoolIdFromContext(ctx)
	if input.SchoolId == 0 {
		if !hasSchool {
			return nil, utils.NewBadRequest("school_id is required")
		}
		input.SchoolId = callerSchoolId
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
		if hasSchool && input.SchoolId != callerSchoolId {
			return nil, utils.ErrorForbidden
		}
	}
	if !utils.IsValidPeriod(input.Period) {
		return nil, utils.NewBadRequest("period must look like MM-YYYY")
	}
	if len(input.Items) == 0 {
		return nil, utils.NewBadRequest("at least one item is required")
	}
	for _, item := range input.Items {
		if err := item.Validate(); err != nil {
			return nil, err
		}
	}
	requestType := input.RequestType
	if requestType == "" {
		requestType = models.RequestTypeNew
	}
	if requestType == models.RequestTypeNew {
		existingId, err := models.FindDuplicateNewBudget(ctx, input.SchoolId, input.Period)
		if err != nil {
			return nil, err
		}
		if existingId > 0 {
			return nil, utils.NewConflictExisting(existingId, "a new budget for this school and period already exists")
		}
	}

	budget := &models.Budget{
		UserId:            actor.UserId,
		SchoolId:          input.SchoolId,
		Period:            input.Period,
		Title:             strings.TrimSpace(input.Title),
		Description:       strings.TrimSpace(input.Description),
		BudgetStatus:      models.BudgetStatusSubmitted,
		RequestType:       requestType,
		SubmittedRole:     string(actor.Role),
		SubmissionDraftId: input.SubmissionDraftId,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(budget).Error; err != nil {
			return err
		}

		itemIds := make([]int, 0, len(input.Items))
		for _, itemInput := range input.Items {
			item := itemInput.ToItem(budget.ID)
			if err := tx.Create(item).Error; err != nil {
				config.LogError(logger, "submitWorkflow.go", "SubmitBudget", "InsertItem", itemInput.ItemName, err)
				return err
			}
			itemIds = append(itemIds, item.ID)
		}

		if err := models.SnapshotBaseline(tx, budget.ID); err != nil {
			return err
		}
		if err := EnsureStepsForItems(tx, logger, budget, itemIds, EnsureStepsOptions{}); err != nil {
			return err
		}

		err := models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
			BudgetId: budget.ID,
			Stage:    models.AuditStageSystem,
			Action:   models.AuditActionCreated,
		})
		if err != nil {
			return err
		}
		for _, itemId := range itemIds {
			id := itemId
			err := models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
				BudgetId: budget.ID,
				ItemId:   &id,
				Stage:    models.AuditStageSystem,
				Action:   models.AuditActionCreated,
			})
			if err != nil {
				return err
			}
		}

		// A chain fully skipped for every item closes immediately.
		if _, err := RecomputeCoordinatorStatus(ctx, tx, logger, budget); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go notifier.NotifySubmission(budget.ID, false)
	go notifier.DispatchStageReadiness(notifier.DispatchInput{BudgetIds: []int{budget.ID}})
	return budget, nil
}

// ResubmitBudget is the requester's answer to a revision round: the item set
// is replaced-or-updated, the baseline is re-snapshotted (the one path
// allowed to rewrite it) and the budget administratively resets to submitted.
func ResubmitBudget(ctx context.Context, budgetId int, items []*models.NewBudgetItem) (*models.Budget, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	if len(items) == 0 {
		return nil, utils.NewBadRequest("at least one item is required")
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, err
		}
	}

	var budget *models.Budget
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		budget, err = models.GetBudgetForUpdate(tx, budgetId)
		if err != nil {
			return err
		}
		if budget.BudgetStatus != models.BudgetStatusRevisionRequested {
			return utils.NewBadRequest("budget is not awaiting a revision answer")
		}

		actor := ActorFromContext(ctx)
		touchedItemIds, err := upsertAndPruneRows(ctx, tx, budget, items, actor)
		if err != nil {
			return err
		}
		now := time.Now()
		err = tx.Model(&models.BudgetItem{}).
			Where("budget_id = ? AND revision_state = ?", budget.ID, models.RevisionStatePending).
			Updates(map[string]interface{}{
				"revision_state":      models.RevisionStateAnswered,
				"answer_id":           actor.UserId,
				"revised_answered_at": now,
			}).Error
		if err != nil {
			return err
		}

		if err := models.SnapshotBaseline(tx, budget.ID); err != nil {
			return err
		}
		if err := EnsureStepsForItems(tx, logger, budget, touchedItemIds, EnsureStepsOptions{}); err != nil {
			return err
		}

		// Administrative reset: the only path besides revise that moves the
		// status against rank order.
		prev := string(budget.BudgetStatus)
		next := string(models.BudgetStatusSubmitted)
		err = tx.Model(&models.Budget{}).Where("id = ?", budget.ID).
			Update("budget_status", models.BudgetStatusSubmitted).Error
		if err != nil {
			return err
		}
		budget.BudgetStatus = models.BudgetStatusSubmitted
		return models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
			BudgetId: budget.ID,
			Stage:    models.AuditStageSystem,
			Action:   models.AuditActionStatusChange,
			OldValue: &prev,
			NewValue: &next,
		})
	})
	if err != nil {
		return nil, err
	}

	go notifier.NotifySubmission(budget.ID, true)
	go notifier.NotifyRevisionAnswered(budget.ID)
	return budget, nil
}
