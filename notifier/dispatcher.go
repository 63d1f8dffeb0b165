package notifier

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// DispatchInput is any of the accepted trigger shapes: a legacy changed-item
// list, a single budget, or a budget list with the originating stage.
type DispatchInput struct {
	ItemIds     []int
	BudgetId    int
	BudgetIds   []int
	SourceStage *models.StageKind
}

// Pacing between groups and recipients. Soft targets, shrunk in tests.
var (
	groupPause     = 30 * time.Second
	recipientPause = 200 * time.Millisecond
)

type GroupKey struct {
	OwnerType models.OwnerType
	OwnerId   int
	Stage     models.StageKind
}

// ReadyCombo is one fully-ready (budget, sub_account) at a stage: every
// non-excluded item whose chain includes the stage sits on it, and none of
// the listed steps has been notified yet.
type ReadyCombo struct {
	BudgetId     int
	SubAccountId int
	ItemIds      []int
	StepIds      []int
}

type NotificationGroup struct {
	Key    GroupKey
	Combos []*ReadyCombo
}

// normalizeInput turns any trigger shape into a budget id list.
func normalizeInput(tx *gorm.DB, input DispatchInput) ([]int, error) {
	budgetIds := append([]int{}, input.BudgetIds...)
	if input.BudgetId > 0 {
		budgetIds = append(budgetIds, input.BudgetId)
	}
	if len(input.ItemIds) > 0 {
		var fromItems []int
		err := tx.Model(&models.BudgetItem{}).
			Where("id IN ?", input.ItemIds).
			Distinct().Pluck("budget_id", &fromItems).Error
		if err != nil {
			return nil, err
		}
		budgetIds = append(budgetIds, fromItems...)
	}
	return utils.UniqueSlice(budgetIds), nil
}

// excludedForDispatch extends the exclusion predicate with the trigger-path
// variant: a needed-stage trigger treats needed_status=false as excluded even
// before a reviewer is recorded.
func excludedForDispatch(item *models.BudgetItem, sourceStage *models.StageKind) bool {
	if item.IsExcluded() {
		return true
	}
	if sourceStage != nil && *sourceStage == models.StageKindNeeded {
		return item.NeededStatus != nil && !*item.NeededStatus
	}
	return false
}

// BuildNotificationGroups computes the ready combos from the full step rows
// of the affected budgets. Partially-ready combos are dropped; steps already
// carrying notified_at are dropped; groups are keyed by the owning department
// (or assigned user) and stage.
func BuildNotificationGroups(allSteps []*models.Step, items map[int]*models.BudgetItem, sourceStage *models.StageKind) []*NotificationGroup {
	type comboKey struct {
		budgetId     int
		subAccountId int
		stage        models.StageKind
	}
	totals := map[comboKey]int{}
	currents := map[comboKey][]*models.Step{}

	for _, step := range allSteps {
		item, ok := items[step.BudgetItemId]
		if !ok || item.IsRemoved() || excludedForDispatch(item, sourceStage) {
			continue
		}
		if step.IsSkipped {
			continue
		}
		key := comboKey{step.BudgetId, step.SubAccountId, step.StepName}
		totals[key]++
		if step.IsCurrent {
			currents[key] = append(currents[key], step)
		}
	}

	groups := map[GroupKey]*NotificationGroup{}
	for key, steps := range currents {
		if len(steps) != totals[key] {
			continue
		}
		byOwner := map[GroupKey]*ReadyCombo{}
		for _, step := range steps {
			if step.NotifiedAt != nil {
				continue
			}
			ownerId := step.OwnerOfStep
			if step.OwnerType == models.OwnerTypeUser && step.AssignedUserId != nil {
				ownerId = *step.AssignedUserId
			}
			gk := GroupKey{OwnerType: step.OwnerType, OwnerId: ownerId, Stage: key.stage}
			combo, ok := byOwner[gk]
			if !ok {
				combo = &ReadyCombo{BudgetId: key.budgetId, SubAccountId: key.subAccountId}
				byOwner[gk] = combo
			}
			combo.ItemIds = append(combo.ItemIds, step.BudgetItemId)
			combo.StepIds = append(combo.StepIds, step.ID)
		}
		for gk, combo := range byOwner {
			group, ok := groups[gk]
			if !ok {
				group = &NotificationGroup{Key: gk}
				groups[gk] = group
			}
			group.Combos = append(group.Combos, combo)
		}
	}

	out := make([]*NotificationGroup, 0, len(groups))
	for _, group := range groups {
		sort.Slice(group.Combos, func(i, j int) bool {
			a, b := group.Combos[i], group.Combos[j]
			if a.BudgetId != b.BudgetId {
				return a.BudgetId < b.BudgetId
			}
			return a.SubAccountId < b.SubAccountId
		})
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.OwnerType != b.OwnerType {
			return a.OwnerType < b.OwnerType
		}
		return a.OwnerId < b.OwnerId
	})
	return out
}

// DispatchStageReadiness is the dispatcher entry point: it finds every (budget,
// sub-account) that just became fully ready at a stage and mails the owning
// department once, stamping the per-step watermark inside the same
// transaction as the bookkeeping.
func DispatchStageReadiness(input DispatchInput) {
	db := config.GetDB()
	logger := config.GetLogger()
	ctx := context.Background()

	budgetIds, err := normalizeInput(db, input)
	if err != nil {
		config.LogError(logger, "dispatcher.go", "DispatchStageReadiness", "NormalizeInput", input, err)
		return
	}
	if len(budgetIds) == 0 {
		return
	}

	var allSteps []*models.Step
	err = db.Where("budget_id IN ?", budgetIds).Find(&allSteps).Error
	if err != nil {
		config.LogError(logger, "dispatcher.go", "DispatchStageReadiness", "LoadSteps", budgetIds, err)
		return
	}
	items := map[int]*models.BudgetItem{}
	var itemRows []*models.BudgetItem
	if err := db.Where("budget_id IN ?", budgetIds).Find(&itemRows).Error; err != nil {
		config.LogError(logger, "dispatcher.go", "DispatchStageReadiness", "LoadItems", budgetIds, err)
		return
	}
	for _, item := range itemRows {
		items[item.ID] = item
	}

	groups := BuildNotificationGroups(allSteps, items, input.SourceStage)

	for i, group := range groups {
		if i > 0 {
			time.Sleep(groupPause)
		}
		dispatchGroup(ctx, db, group, items)
	}

	fallbackForStalledBudgets(ctx, db, budgetIds, allSteps)
}

func dispatchGroup(ctx context.Context, db *gorm.DB, group *NotificationGroup, items map[int]*models.BudgetItem) {
	logger := config.GetLogger()

	var stepIds []int
	for _, combo := range group.Combos {
		stepIds = append(stepIds, combo.StepIds...)
	}
	if len(stepIds) == 0 {
		return
	}

	recipients, err := ResolveStepRecipients(db, group.Key.OwnerType, group.Key.OwnerId)
	if err != nil {
		config.LogError(logger, "dispatcher.go", "dispatchGroup", "ResolveRecipients", group.Key, err)
		return
	}

	// Claim the watermark first: losing the race means another dispatcher
	// already owns these steps.
	claimed := false
	err = db.Transaction(func(tx *gorm.DB) error {
		var unclaimed int64
		err := tx.Model(&models.Step{}).
			Where("id IN ? AND notified_at IS NULL", stepIds).
			Count(&unclaimed).Error
		if err != nil {
			return err
		}
		if unclaimed == 0 {
			return nil
		}
		claimed = true
		return models.MarkStepsNotified(tx, stepIds, time.Now())
	})
	if err != nil {
		config.LogError(logger, "dispatcher.go", "dispatchGroup", "MarkStepsNotified", group.Key, err)
		return
	}
	if !claimed || len(recipients) == 0 {
		return
	}

	body, subject, err := RenderStageReadinessEmail(ctx, group, items)
	if err != nil {
		config.LogError(logger, "dispatcher.go", "dispatchGroup", "RenderEmail", group.Key, err)
		return
	}
	for i, recipient := range recipients {
		if recipient.Email == nil || !utils.IsValidEmail(*recipient.Email) {
			continue
		}
		if i > 0 {
			time.Sleep(recipientPause)
		}
		config.GetMailer().Send(config.EmailMessage{
			Recipient: *recipient.Email,
			Subject:   subject,
			Body:      body,
		})
	}
}

// fallbackForStalledBudgets handles budgets whose items all advanced past
// departmental stages: no current steps remain, but the budget still reads
// in_review. It is bumped to review_been_completed and the administrative
// roles are told it awaits central approval.
func fallbackForStalledBudgets(ctx context.Context, db *gorm.DB, budgetIds []int, allSteps []*models.Step) {
	logger := config.GetLogger()

	hasCurrent := map[int]bool{}
	for _, step := range allSteps {
		if step.IsCurrent {
			hasCurrent[step.BudgetId] = true
		}
	}

	for _, budgetId := range budgetIds {
		if hasCurrent[budgetId] {
			continue
		}
		var bumped bool
		err := db.Transaction(func(tx *gorm.DB) error {
			budget, err := models.GetBudgetForUpdate(tx, budgetId)
			if err != nil {
				return err
			}
			if budget.BudgetStatus != models.BudgetStatusInReview {
				return nil
			}
			prev := string(budget.BudgetStatus)
			next := string(models.BudgetStatusReviewBeenCompleted)
			if err := models.UpdateBudgetStatusTx(tx, budget, models.BudgetStatusReviewBeenCompleted); err != nil {
				return err
			}
			bumped = true
			return models.EmitAuditEvent(ctx, tx, models.NewAuditEvent{
				BudgetId: budget.ID,
				Stage:    models.AuditStageSystem,
				Action:   models.AuditActionStatusChange,
				OldValue: &prev,
				NewValue: &next,
			})
		})
		if err != nil {
			config.LogError(logger, "dispatcher.go", "fallbackForStalledBudgets", "BumpStatus", budgetId, err)
			continue
		}
		if bumped {
			notifyAwaitingCentralApproval(db, budgetId)
		}
	}
}
