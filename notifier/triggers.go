package notifier

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

func sendToAll(users []*models.User, subject string, render func(name string) (string, error)) {
	logger := config.GetLogger()
	for i, user := range dedupeByEmail(users) {
		if i > 0 {
			time.Sleep(recipientPause)
		}
		body, err := render(user.Name)
		if err != nil {
			config.LogError(logger, "triggers.go", "sendToAll", "Render", user.ID, err)
			continue
		}
		config.GetMailer().Send(config.EmailMessage{
			Recipient: *user.Email,
			Subject:   subject,
			Body:      body,
		})
	}
}

// NotifySubmission mails every principal and budget moderator of the
// submitter's school. First submissions stamp notified_principal_submitted so
// a retried caller cannot double-send; resubmissions reuse the lock only.
func NotifySubmission(budgetId int, resubmission bool) {
	db := config.GetDB()
	logger := config.GetLogger()

	kind := "submitted"
	if resubmission {
		kind = "resubmitted"
	}
	acquired, err := models.AcquireBudgetEmailLock(db, kind, budgetId)
	if err != nil || !acquired {
		return
	}
	defer models.ReleaseBudgetEmailLock(db, kind, budgetId)

	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifySubmission", "GetBudget", budgetId, err)
		return
	}
	if !resubmission && budget.NotifiedPrincipalSubmitted != nil {
		return
	}

	principals, err := models.GetPrincipalsForSchool(db, budget.SchoolId)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifySubmission", "GetPrincipals", budget.SchoolId, err)
		return
	}
	moderators, err := models.GetModeratorsForSchool(db, budget.SchoolId)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifySubmission", "GetModerators", budget.SchoolId, err)
		return
	}

	message := fmt.Sprintf("A budget request for period %s has been submitted and awaits your control.", budget.Period)
	subject := fmt.Sprintf("[%s] New budget submission", hqName())
	if resubmission {
		message = fmt.Sprintf("The revised budget request for period %s has been resubmitted for another review round.", budget.Period)
		subject = fmt.Sprintf("[%s] Budget resubmitted after revision", hqName())
	}
	link := deepLink("APP_PRINCIPAL_CONTROL_URL", fmt.Sprintf("/%d", budget.ID))

	sendToAll(append(principals, moderators...), subject, func(name string) (string, error) {
		return renderSimple(name, message, "", link)
	})

	if !resubmission {
		now := time.Now()
		err := db.Model(&models.Budget{}).
			Where("id = ? AND notified_principal_submitted IS NULL", budget.ID).
			Update("notified_principal_submitted", now).Error
		if err != nil {
			config.LogError(logger, "triggers.go", "NotifySubmission", "StampNotified", budget.ID, err)
		}
	}
}

// NotifyBudgetStatusReached mails the audience of the budget's current
// status: the requester on in_review, principals and accountants on
// approved_by_finance.
func NotifyBudgetStatusReached(budgetId int) {
	db := config.GetDB()
	logger := config.GetLogger()

	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		return
	}

	switch budget.BudgetStatus {
	case models.BudgetStatusInReview:
		acquired, err := models.AcquireBudgetEmailLock(db, "in_review", budgetId)
		if err != nil || !acquired {
			return
		}
		defer models.ReleaseBudgetEmailLock(db, "in_review", budgetId)

		requester, err := models.GetUserTx(db, budget.UserId)
		if err != nil {
			return
		}
		message := fmt.Sprintf("Your budget request for period %s passed the principal control and is now in review.", budget.Period)
		sendToAll([]*models.User{requester},
			fmt.Sprintf("[%s] Budget in review", hqName()),
			func(name string) (string, error) {
				return renderSimple(name, message, "", budgetLink(budget.ID))
			})

	case models.BudgetStatusApprovedByFinance:
		acquired, err := models.AcquireBudgetEmailLock(db, "approved_by_finance", budgetId)
		if err != nil || !acquired {
			return
		}
		defer models.ReleaseBudgetEmailLock(db, "approved_by_finance", budgetId)

		principals, err := models.GetPrincipalsForSchool(db, budget.SchoolId)
		if err != nil {
			config.LogError(logger, "triggers.go", "NotifyBudgetStatusReached", "GetPrincipals", budget.SchoolId, err)
			return
		}
		accountants, err := models.GetAccountantsForSchool(db, budget.SchoolId)
		if err != nil {
			return
		}
		message := fmt.Sprintf("The budget request for period %s has been approved by finance.", budget.Period)
		sendToAll(append(principals, accountants...),
			fmt.Sprintf("[%s] Budget approved by finance", hqName()),
			func(name string) (string, error) {
				return renderSimple(name, message, "", budgetLink(budget.ID))
			})
	}
}

// NotifyRevisionRequested mails the requester and the same-school principals
// when a revise sends items back, carrying the reviser's reason.
func NotifyRevisionRequested(budgetId int, itemIds []int, reason string) {
	db := config.GetDB()
	logger := config.GetLogger()

	acquired, err := models.AcquireBudgetEmailLock(db, "revision", budgetId)
	if err != nil || !acquired {
		return
	}
	defer models.ReleaseBudgetEmailLock(db, "revision", budgetId)

	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		return
	}
	requester, err := models.GetUserTx(db, budget.UserId)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifyRevisionRequested", "GetRequester", budget.UserId, err)
		return
	}
	principals, err := models.GetPrincipalsForSchool(db, budget.SchoolId)
	if err != nil {
		return
	}

	items, err := models.GetBudgetItemsByIds(db, itemIds)
	if err != nil {
		return
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.ItemName)
	}
	message := fmt.Sprintf("A revision was requested on the budget for period %s (items: %s).",
		budget.Period, strings.Join(names, ", "))
	link := deepLink("APP_REVISED_ITEMS_URL", fmt.Sprintf("/%d", budget.ID))

	sendToAll(append([]*models.User{requester}, principals...),
		fmt.Sprintf("[%s] Budget revision requested", hqName()),
		func(name string) (string, error) {
			return renderSimple(name, message, reason, link)
		})
}

// NotifyRevisionAnswered mails the assigned moderator of the answering user
// and the same-school principals after a resubmission.
func NotifyRevisionAnswered(budgetId int) {
	db := config.GetDB()
	logger := config.GetLogger()

	acquired, err := models.AcquireBudgetEmailLock(db, "revision_answered", budgetId)
	if err != nil || !acquired {
		return
	}
	defer models.ReleaseBudgetEmailLock(db, "revision_answered", budgetId)

	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		return
	}
	principals, err := models.GetPrincipalsForSchool(db, budget.SchoolId)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifyRevisionAnswered", "GetPrincipals", budget.SchoolId, err)
		return
	}
	recipients := principals
	moderator, err := models.GetAssignedModerator(db, budget.UserId)
	if err == nil && moderator != nil {
		recipients = append([]*models.User{moderator}, recipients...)
	}

	message := fmt.Sprintf("The requested revision on the budget for period %s has been answered and resubmitted.", budget.Period)
	sendToAll(recipients,
		fmt.Sprintf("[%s] Budget revision answered", hqName()),
		func(name string) (string, error) {
			return renderSimple(name, message, "", deepLink("APP_PRINCIPAL_TO_APPROVE_URL", fmt.Sprintf("/%d", budget.ID)))
		})
}

// NotifyWorkflowComplete mails the requester and same-school principals the
// final per-item outcome table. The caller is expected to hold the per-budget
// completion lock.
func NotifyWorkflowComplete(budgetId int) {
	db := config.GetDB()
	logger := config.GetLogger()

	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		return
	}
	items, err := models.GetBudgetItems(db, budget.ID)
	if err != nil {
		config.LogError(logger, "triggers.go", "NotifyWorkflowComplete", "GetBudgetItems", budget.ID, err)
		return
	}
	requester, err := models.GetUserTx(db, budget.UserId)
	if err != nil {
		return
	}
	principals, err := models.GetPrincipalsForSchool(db, budget.SchoolId)
	if err != nil {
		return
	}

	sendToAll(append([]*models.User{requester}, principals...),
		fmt.Sprintf("[%s] Budget workflow complete", hqName()),
		func(name string) (string, error) {
			return renderCompletion(name, budget, items)
		})
}

// notifyAwaitingCentralApproval tells the fixed administrative role set that
// a budget cleared every departmental stage and waits for central approval.
func notifyAwaitingCentralApproval(db *gorm.DB, budgetId int) {
	budget, err := models.GetBudgetTx(db, budgetId)
	if err != nil {
		return
	}
	admins, err := models.GetUsersByRole(db, adminFallbackRoles)
	if err != nil {
		return
	}
	message := fmt.Sprintf("The budget for school %d, period %s has completed departmental review and awaits central approval.",
		budget.SchoolId, budget.Period)
	sendToAll(admins,
		fmt.Sprintf("[%s] Budget awaiting central approval", hqName()),
		func(name string) (string, error) {
			return renderSimple(name, message, "", budgetLink(budget.ID))
		})
}

// SendDailyDigest mails ADMIN_EMAIL a table of every budget still in flight,
// including how many steps each one has waiting on a reviewer.
func SendDailyDigest(ctx context.Context) error {
	db := config.GetDB()

	recipient := strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	if !utils.IsValidEmail(recipient) {
		return nil
	}

	var open []*models.Budget
	err := db.WithContext(ctx).
		Where("budget_status NOT IN ?", []models.BudgetStatus{models.BudgetStatusDraft, models.BudgetStatusWorkflowComplete}).
		Order("id").Find(&open).Error
	if err != nil {
		return err
	}

	budgetIds := make([]int, 0, len(open))
	for _, budget := range open {
		budgetIds = append(budgetIds, budget.ID)
	}
	currentSteps, err := models.GetCurrentStepsForBudgets(db.WithContext(ctx), budgetIds)
	if err != nil {
		return err
	}
	pendingByBudget := make(map[int]int, len(open))
	for _, step := range currentSteps {
		pendingByBudget[step.BudgetId]++
	}

	body, err := renderDigest(open, pendingByBudget)
	if err != nil {
		return err
	}
	config.GetMailer().Send(config.EmailMessage{
		Recipient: recipient,
		Subject:   fmt.Sprintf("[%s] Daily budget digest", hqName()),
		Body:      body,
	})
	return nil
}
