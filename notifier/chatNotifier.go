package notifier

import (
	"fmt"

	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
)

// ResolveThreadParticipants computes the live participant set of a thread:
// the budget's requester, the caller, and every active member of the
// departments that currently own an is_current step on the item.
func ResolveThreadParticipants(db *gorm.DB, thread *models.ChatThread, callerId int) ([]*models.User, error) {
	budget, err := models.GetBudgetTx(db, thread.BudgetId)
	if err != nil {
		return nil, err
	}

	var participants []*models.User
	if requester, err := models.GetUserTx(db, budget.UserId); err == nil {
		participants = append(participants, requester)
	}
	if callerId != budget.UserId {
		if caller, err := models.GetUserTx(db, callerId); err == nil {
			participants = append(participants, caller)
		}
	}

	steps, err := models.GetStepsForItem(db, thread.BudgetItemId)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if !step.IsCurrent {
			continue
		}
		if step.OwnerType == models.OwnerTypeUser {
			if step.AssignedUserId == nil {
				continue
			}
			if user, err := models.GetUserTx(db, *step.AssignedUserId); err == nil {
				participants = append(participants, user)
			}
			continue
		}
		members, err := models.ActiveUsersByDepartment(db, step.OwnerOfStep)
		if err != nil {
			return nil, err
		}
		participants = append(participants, members...)
	}
	return participants, nil
}

// NotifyChatFirstMessage mails every participant except the sender the one
// "new discussion" email. Callers invoke this only when PostMessage reported
// the sender's first post, so the guard table has already made it
// at-most-once.
func NotifyChatFirstMessage(threadId int, senderId int) {
	db := config.GetDB()
	logger := config.GetLogger()

	var thread models.ChatThread
	if err := db.First(&thread, "id = ?", threadId).Error; err != nil {
		return
	}
	participants, err := ResolveThreadParticipants(db, &thread, senderId)
	if err != nil {
		config.LogError(logger, "chatNotifier.go", "NotifyChatFirstMessage", "ResolveParticipants", threadId, err)
		return
	}

	item, err := models.GetBudgetItemTx(db, thread.BudgetItemId)
	if err != nil {
		return
	}
	sender, err := models.GetUserTx(db, senderId)
	senderName := "A colleague"
	if err == nil {
		senderName = sender.Name
	}

	message := fmt.Sprintf("%s started a discussion on the item %q at the %s stage.",
		senderName, item.ItemName, thread.Stage)
	sendToAll(excludeUser(participants, senderId),
		fmt.Sprintf("[%s] New budget item discussion", hqName()),
		func(name string) (string, error) {
			return renderSimple(name, message, "", budgetLink(thread.BudgetId))
		})
}
