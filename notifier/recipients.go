package notifier

import (
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
)

// adminFallbackRoles is the fixed administrative audience for budgets that
// stall awaiting central approval.
var adminFallbackRoles = []models.UserRole{
	models.UserRoleAdmin,
	models.UserRoleCoordinator,
}

// ResolveStepRecipients maps a step owner to mail recipients: an assigned
// user gets mailed directly, a department resolves to its active verified
// members.
func ResolveStepRecipients(tx *gorm.DB, ownerType models.OwnerType, ownerId int) ([]*models.User, error) {
	if ownerType == models.OwnerTypeUser {
		user, err := models.GetUserTx(tx, ownerId)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		return []*models.User{user}, nil
	}
	return models.ActiveVerifiedUsersByDepartment(tx, ownerId)
}

// dedupeByEmail drops recipients without a usable address and folds
// duplicates, preserving order.
func dedupeByEmail(users []*models.User) []*models.User {
	seen := map[string]bool{}
	out := make([]*models.User, 0, len(users))
	for _, user := range users {
		if user == nil || user.Email == nil || !utils.IsValidEmail(*user.Email) {
			continue
		}
		if seen[*user.Email] {
			continue
		}
		seen[*user.Email] = true
		out = append(out, user)
	}
	return out
}

// excludeUser filters one user id out of a recipient list.
func excludeUser(users []*models.User, userId int) []*models.User {
	out := make([]*models.User, 0, len(users))
	for _, user := range users {
		if user.ID == userId {
			continue
		}
		out = append(out, user)
	}
	return out
}
