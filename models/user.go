package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"gorm.io/gorm"
)

// User is reference data the core consumes for recipient and participant
// resolution; account CRUD lives outside this service.
type User struct {
	ID                  int       `gorm:"primary_key" json:"id"`
	Username            string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name                string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email               *string   `gorm:"size:100;unique" json:"email"`
	Password            string    `gorm:"size:255;not null" json:"password"`
	Role                UserRole  `gorm:"size:20;not null;default:requester" json:"role"`
	SchoolId            *int      `gorm:"index" json:"school_id"`
	DepartmentId        *int      `gorm:"index" json:"department_id"`
	AssignedModeratorId *int      `json:"assigned_moderator_id"`
	IsActive            *bool     `gorm:"not null;default:true" json:"is_active"`
	IsVerified          *bool     `gorm:"not null;default:false" json:"is_verified"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUser(ctx context.Context, id int) (*User, error) {
	return utils.FetchModel[User](ctx, id)
}

func GetUserTx(tx *gorm.DB, id int) (*User, error) {
	var user User
	if err := tx.First(&user, "id = ?", id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

// ActiveVerifiedUsersByDepartment resolves department-owned step recipients.
func ActiveVerifiedUsersByDepartment(tx *gorm.DB, departmentId int) ([]*User, error) {
	var users []*User
	err := tx.Where("department_id = ? AND is_active = true AND is_verified = true", departmentId).
		Find(&users).Error
	return users, err
}

func ActiveUsersByDepartment(tx *gorm.DB, departmentId int) ([]*User, error) {
	var users []*User
	err := tx.Where("department_id = ? AND is_active = true", departmentId).Find(&users).Error
	return users, err
}

// GetPrincipalsForSchool is strictly school-scoped: a school without a
// principal gets an empty set, never the principals of other schools.
func GetPrincipalsForSchool(tx *gorm.DB, schoolId int) ([]*User, error) {
	var users []*User
	err := tx.Where("role = ? AND school_id = ? AND is_active = true", UserRolePrincipal, schoolId).
		Find(&users).Error
	return users, err
}

func GetModeratorsForSchool(tx *gorm.DB, schoolId int) ([]*User, error) {
	var users []*User
	err := tx.Where("role = ? AND school_id = ? AND is_active = true", UserRoleModerator, schoolId).
		Find(&users).Error
	return users, err
}

func GetAccountantsForSchool(tx *gorm.DB, schoolId int) ([]*User, error) {
	var users []*User
	err := tx.Where("role = ? AND school_id = ? AND is_active = true", UserRoleAccountant, schoolId).
		Find(&users).Error
	return users, err
}

// GetUsersByRole resolves the fixed administrative role set for dispatcher
// fallback notifications.
func GetUsersByRole(tx *gorm.DB, roles []UserRole) ([]*User, error) {
	var users []*User
	err := tx.Where("role IN ? AND is_active = true", roles).Find(&users).Error
	return users, err
}

func GetAssignedModerator(tx *gorm.DB, userId int) (*User, error) {
	user, err := GetUserTx(tx, userId)
	if err != nil {
		return nil, err
	}
	if user.AssignedModeratorId == nil {
		return nil, nil
	}
	return GetUserTx(tx, *user.AssignedModeratorId)
}

func UpsertAdminUser(ctx context.Context, username string, name string, hashedPassword []byte) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err == nil {
		user.Name = name
		user.Password = string(hashedPassword)
		user.Role = UserRoleAdmin
		user.IsActive = utils.NewTrue()
		user.IsVerified = utils.NewTrue()
		if err := db.WithContext(ctx).Save(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	user = User{
		Username:   username,
		Name:       name,
		Password:   string(hashedPassword),
		Role:       UserRoleAdmin,
		IsActive:   utils.NewTrue(),
		IsVerified: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
