package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/utils"
)

type Department struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetDepartment(ctx context.Context, id int) (*Department, error) {
	return utils.FetchModel[Department](ctx, id)
}
