package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/utils"
)

type School struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Code      string    `gorm:"size:50" json:"code"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetSchool(ctx context.Context, id int) (*School, error) {
	return utils.FetchModel[School](ctx, id)
}
