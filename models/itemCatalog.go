package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/utils"
)

// SubAccount is the cost bucket items are requested under.
type SubAccount struct {
	ID              int       `gorm:"primary_key" json:"id"`
	Name            string    `gorm:"size:255;not null" json:"name" binding:"required"`
	MasterAccountId *int      `json:"master_account_id"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ItemType drives per-stage skip rules (skip_type_ids).
type ItemType struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CatalogItem is the optional catalog reference of a budget line.
type CatalogItem struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Name       string    `gorm:"size:255;not null" json:"name" binding:"required"`
	ItemTypeId int       `gorm:"index" json:"item_type_id"`
	Unit       string    `gorm:"size:50" json:"unit"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetSubAccount(ctx context.Context, id int) (*SubAccount, error) {
	return utils.FetchModel[SubAccount](ctx, id)
}

func GetCatalogItem(ctx context.Context, id int) (*CatalogItem, error) {
	return utils.FetchModel[CatalogItem](ctx, id)
}
