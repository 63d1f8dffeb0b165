package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditEvent is the append-only decision log. Rows are never updated or
// deleted; ordering within a transaction is emission order.
type AuditEvent struct {
	ID                int         `gorm:"primary_key" json:"id"`
	BudgetId          int         `gorm:"index;not null" json:"budget_id"`
	ItemId            *int        `gorm:"index" json:"item_id"`
	Stage             string      `gorm:"size:40;not null" json:"stage"`
	Action            AuditAction `gorm:"size:30;not null" json:"action"`
	OldValue          *string     `gorm:"size:255" json:"old_value"`
	NewValue          *string     `gorm:"size:255" json:"new_value"`
	Note              *string     `gorm:"type:text" json:"note"`
	ValueJson         *string     `gorm:"type:text" json:"value_json"`
	ActorUserId       int         `gorm:"not null" json:"actor_user_id"`
	ActorDepartmentId *int        `json:"actor_department_id"`
	CorrelationId     string      `gorm:"size:40" json:"correlation_id"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (AuditEvent) TableName() string { return "budget_item_events" }

// NewAuditEvent is the writer input; actor fields are filled from context.
type NewAuditEvent struct {
	BudgetId  int
	ItemId    *int
	Stage     string
	Action    AuditAction
	OldValue  *string
	NewValue  *string
	Note      *string
	ValueJson map[string]interface{}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// 1265 = data truncated, 1366 = incorrect value: both mean the events enum
// column predates the attempted action value.
func isEnumValueErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1265 || mysqlErr.Number == 1366
	}
	return false
}

// EmitAuditEvent appends one event. When the schema's action enum does not
// accept the value (legacy deployments without 'skipped'), the writer
// transparently downgrades to a note action with fallback=true in value_json
// so the bookkeeping survives schema drift.
func EmitAuditEvent(ctx context.Context, tx *gorm.DB, input NewAuditEvent) error {
	userId, _ := utils.GetUserIdFromContext(ctx)
	departmentId, hasDepartment := utils.GetDepartmentIdFromContext(ctx)

	event := AuditEvent{
		BudgetId:      input.BudgetId,
		ItemId:        input.ItemId,
		Stage:         input.Stage,
		Action:        input.Action,
		OldValue:      input.OldValue,
		NewValue:      input.NewValue,
		Note:          input.Note,
		ActorUserId:   userId,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if hasDepartment {
		event.ActorDepartmentId = &departmentId
	}
	if input.ValueJson != nil {
		data, err := json.Marshal(input.ValueJson)
		if err != nil {
			return err
		}
		s := string(data)
		event.ValueJson = &s
	}

	err := tx.Create(&event).Error
	if err == nil {
		return nil
	}
	if !isEnumValueErr(err) {
		return err
	}

	fallback := event
	fallback.ID = 0
	fallback.Action = AuditActionNote
	valueJson := map[string]interface{}{"fallback": true, "original_action": string(input.Action)}
	if input.ValueJson != nil {
		for k, v := range input.ValueJson {
			valueJson[k] = v
		}
	}
	data, merr := json.Marshal(valueJson)
	if merr != nil {
		return merr
	}
	s := string(data)
	fallback.ValueJson = &s
	if fallback.Note == nil {
		note := string(input.Action)
		fallback.Note = &note
	}
	return tx.Create(&fallback).Error
}

func GetAuditEvents(ctx context.Context, budgetId int, itemId *int) ([]*AuditEvent, error) {
	db := config.GetDB()
	var events []*AuditEvent

	dbCtx := db.WithContext(ctx).Where("budget_id = ?", budgetId)
	if itemId != nil && *itemId > 0 {
		dbCtx = dbCtx.Where("item_id = ?", itemId)
	}
	if err := dbCtx.Order("created_at DESC, id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
