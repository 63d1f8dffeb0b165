package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
)

// EmailLog is the append-only record of every send attempt. The mailer writes
// rows through the table name directly to avoid a config->models cycle; this
// model exists for migration and reads.
type EmailLog struct {
	ID           int         `gorm:"primary_key" json:"id"`
	Recipient    string      `gorm:"size:255;not null" json:"recipient"`
	Subject      string      `gorm:"size:255" json:"subject"`
	Message      string      `gorm:"type:mediumtext" json:"message"`
	Status       EmailStatus `gorm:"size:10;not null" json:"status"`
	ErrorMessage *string     `gorm:"type:text" json:"error_message"`
	SentAt       time.Time   `json:"sent_at"`
}

func GetEmailLogs(ctx context.Context, recipient *string, limit int) ([]*EmailLog, error) {
	db := config.GetDB()
	var logs []*EmailLog
	dbCtx := db.WithContext(ctx)
	if recipient != nil && *recipient != "" {
		dbCtx = dbCtx.Where("recipient = ?", *recipient)
	}
	if limit <= 0 {
		limit = 100
	}
	if err := dbCtx.Order("sent_at DESC, id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
