package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBudgetEmailLock debounces fire-and-forget budget emails across
// workers using MySQL advisory locks. Lock names follow budget_<kind>_email_<id>.
// NOTE: GET_LOCK is connection-scoped, so release must run on the same *gorm.DB.
// Returns false without error when another worker owns the delivery.
func AcquireBudgetEmailLock(db *gorm.DB, kind string, budgetId int) (bool, error) {
	lockName := fmt.Sprintf("budget_%s_email_%d", kind, budgetId)
	var ok int
	if err := db.Raw("SELECT GET_LOCK(?, 10)", lockName).Scan(&ok).Error; err != nil {
		return false, err
	}
	return ok == 1, nil
}

func ReleaseBudgetEmailLock(db *gorm.DB, kind string, budgetId int) {
	lockName := fmt.Sprintf("budget_%s_email_%d", kind, budgetId)
	var _ok int
	_ = db.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
