package models

import (
	"bitbucket.org/hewadtech/budget_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&School{},
		&Department{},
		&User{},
		&SubAccount{},
		&ItemType{},
		&CatalogItem{},
		&WorkflowTemplate{},
		&WorkflowTemplateStage{},
		&WorkflowBinding{},
		&Budget{},
		&BudgetItem{},
		&BudgetItemBaseline{},
		&Step{},
		&StepState{},
		&AuditEvent{},
		&ChatThread{},
		&ChatMessage{},
		&ChatReadReceipt{},
		&ChatFirstPostMarker{},
		&EmailLog{},
	)
	if err != nil {
		panic(err)
	}
}
