package models

// BudgetStatus is the monotonic budget lifecycle. Transitions may only move
// to a higher rank; the single exception is the revise path, which sets
// BudgetStatusRevisionRequested from any rank above submitted.
type BudgetStatus string

const (
	BudgetStatusDraft               BudgetStatus = "draft"
	BudgetStatusSubmitted           BudgetStatus = "submitted"
	BudgetStatusInReview            BudgetStatus = "in_review"
	BudgetStatusReviewBeenCompleted BudgetStatus = "review_been_completed"
	BudgetStatusApprovedByFinance   BudgetStatus = "approved_by_finance"
	BudgetStatusRevisionRequested   BudgetStatus = "revision_requested"
	BudgetStatusWorkflowComplete    BudgetStatus = "workflow_complete"
)

var budgetStatusRanks = map[BudgetStatus]int{
	BudgetStatusDraft:               0,
	BudgetStatusSubmitted:           10,
	BudgetStatusInReview:            20,
	BudgetStatusReviewBeenCompleted: 30,
	BudgetStatusApprovedByFinance:   40,
	BudgetStatusRevisionRequested:   50,
	BudgetStatusWorkflowComplete:    60,
}

// Rank returns -1 for unknown statuses so comparisons against them fail closed.
func (s BudgetStatus) Rank() int {
	rank, ok := budgetStatusRanks[s]
	if !ok {
		return -1
	}
	return rank
}

type RequestType string

const (
	RequestTypeNew        RequestType = "new"
	RequestTypeAdditional RequestType = "additional"
)

// StageKind names a step kind in a workflow template.
type StageKind string

const (
	StageKindLogistics          StageKind = "logistics"
	StageKindNeeded             StageKind = "needed"
	StageKindCost               StageKind = "cost"
	StageKindRequestControlEdit StageKind = "request_control_edit_confirm"
	StageKindCoordinator        StageKind = "coordinator"
)

// StageKindSubmitted is the virtual step a revise rewinds to when the first
// real stage sends an item back.
const StageKindSubmitted StageKind = "submitted"

type StepStatus string

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusConfirmed         StepStatus = "confirmed"
	StepStatusSkipped           StepStatus = "skipped"
	StepStatusRevisionRequested StepStatus = "revision_requested"
)

type OwnerType string

const (
	OwnerTypeDepartment OwnerType = "department"
	OwnerTypeUser       OwnerType = "user"
)

type FinalPurchaseStatus string

const (
	FinalPurchaseStatusApproved FinalPurchaseStatus = "approved"
	FinalPurchaseStatusAdjusted FinalPurchaseStatus = "adjusted"
	FinalPurchaseStatusRejected FinalPurchaseStatus = "rejected"
	FinalPurchaseStatusRevised  FinalPurchaseStatus = "revised"
	FinalPurchaseStatusRemoved  FinalPurchaseStatus = "removed"
)

// terminalFinalStatuses is the strict completion set: a budget closes only
// once every non-excluded item carries one of these.
var terminalFinalStatuses = map[FinalPurchaseStatus]bool{
	FinalPurchaseStatusApproved: true,
	FinalPurchaseStatusAdjusted: true,
	FinalPurchaseStatusRejected: true,
	FinalPurchaseStatusRemoved:  true,
}

func IsTerminalFinalStatus(s *FinalPurchaseStatus) bool {
	if s == nil {
		return false
	}
	return terminalFinalStatuses[*s]
}

type RevisionState string

const (
	RevisionStateNone     RevisionState = "none"
	RevisionStatePending  RevisionState = "pending"
	RevisionStateAnswered RevisionState = "answered"
)

type EmailStatus string

const (
	EmailStatusSuccess EmailStatus = "success"
	EmailStatusFailure EmailStatus = "failure"
)

// AuditAction values recognized by the budget_item_events enum column.
type AuditAction string

const (
	AuditActionCreated           AuditAction = "created"
	AuditActionConfirmed         AuditAction = "confirmed"
	AuditActionSkipped           AuditAction = "skipped"
	AuditActionRevisionRequested AuditAction = "revision_requested"
	AuditActionStatusChange      AuditAction = "status_change"
	AuditActionNote              AuditAction = "note"
)

// AuditStageSystem marks events not tied to a concrete workflow stage.
const AuditStageSystem = "system"

type UserRole string

const (
	UserRoleAdmin       UserRole = "admin"
	UserRoleRequester   UserRole = "requester"
	UserRolePrincipal   UserRole = "principal"
	UserRoleModerator   UserRole = "moderator"
	UserRoleAccountant  UserRole = "accountant"
	UserRoleCoordinator UserRole = "coordinator"
)

// StorageStatus spellings that mark an item as already in stock. Matching is
// done on lower(trim(value)).
var inStockSpellings = map[string]bool{
	"in_stock": true,
	"instock":  true,
}
