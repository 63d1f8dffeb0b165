package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"gorm.io/gorm"
)

/*
caches:
	wfResolve:$schoolId:$subAccountId
*/

const resolverCacheTTL = 10 * time.Minute

// ResolveTemplateId picks the one template bound to (school, sub-account).
// A binding matches when each of its scoping columns is NULL or equal to the
// target; ties are broken preferring school-specific over sub-account-specific
// bindings, then higher priority, then recency.
func ResolveTemplateId(tx *gorm.DB, schoolId int, subAccountId int) (int, error) {
	cacheKey := fmt.Sprintf("wfResolve:%d:%d", schoolId, subAccountId)
	var cached int
	if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit {
		if cached == 0 {
			return 0, utils.ErrorNoTemplate
		}
		return cached, nil
	}

	var bindings []*models.WorkflowBinding
	err := tx.
		Where("(school_id IS NULL OR school_id = ?) AND (sub_account_id IS NULL OR sub_account_id = ?)",
			schoolId, subAccountId).
		Find(&bindings).Error
	if err != nil {
		return 0, err
	}

	templateId := PickBinding(bindings)
	if err := config.SetRedisObject(cacheKey, templateId, resolverCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "resolver.go", "ResolveTemplateId", "SetRedisObject", cacheKey, err)
	}
	if templateId == 0 {
		return 0, utils.ErrorNoTemplate
	}
	return templateId, nil
}

// PickBinding applies the selection order to an already-matched binding set
// and returns the winning template id, or 0 when the set is empty.
func PickBinding(bindings []*models.WorkflowBinding) int {
	var best *models.WorkflowBinding
	for _, binding := range bindings {
		if best == nil || bindingBeats(binding, best) {
			best = binding
		}
	}
	if best == nil {
		return 0
	}
	return best.TemplateId
}

func bindingBeats(a *models.WorkflowBinding, b *models.WorkflowBinding) bool {
	aSchool, bSchool := a.SchoolId != nil, b.SchoolId != nil
	if aSchool != bSchool {
		return aSchool
	}
	aSub, bSub := a.SubAccountId != nil, b.SubAccountId != nil
	if aSub != bSub {
		return aSub
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ResolvedStage is one entry of an item's resolved chain: the template stage
// plus whether the item's type skips it.
type ResolvedStage struct {
	Stage      *models.WorkflowTemplateStage
	ShouldSkip bool
}

// ResolveChain loads a template's ordered stages tagged with the skip flag
// for the given item type.
func ResolveChain(tx *gorm.DB, templateId int, typeId int) ([]*ResolvedStage, error) {
	stages, err := models.GetTemplateStages(tx, templateId)
	if err != nil {
		return nil, err
	}
	return TagSkips(stages, typeId), nil
}

// TagSkips marks each stage whose skip_type_ids contains typeId. A zero
// typeId (no catalog reference) never matches a skip rule.
func TagSkips(stages []*models.WorkflowTemplateStage, typeId int) []*ResolvedStage {
	chain := make([]*ResolvedStage, 0, len(stages))
	for _, stage := range stages {
		shouldSkip := typeId != 0 && utils.ContainsInt(stage.SkipTypeIds, typeId)
		chain = append(chain, &ResolvedStage{Stage: stage, ShouldSkip: shouldSkip})
	}
	return chain
}

// ResolveChainForItem resolves the template for the item's current sub-account
// and returns the tagged chain together with the template id.
func ResolveChainForItem(tx *gorm.DB, item *models.BudgetItem, schoolId int) (int, []*ResolvedStage, error) {
	templateId, err := ResolveTemplateId(tx, schoolId, item.SubAccountId)
	if err != nil {
		return 0, nil, err
	}
	typeId, err := item.TypeId(tx)
	if err != nil {
		return 0, nil, err
	}
	chain, err := ResolveChain(tx, templateId, typeId)
	if err != nil {
		return 0, nil, err
	}
	return templateId, chain, nil
}
