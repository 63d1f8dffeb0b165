package models

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowTemplate struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IntList stores a JSON integer array in a text column (skip_type_ids).
type IntList []int

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int(l))
	return string(data), err
}

func (l *IntList) Scan(value interface{}) error {
	if value == nil {
		*l = IntList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("cannot scan %T into IntList", value)
}

type WorkflowTemplateStage struct {
	ID                int       `gorm:"primary_key" json:"id"`
	TemplateId        int       `gorm:"index;not null;uniqueIndex:uk_template_sort" json:"template_id"`
	Stage             StageKind `gorm:"size:40;not null" json:"stage"`
	SortOrder         int       `gorm:"not null;uniqueIndex:uk_template_sort" json:"sort_order"`
	OwnerDepartmentId int       `gorm:"not null" json:"owner_department_id"`
	AllowRevise       bool      `gorm:"not null;default:false" json:"allow_revise"`
	SkipTypeIds       IntList   `gorm:"type:json" json:"skip_type_ids"`
}

type WorkflowBinding struct {
	ID           int       `gorm:"primary_key" json:"id"`
	TemplateId   int       `gorm:"not null;uniqueIndex:uk_binding_target" json:"template_id"`
	SchoolId     *int      `gorm:"uniqueIndex:uk_binding_target" json:"school_id"`
	SubAccountId *int      `gorm:"uniqueIndex:uk_binding_target" json:"sub_account_id"`
	Priority     int       `gorm:"not null;default:0" json:"priority"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewTemplateStage struct {
	Stage             StageKind `json:"stage" binding:"required"`
	SortOrder         int       `json:"sort_order" binding:"required"`
	OwnerDepartmentId int       `json:"owner_department_id" binding:"required"`
	AllowRevise       bool      `json:"allow_revise"`
	SkipTypeIds       []int     `json:"skip_type_ids"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// 1205 = lock wait timeout, 1213 = deadlock
func isLockConflictErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return false
}

func CreateWorkflowTemplate(ctx context.Context, name string) (*WorkflowTemplate, error) {
	db := config.GetDB()
	template := WorkflowTemplate{Name: name, IsActive: utils.NewTrue()}
	if err := db.WithContext(ctx).Create(&template).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, utils.NewConflict("workflow template already exists")
		}
		return nil, err
	}
	return &template, nil
}

func UpdateWorkflowTemplate(ctx context.Context, id int, name string, isActive *bool) (*WorkflowTemplate, error) {
	db := config.GetDB()
	template, err := utils.FetchModel[WorkflowTemplate](ctx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"name": name}
	if isActive != nil {
		updates["is_active"] = *isActive
	}
	if err := db.WithContext(ctx).Model(template).Updates(updates).Error; err != nil {
		return nil, err
	}
	invalidateResolverCache()
	return template, nil
}

func DeleteWorkflowTemplate(ctx context.Context, id int) error {
	db := config.GetDB()
	if err := utils.ValidateResourceId[WorkflowTemplate](ctx, id); err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("template_id = ?", id).Delete(&WorkflowBinding{}).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", id).Delete(&WorkflowTemplateStage{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&WorkflowTemplate{}, id).Error; err != nil {
			return err
		}
		invalidateResolverCache()
		return nil
	})
}

func GetWorkflowTemplate(ctx context.Context, id int) (*WorkflowTemplate, error) {
	return utils.FetchModel[WorkflowTemplate](ctx, id)
}

func GetTemplateStages(tx *gorm.DB, templateId int) ([]*WorkflowTemplateStage, error) {
	var stages []*WorkflowTemplateStage
	err := tx.Where("template_id = ?", templateId).Order("sort_order").Find(&stages).Error
	return stages, err
}

// ReplaceTemplateStages replaces a template's ordered stage list while
// preserving existing stage identities: incoming stages are matched to
// installed ones by sort_order, updated in place when contents differ,
// inserted for new sort_orders and deleted for missing ones. Step rows keep
// pointing at surviving stage ids, which is what makes mid-flight template
// edits safe.
func ReplaceTemplateStages(ctx context.Context, templateId int, inputs []*NewTemplateStage) ([]*WorkflowTemplateStage, error) {
	if err := utils.ValidateResourceId[WorkflowTemplate](ctx, templateId); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(inputs))
	for _, input := range inputs {
		if seen[input.SortOrder] {
			return nil, utils.NewBadRequest("duplicate sort_order %d", input.SortOrder)
		}
		seen[input.SortOrder] = true
		if input.AllowRevise && input.Stage != StageKindRequestControlEdit {
			return nil, utils.NewBadRequest("allow_revise is only valid on %s stages", StageKindRequestControlEdit)
		}
	}

	db := config.GetDB()
	var result []*WorkflowTemplateStage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := GetTemplateStages(tx, templateId)
		if err != nil {
			return err
		}
		existingBySort := make(map[int]*WorkflowTemplateStage, len(existing))
		for _, stage := range existing {
			existingBySort[stage.SortOrder] = stage
		}

		for _, input := range inputs {
			skipIds := IntList(utils.NormalizeIntSet(input.SkipTypeIds))
			if current, ok := existingBySort[input.SortOrder]; ok {
				delete(existingBySort, input.SortOrder)
				if current.Stage == input.Stage &&
					current.OwnerDepartmentId == input.OwnerDepartmentId &&
					current.AllowRevise == input.AllowRevise &&
					sameIntList(current.SkipTypeIds, skipIds) {
					result = append(result, current)
					continue
				}
				current.Stage = input.Stage
				current.OwnerDepartmentId = input.OwnerDepartmentId
				current.AllowRevise = input.AllowRevise
				current.SkipTypeIds = skipIds
				if err := tx.Save(current).Error; err != nil {
					return err
				}
				result = append(result, current)
				continue
			}
			stage := &WorkflowTemplateStage{
				TemplateId:        templateId,
				Stage:             input.Stage,
				SortOrder:         input.SortOrder,
				OwnerDepartmentId: input.OwnerDepartmentId,
				AllowRevise:       input.AllowRevise,
				SkipTypeIds:       skipIds,
			}
			if err := tx.Create(stage).Error; err != nil {
				return err
			}
			result = append(result, stage)
		}

		for _, orphan := range existingBySort {
			if err := tx.Delete(&WorkflowTemplateStage{}, orphan.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].SortOrder < result[j].SortOrder })
	invalidateResolverCache()
	return result, nil
}

func sameIntList(a IntList, b IntList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func CreateBinding(ctx context.Context, templateId int, schoolId *int, subAccountId *int, priority int) (*WorkflowBinding, error) {
	if err := utils.ValidateResourceId[WorkflowTemplate](ctx, templateId); err != nil {
		return nil, err
	}
	db := config.GetDB()
	binding := WorkflowBinding{
		TemplateId:   templateId,
		SchoolId:     schoolId,
		SubAccountId: subAccountId,
		Priority:     priority,
	}
	if err := db.WithContext(ctx).Create(&binding).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, utils.NewConflict("binding already exists for this target")
		}
		return nil, err
	}
	invalidateResolverCache()
	return &binding, nil
}

func DeleteBinding(ctx context.Context, id int) error {
	db := config.GetDB()
	if err := utils.ValidateResourceId[WorkflowBinding](ctx, id); err != nil {
		return err
	}
	if err := db.WithContext(ctx).Delete(&WorkflowBinding{}, id).Error; err != nil {
		return err
	}
	invalidateResolverCache()
	return nil
}

// BulkBindSchools upserts one binding per school for a template, all in one
// READ COMMITTED transaction. Schools are sorted ascending before DML so
// concurrent bulk binds take row locks in the same order; the whole
// transaction is retried up to 3 times with backoff on lock conflicts.
func BulkBindSchools(ctx context.Context, templateId int, schoolIds []int, subAccountId *int, priority int) (int, error) {
	schoolIds = utils.NormalizeIntSet(schoolIds)
	if len(schoolIds) == 0 {
		return 0, utils.NewBadRequest("at least one school is required")
	}
	if err := utils.ValidateResourceId[WorkflowTemplate](ctx, templateId); err != nil {
		return 0, err
	}

	db := config.GetDB()
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<attempt) * 200 * time.Millisecond)
		}
		lastErr = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, schoolId := range schoolIds {
				sid := schoolId
				binding := WorkflowBinding{
					TemplateId:   templateId,
					SchoolId:     &sid,
					SubAccountId: subAccountId,
					Priority:     priority,
				}
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "template_id"}, {Name: "school_id"}, {Name: "sub_account_id"}},
					DoUpdates: clause.Assignments(map[string]interface{}{"priority": priority}),
				}).Create(&binding).Error
				if err != nil {
					return err
				}
			}
			return nil
		}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if lastErr == nil {
			invalidateResolverCache()
			return len(schoolIds), nil
		}
		if !isLockConflictErr(lastErr) {
			return 0, lastErr
		}
	}
	return 0, fmt.Errorf("%w: %v", utils.ErrorTransientBackend, lastErr)
}

func GetBindings(ctx context.Context, templateId *int) ([]*WorkflowBinding, error) {
	db := config.GetDB()
	var bindings []*WorkflowBinding
	dbCtx := db.WithContext(ctx)
	if templateId != nil && *templateId > 0 {
		dbCtx = dbCtx.Where("template_id = ?", *templateId)
	}
	if err := dbCtx.Order("priority DESC, created_at DESC").Find(&bindings).Error; err != nil {
		return nil, err
	}
	return bindings, nil
}

/*
caches:
	wfResolve:$schoolId:$subAccountId
*/

func invalidateResolverCache() {
	if err := config.RemoveRedisKeysByPattern("wfResolve:*"); err != nil {
		config.LogError(config.GetLogger(), "workflowTemplate.go", "invalidateResolverCache", "RemoveRedisKeysByPattern", nil, err)
	}
}
