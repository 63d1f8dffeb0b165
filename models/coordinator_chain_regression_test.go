package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"bitbucket.org/hewadtech/budget_backend/workflow"
)

// Covers the full life of a chain that ends in a coordinator stage: the item
// must park on the coordinator step after the departmental stages, and the
// final decision must both record the outcome and close the chain.
func TestCoordinatorChainClosesBudget(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "budget_test")
	t.Setenv("EMAIL_DEBUG_DRYRUN", "1")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	config.StartMailer()

	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	// Seed tenant, departments and the acting admin.
	school := models.School{Name: "Test School", Code: "TS-1"}
	if err := db.Create(&school).Error; err != nil {
		t.Fatalf("create school: %v", err)
	}
	logisticsDept := models.Department{Name: "Logistics"}
	if err := db.Create(&logisticsDept).Error; err != nil {
		t.Fatalf("create department: %v", err)
	}
	purchasingDept := models.Department{Name: "Purchasing"}
	if err := db.Create(&purchasingDept).Error; err != nil {
		t.Fatalf("create department: %v", err)
	}
	admin := models.User{
		Username: "admin@local",
		Name:     "Admin",
		Password: "x",
		Role:     models.UserRoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}

	ctx = utils.SetUserIdInContext(ctx, admin.ID)
	ctx = utils.SetUserNameInContext(ctx, admin.Name)
	ctx = utils.SetRoleInContext(ctx, string(models.UserRoleAdmin))
	ctx = utils.SetIsAdminInContext(ctx, true)

	// Template whose chain ends in a coordinator stage.
	template, err := models.CreateWorkflowTemplate(ctx, "Coordinator tail")
	if err != nil {
		t.Fatalf("CreateWorkflowTemplate: %v", err)
	}
	_, err = models.ReplaceTemplateStages(ctx, template.ID, []*models.NewTemplateStage{
		{Stage: models.StageKindLogistics, SortOrder: 1, OwnerDepartmentId: logisticsDept.ID},
		{Stage: models.StageKindCost, SortOrder: 2, OwnerDepartmentId: purchasingDept.ID},
		{Stage: models.StageKindCoordinator, SortOrder: 3, OwnerDepartmentId: purchasingDept.ID},
	})
	if err != nil {
		t.Fatalf("ReplaceTemplateStages: %v", err)
	}
	if _, err := models.CreateBinding(ctx, template.ID, &school.ID, nil, 0); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	budget, err := workflow.SubmitBudget(ctx, &workflow.SubmitBudgetInput{
		SchoolId: school.ID,
		Period:   "01-2026",
		Title:    "Coordinator chain",
		Items: []*models.NewBudgetItem{{
			SubAccountId: 1,
			ItemName:     "Projector",
			Quantity:     decimal.NewFromInt(5),
			Cost:         decimal.NewFromInt(100),
			PeriodMonths: 1,
		}},
	})
	if err != nil {
		t.Fatalf("SubmitBudget: %v", err)
	}
	items, err := models.GetBudgetItems(db, budget.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetBudgetItems: %v (items=%d)", err, len(items))
	}
	itemId := items[0].ID

	// Departmental stages.
	result, err := workflow.ApplyLogisticsDecisions(ctx, budget.ID, []*workflow.LogisticsDecision{
		{ItemId: itemId, StorageStatus: "purchase"},
	})
	if err != nil || result.Updated != 1 {
		t.Fatalf("ApplyLogisticsDecisions: %v (updated=%d)", err, result.Updated)
	}
	result, err = workflow.ApplyCostDecisions(ctx, budget.ID, []*workflow.CostDecision{
		{ItemId: itemId, PurchaseCost: decimal.NewFromInt(100)},
	})
	if err != nil || result.Updated != 1 {
		t.Fatalf("ApplyCostDecisions: %v (updated=%d)", err, result.Updated)
	}

	// The item must now be parked on the coordinator step, workflow still open.
	item, err := models.GetBudgetItemTx(db, itemId)
	if err != nil {
		t.Fatalf("GetBudgetItemTx: %v", err)
	}
	if item.WorkflowDone {
		t.Fatalf("workflow_done must stay false while the coordinator step is pending")
	}
	steps, err := models.GetStepsForItem(db, itemId)
	if err != nil {
		t.Fatalf("GetStepsForItem: %v", err)
	}
	var parked bool
	for _, step := range steps {
		if step.StepName == models.StageKindCoordinator && step.IsCurrent {
			parked = true
		}
	}
	if !parked {
		t.Fatalf("item must be parked on its coordinator step after the departmental stages")
	}

	// Final decision closes the chain and the budget.
	result, err = workflow.ApplyCoordinatorDecisions(ctx, budget.ID, []*workflow.CoordinatorDecision{
		{ItemId: itemId, FinalStatus: models.FinalPurchaseStatusApproved},
	})
	if err != nil || result.Updated != 1 {
		t.Fatalf("ApplyCoordinatorDecisions: %v (updated=%d)", err, result.Updated)
	}

	item, err = models.GetBudgetItemTx(db, itemId)
	if err != nil {
		t.Fatalf("GetBudgetItemTx: %v", err)
	}
	if !item.WorkflowDone {
		t.Fatalf("the final decision must close the coordinator step and finish the chain")
	}
	if item.FinalPurchaseStatus == nil || *item.FinalPurchaseStatus != models.FinalPurchaseStatusApproved {
		t.Fatalf("final_purchase_status = %v, want approved", item.FinalPurchaseStatus)
	}

	closed, err := models.GetBudgetTx(db, budget.ID)
	if err != nil {
		t.Fatalf("GetBudgetTx: %v", err)
	}
	if closed.BudgetStatus != models.BudgetStatusWorkflowComplete {
		t.Fatalf("budget_status = %s, want %s", closed.BudgetStatus, models.BudgetStatusWorkflowComplete)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("budget-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("budget-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=budget_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
