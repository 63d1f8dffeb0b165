package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/chathub"
	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/middlewares"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"bitbucket.org/hewadtech/budget_backend/workflow"
)

const defaultPort = "8080"

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// httpStatusFor maps the typed errors the core returns onto HTTP statuses.
func httpStatusFor(err error) int {
	switch {
	case utils.IsBadRequest(err):
		return http.StatusBadRequest
	case utils.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, utils.ErrorNoTemplate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, utils.ErrorReadinessViolation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
}

// bindJSON binds the request body, answering validator failures with the
// per-field tag map and everything else with a generic 400.
func bindJSON(c *gin.Context, target interface{}) bool {
	err := c.ShouldBindJSON(target)
	if err == nil {
		return true
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	return false
}

func requireUser(c *gin.Context) (int, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userId == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userId, true
}

func requireAdmin(c *gin.Context) bool {
	if _, ok := requireUser(c); !ok {
		return false
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}

		db := config.GetDB()
		var user models.User
		if err := db.Where("username = ?", req.Username).First(&user).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if user.IsActive == nil || !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account disabled"})
			return
		}

		token, err := utils.JwtGenerate(user.ID, string(user.Role))
		if err != nil {
			abortWithError(c, err)
			return
		}
		_ = config.SetRedisObject(utils.UserCacheKey(user.ID), &user, 10*time.Minute)
		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user": gin.H{
				"id":   user.ID,
				"name": user.Name,
				"role": user.Role,
			},
		})
	}
}

// logoutHandler revokes the caller's token for the rest of its lifespan and
// drops the cached user row so a disabled account stops resolving immediately.
func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireUser(c)
		if !ok {
			return
		}
		token, ok := utils.GetTokenFromContext(c.Request.Context())
		if ok && token != "" {
			if err := config.SetRedisObject(utils.RevokedTokenKey(token), true, utils.TokenLifespan()); err != nil {
				abortWithError(c, err)
				return
			}
		}
		_ = config.RemoveRedisKey(utils.UserCacheKey(userId))
		c.Status(http.StatusNoContent)
	}
}

func submitBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		var input workflow.SubmitBudgetInput
		if !bindJSON(c, &input) {
			return
		}
		budget, err := workflow.SubmitBudget(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, budget)
	}
}

type resubmitRequest struct {
	Items []*models.NewBudgetItem `json:"items" binding:"required"`
}

func resubmitBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req resubmitRequest
		if !bindJSON(c, &req) {
			return
		}
		budget, err := workflow.ResubmitBudget(c.Request.Context(), budgetId, req.Items)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, budget)
	}
}

func requestControlHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input workflow.RequestControlInput
		if !bindJSON(c, &input) {
			return
		}
		result, err := workflow.ApplyRequestControl(c.Request.Context(), budgetId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// decisionHandler wraps the per-stage batch decision procedures; they share
// the response shape (updated/skipped counts).
func decisionHandler(apply func(c *gin.Context, budgetId int) (*workflow.DecisionResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		result, err := apply(c, budgetId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func logisticsHandler() gin.HandlerFunc {
	return decisionHandler(func(c *gin.Context, budgetId int) (*workflow.DecisionResult, error) {
		var decisions []*workflow.LogisticsDecision
		if err := c.ShouldBindJSON(&decisions); err != nil {
			return nil, utils.NewBadRequest("%s", err.Error())
		}
		return workflow.ApplyLogisticsDecisions(c.Request.Context(), budgetId, decisions)
	})
}

func neededHandler() gin.HandlerFunc {
	return decisionHandler(func(c *gin.Context, budgetId int) (*workflow.DecisionResult, error) {
		var decisions []*workflow.NeededDecision
		if err := c.ShouldBindJSON(&decisions); err != nil {
			return nil, utils.NewBadRequest("%s", err.Error())
		}
		return workflow.ApplyNeededDecisions(c.Request.Context(), budgetId, decisions)
	})
}

func costHandler() gin.HandlerFunc {
	return decisionHandler(func(c *gin.Context, budgetId int) (*workflow.DecisionResult, error) {
		var decisions []*workflow.CostDecision
		if err := c.ShouldBindJSON(&decisions); err != nil {
			return nil, utils.NewBadRequest("%s", err.Error())
		}
		return workflow.ApplyCostDecisions(c.Request.Context(), budgetId, decisions)
	})
}

func coordinatorHandler() gin.HandlerFunc {
	return decisionHandler(func(c *gin.Context, budgetId int) (*workflow.DecisionResult, error) {
		var decisions []*workflow.CoordinatorDecision
		if err := c.ShouldBindJSON(&decisions); err != nil {
			return nil, utils.NewBadRequest("%s", err.Error())
		}
		return workflow.ApplyCoordinatorDecisions(c.Request.Context(), budgetId, decisions)
	})
}

func budgetItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		rows, err := models.GetEditorPayload(c.Request.Context(), budgetId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func auditEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var itemId *int
		if raw := c.Query("item_id"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "item_id must be an integer"})
				return
			}
			itemId = &parsed
		}
		events, err := models.GetAuditEvents(c.Request.Context(), budgetId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

func unreadsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireUser(c)
		if !ok {
			return
		}
		budgetId, ok := pathId(c, "id")
		if !ok {
			return
		}
		unreads, err := models.GetUnreadsForBudget(c.Request.Context(), budgetId, userId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, unreads)
	}
}

type ensureThreadRequest struct {
	ItemId int              `json:"item_id" binding:"required"`
	Stage  models.StageKind `json:"stage" binding:"required"`
}

func ensureThreadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireUser(c)
		if !ok {
			return
		}
		var req ensureThreadRequest
		if !bindJSON(c, &req) {
			return
		}

		db := config.GetDB()
		var thread *models.ChatThread
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			thread, err = models.EnsureThread(tx, req.ItemId, req.Stage, userId)
			return err
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		messages, err := models.GetLatestThreadMessages(c.Request.Context(), thread.ID, 50)
		if err != nil {
			abortWithError(c, err)
			return
		}
		participants, err := notifier.ResolveThreadParticipants(db, thread, userId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"thread":       thread,
			"messages":     messages,
			"participants": participants,
		})
	}
}

func threadMessagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		threadId, ok := pathId(c, "threadId")
		if !ok {
			return
		}
		after, _ := strconv.Atoi(c.Query("after"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		messages, err := models.GetThreadMessages(c.Request.Context(), threadId, after, limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, messages)
	}
}

type postMessageRequest struct {
	Body        string  `json:"body" binding:"required"`
	Attachments *string `json:"attachments"`
	ClientNonce *string `json:"client_nonce"`
}

// postMessageHandler is the HTTP alternative to posting over the socket;
// online subscribers still get the broadcast through the hub.
func postMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireUser(c)
		if !ok {
			return
		}
		threadId, ok := pathId(c, "threadId")
		if !ok {
			return
		}
		var req postMessageRequest
		if !bindJSON(c, &req) {
			return
		}
		userName, _ := utils.GetUserNameFromContext(c.Request.Context())

		db := config.GetDB()
		var result *models.PostMessageResult
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = models.PostMessage(tx, threadId, userId, userName, req.Body, req.Attachments, req.ClientNonce)
			return err
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !result.Duplicate {
			chathub.GlobalHub.Broadcast(result.Message)
			if result.FirstPost {
				go notifier.NotifyChatFirstMessage(threadId, userId)
			}
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":   result.Message,
			"duplicate": result.Duplicate,
		})
	}
}

type markReadRequest struct {
	LastMessageId int `json:"last_message_id"`
}

func markReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireUser(c)
		if !ok {
			return
		}
		threadId, ok := pathId(c, "threadId")
		if !ok {
			return
		}
		var req markReadRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := models.MarkRead(config.GetDB(), threadId, userId, req.LastMessageId); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type migrateRequest struct {
	BudgetId         int  `json:"budget_id" binding:"required"`
	TargetTemplateId *int `json:"target_template_id"`
	DryRun           bool `json:"dry_run"`
}

func migrateBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req migrateRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := workflow.MigrateBudget(c.Request.Context(), req.BudgetId, req.TargetTemplateId, req.DryRun)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func dispatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var input notifier.DispatchInput
		if !bindJSON(c, &input) {
			return
		}
		go notifier.DispatchStageReadiness(input)
		c.Status(http.StatusAccepted)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func registerTemplateAdminRoutes(r *gin.RouterGroup) {
	r.POST("/templates", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if !bindJSON(c, &req) {
			return
		}
		template, err := models.CreateWorkflowTemplate(c.Request.Context(), req.Name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, template)
	})

	r.GET("/templates/:id", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		template, err := models.GetWorkflowTemplate(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		stages, err := models.GetTemplateStages(config.GetDB(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"template": template,
			"stages":   stages,
		})
	})

	r.PUT("/templates/:id", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req struct {
			Name     string `json:"name"`
			IsActive *bool  `json:"is_active"`
		}
		if !bindJSON(c, &req) {
			return
		}
		template, err := models.UpdateWorkflowTemplate(c.Request.Context(), id, req.Name, req.IsActive)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, template)
	})

	r.DELETE("/templates/:id", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		if err := models.DeleteWorkflowTemplate(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.PUT("/templates/:id/stages", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var inputs []*models.NewTemplateStage
		if !bindJSON(c, &inputs) {
			return
		}
		stages, err := models.ReplaceTemplateStages(c.Request.Context(), id, inputs)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stages)
	})

	r.POST("/bindings", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req struct {
			TemplateId   int  `json:"template_id" binding:"required"`
			SchoolId     *int `json:"school_id"`
			SubAccountId *int `json:"sub_account_id"`
			Priority     int  `json:"priority"`
		}
		if !bindJSON(c, &req) {
			return
		}
		binding, err := models.CreateBinding(c.Request.Context(), req.TemplateId, req.SchoolId, req.SubAccountId, req.Priority)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, binding)
	})

	r.DELETE("/bindings/:id", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		if err := models.DeleteBinding(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/bindings/bulk", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req struct {
			TemplateId   int   `json:"template_id" binding:"required"`
			SchoolIds    []int `json:"school_ids" binding:"required"`
			SubAccountId *int  `json:"sub_account_id"`
			Priority     int   `json:"priority"`
		}
		if !bindJSON(c, &req) {
			return
		}
		created, err := models.BulkBindSchools(c.Request.Context(), req.TemplateId, req.SchoolIds, req.SubAccountId, req.Priority)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	})

	r.GET("/bindings", func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var templateId *int
		if raw := c.Query("template_id"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "template_id must be an integer"})
				return
			}
			templateId = &parsed
		}
		bindings, err := models.GetBindings(c.Request.Context(), templateId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, bindings)
	})
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before the dependencies are ready; until DB and
	// Redis are connected, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/login", loginHandler())
	r.POST("/logout", logoutHandler())

	api := r.Group("/api")
	api.POST("/budgets", submitBudgetHandler())
	api.POST("/budgets/:id/resubmit", resubmitBudgetHandler())
	api.POST("/budgets/:id/request-control", requestControlHandler())
	api.POST("/budgets/:id/decisions/logistics", logisticsHandler())
	api.POST("/budgets/:id/decisions/needed", neededHandler())
	api.POST("/budgets/:id/decisions/cost", costHandler())
	api.POST("/budgets/:id/decisions/coordinator", coordinatorHandler())
	api.GET("/budgets/:id/items", budgetItemsHandler())
	api.GET("/budgets/:id/events", auditEventsHandler())
	api.GET("/budgets/:id/unreads", unreadsHandler())

	api.POST("/chat/threads", ensureThreadHandler())
	api.GET("/chat/threads/:threadId/messages", threadMessagesHandler())
	api.POST("/chat/threads/:threadId/messages", postMessageHandler())
	api.POST("/chat/threads/:threadId/read", markReadHandler())

	admin := r.Group("/api/admin")
	registerTemplateAdminRoutes(admin)
	admin.POST("/migrate", migrateBudgetHandler())
	admin.POST("/dispatch", dispatchHandler())

	r.GET("/ws/chat/:threadId", chathub.WSEndpoint)
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	mailer := config.StartMailer()
	go chathub.GlobalHub.Run()

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	workflow.StartScheduler(schedulerCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Drain queued mail before exit.
	mailer.Shutdown()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
