// seed-admin creates or updates the admin console user.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// Username and password come from SEED_ADMIN_USERNAME / SEED_ADMIN_PASSWORD;
// the defaults are for local development only.
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"github.com/joho/godotenv"
)

const (
	defaultUsername = "budgetAdmin"
	defaultPassword = "Budg3t@dmin"
	adminName       = "Budget Admin"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	username := os.Getenv("SEED_ADMIN_USERNAME")
	if username == "" {
		username = defaultUsername
	}
	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if password == "" {
		password = defaultPassword
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetIsAdminInContext(ctx, true)

	user, err := models.UpsertAdminUser(ctx, username, adminName, hashed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to upsert admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Admin user ready: id=%d username=%q role=%s\n", user.ID, user.Username, user.Role)
}
