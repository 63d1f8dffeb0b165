package utils

import (
	"context"

	"bitbucket.org/hewadtech/budget_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyDepartmentId  = appctx.ContextKeyDepartmentId
	ContextKeySchoolId      = appctx.ContextKeySchoolId
	ContextKeyRole          = appctx.ContextKeyRole
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsAdmin       = appctx.ContextKeyIsAdmin
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetDepartmentIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyDepartmentId)
}

func GetSchoolIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeySchoolId)
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetDepartmentIdInContext(ctx context.Context, departmentId int) context.Context {
	return appctx.Set(ctx, ContextKeyDepartmentId, departmentId)
}

func SetSchoolIdInContext(ctx context.Context, schoolId int) context.Context {
	return appctx.Set(ctx, ContextKeySchoolId, schoolId)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}
