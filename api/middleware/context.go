package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxTenantID contextKey = "tenant_id"
	ctxStoreID  contextKey = "store_id"
	ctxActorID  contextKey = "actor_id"
	ctxRole     contextKey = "actor_role"
)

// Scope is the tenant/store/actor triple resolved from request headers.
type Scope struct {
	TenantID uuid.UUID
	StoreID  uuid.UUID
	ActorID  *uuid.UUID
	Role     string
}

func TenantIDFromContext(ctx context.Context) uuid.UUID {
	return uuidFromContext(ctx, ctxTenantID)
}

func StoreIDFromContext(ctx context.Context) uuid.UUID {
	return uuidFromContext(ctx, ctxStoreID)
}

// ActorIDFromContext returns nil for system or anonymous callers.
func ActorIDFromContext(ctx context.Context) *uuid.UUID {
	id := uuidFromContext(ctx, ctxActorID)
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(string); ok {
		return v
	}
	return ""
}

// ScopeFromContext collects every scope value attached by TenantScope.
func ScopeFromContext(ctx context.Context) Scope {
	return Scope{
		TenantID: TenantIDFromContext(ctx),
		StoreID:  StoreIDFromContext(ctx),
		ActorID:  ActorIDFromContext(ctx),
		Role:     RoleFromContext(ctx),
	}
}

// WithScope injects scope values into the context for downstream handlers.
func WithScope(ctx context.Context, scope Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxTenantID, scope.TenantID)
	ctx = context.WithValue(ctx, ctxStoreID, scope.StoreID)
	if scope.ActorID != nil {
		ctx = context.WithValue(ctx, ctxActorID, *scope.ActorID)
	}
	if scope.Role != "" {
		ctx = context.WithValue(ctx, ctxRole, scope.Role)
	}
	return ctx
}

func uuidFromContext(ctx context.Context, key contextKey) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	if v, ok := ctx.Value(key).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
