package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/api/responses"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderStoreID   = "X-Store-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// TenantScope resolves tenant and store from headers set by the upstream
// gateway. Both are required; the actor is optional.
func TenantScope(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, err := parseScope(r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := WithScope(r.Context(), scope)
			if logg != nil {
				ctx = logg.WithScope(ctx, scope.TenantID.String(), scope.StoreID.String())
				if scope.ActorID != nil {
					ctx = logg.WithActorID(ctx, scope.ActorID.String())
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseScope(r *http.Request) (Scope, error) {
	tenantID, err := requiredUUIDHeader(r, HeaderTenantID)
	if err != nil {
		return Scope{}, err
	}
	storeID, err := requiredUUIDHeader(r, HeaderStoreID)
	if err != nil {
		return Scope{}, err
	}

	scope := Scope{
		TenantID: tenantID,
		StoreID:  storeID,
		Role:     strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))),
	}
	if raw := strings.TrimSpace(r.Header.Get(HeaderActorID)); raw != "" {
		actorID, err := uuid.Parse(raw)
		if err != nil {
			return Scope{}, pkgerrors.New(pkgerrors.CodeValidation, HeaderActorID+" must be a uuid")
		}
		scope.ActorID = &actorID
	}
	return scope, nil
}

func requiredUUIDHeader(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, name+" header required")
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, name+" must be a uuid")
	}
	return id, nil
}
