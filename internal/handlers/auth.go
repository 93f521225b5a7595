package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OrgResolver maps an API bearer key to the organization it belongs to.
type OrgResolver interface {
	OrgForKey(key string) (string, bool)
}

// KeyMap is the simplest OrgResolver: a static key to organization map.
type KeyMap map[string]string

func (m KeyMap) OrgForKey(key string) (string, bool) {
	org, ok := m[key]
	return org, ok
}

type contextKey string

const orgContextKey contextKey = "organization_id"

// requireOrg authenticates the request via Authorization: Bearer <key>
// and stores the resolved organization on the context. Every tenant
// endpoint sits behind it; an unresolvable key is a 401, never a
// fallback to some default tenant.
func requireOrg(resolver OrgResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				respondError(w, http.StatusUnauthorized, "authentication required", errors.New("missing bearer key"))
				return
			}

			org, ok := resolver.OrgForKey(strings.TrimSpace(token))
			if !ok {
				respondError(w, http.StatusUnauthorized, "authentication required", errors.New("unknown bearer key"))
				return
			}

			ctx := context.WithValue(r.Context(), orgContextKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func orgFromContext(ctx context.Context) string {
	org, _ := ctx.Value(orgContextKey).(string)
	return org
}
