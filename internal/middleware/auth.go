package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-coach/backend/pkg/utils"
)

type ownerKey struct{}

// WithOwner 把已认证的用户 ID 放入 ctx。
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerID 取出认证中间件写入的用户 ID。
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey{}).(string)
	return id, ok && id != ""
}

// Auth 校验 "Authorization: Bearer <token>"。tokens 为空时是开发模式，
// token 本身即用户 ID。
func Auth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="coach"`)
				utils.RespondKindError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}

			owner := token
			if len(tokens) > 0 {
				if owner, ok = tokens[token]; !ok {
					utils.RespondKindError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
