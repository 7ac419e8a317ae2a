package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/feeder/internal/model"
)

// NewAdminAuthMiddleware は管理ルートのBearerトークン認証ミドルウェアを返す。
// ADMIN_TOKENが未設定の場合は管理ルートの存在自体を隠すため404を返す。
// トークン比較は一定時間比較で行う。
func NewAdminAuthMiddleware(adminToken string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				http.NotFound(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				logger.Warn("admin auth failed: missing bearer token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				logger.Warn("admin auth failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
