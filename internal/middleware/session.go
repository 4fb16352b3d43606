// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/bubbles/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookie名。
const SessionCookieName = "session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// SessionResolver はクレデンシャルからセッションを解決するインターフェース。
// auth.Serviceが実装する。
type SessionResolver interface {
	ResolveSession(ctx context.Context, credential string) (*model.Session, error)
}

// CredentialFromRequest はリクエストからセッションクレデンシャルを取り出す。
// Cookieを優先し、なければAuthorization: Bearerヘッダーを参照する。
func CredentialFromRequest(r *http.Request) string {
	if creds := credentialsFromRequest(r); len(creds) > 0 {
		return creds[0]
	}
	return ""
}

// credentialsFromRequest はCookie、Bearerヘッダーの順にクレデンシャルを返す。
// 同じ値は1つにまとめる。
func credentialsFromRequest(r *http.Request) []string {
	var creds []string
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		creds = append(creds, cookie.Value)
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		if token := strings.TrimSpace(h[len(prefix):]); token != "" && (len(creds) == 0 || creds[0] != token) {
			creds = append(creds, token)
		}
	}
	return creds
}

// NewSessionMiddleware はCookieまたはBearerヘッダーからセッションを解決し、
// 認証済みユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieのセッションが解決できない場合はBearerヘッダーのトークンを試す。
// どちらも解決できないリクエストには401 UNAUTHORIZEDを返す。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var session *model.Session
			for _, credential := range credentialsFromRequest(r) {
				s, err := resolver.ResolveSession(r.Context(), credential)
				if err != nil {
					slog.Error("failed to resolve session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				if s != nil {
					session = s
					break
				}
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// ロギングミドルウェアの内側で呼ばれた場合はアクセスログにもユーザーIDを記録する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
