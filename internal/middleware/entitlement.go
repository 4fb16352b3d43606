package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bubbles/internal/model"
)

// EntitlementChecker は有効な利用権の有無を判定するインターフェース。
// entitlement.Gateが実装する。
type EntitlementChecker interface {
	RequireActive(ctx context.Context, userID string) error
}

// NewEntitlementMiddleware は有効な利用権を持たないユーザーを402で拒否するミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func NewEntitlementMiddleware(checker EntitlementChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if err := checker.RequireActive(r.Context(), userID); err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeEntitlementRequired {
					WriteErrorResponse(w, http.StatusPaymentRequired, apiErr)
					return
				}
				slog.Error("failed to check entitlement",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
