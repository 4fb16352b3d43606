package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

// PresenceServiceInterface は位置情報ハンドラーが必要とするサービスインターフェース。
type PresenceServiceInterface interface {
	ReportLocation(ctx context.Context, userID string, lat, lng float64, isActive bool, now time.Time) error
	ListActiveUsers(ctx context.Context, now time.Time) ([]model.ActiveUser, error)
	Now() time.Time
}

// PresenceHandler は位置報告と稼働中ユーザー一覧のHTTPハンドラー。
type PresenceHandler struct {
	service PresenceServiceInterface
}

// NewPresenceHandler はPresenceHandlerを生成する。
func NewPresenceHandler(service PresenceServiceInterface) *PresenceHandler {
	return &PresenceHandler{service: service}
}

// locationRequest は位置報告リクエストのボディ。
// lat/lngの欠落を検出するためポインタで受ける。
type locationRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	IsActive bool     `json:"isActive"`
}

type activeUserResponse struct {
	UserID    string     `json:"userId"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Role      model.Role `json:"role"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type activeUsersResponse struct {
	Active []activeUserResponse `json:"active"`
}

type protectedChatResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ReportLocation は呼び出しユーザーの位置を記録する。
// POST /api/location
func (h *PresenceHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req locationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && (typeErr.Field == "lat" || typeErr.Field == "lng") {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCoordinatesError())
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidCoordinatesError())
		return
	}

	if err := h.service.ReportLocation(r.Context(), userID, *req.Lat, *req.Lng, req.IsActive, h.service.Now()); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListActiveUsers は鮮度内で稼働中のユーザーを返す。
// GET /api/active-users
func (h *PresenceHandler) ListActiveUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListActiveUsers(r.Context(), h.service.Now())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := activeUsersResponse{Active: make([]activeUserResponse, 0, len(users))}
	for _, u := range users {
		resp.Active = append(resp.Active, activeUserResponse{
			UserID:    u.UserID,
			Lat:       u.Lat,
			Lng:       u.Lng,
			Role:      u.Role,
			UpdatedAt: u.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProtectedChat は利用権を持つユーザーだけが到達できる確認用エンドポイント。
// GET /api/protected-chat
func (h *PresenceHandler) ProtectedChat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protectedChatResponse{
		OK:      true,
		Message: "You can access chat because you paid.",
	})
}
