package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
)

// EntitlementServiceInterface は利用権ハンドラーが必要とするサービスインターフェース。
type EntitlementServiceInterface interface {
	// Purchase は設定価格で利用権を付与する。
	Purchase(ctx context.Context, userID string) (*model.Entitlement, error)
	// Status は現在有効な利用権を返す。存在しない場合はnil。
	Status(ctx context.Context, userID string) (*model.Entitlement, error)
}

// EntitlementHandler は利用権購入と状態確認のHTTPハンドラー。
type EntitlementHandler struct {
	service EntitlementServiceInterface
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
func NewEntitlementHandler(service EntitlementServiceInterface) *EntitlementHandler {
	return &EntitlementHandler{service: service}
}

type createPaymentResponse struct {
	Success   bool      `json:"success"`
	PaymentID string    `json:"paymentId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

type entitlementStatusResponse struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CreatePayment は決済完了として利用権を付与する。
// 決済代行との連携は行わず、利用権レコードのみを作成する。
// POST /api/create-payment
func (h *EntitlementHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	e, err := h.service.Purchase(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createPaymentResponse{
		Success:   true,
		PaymentID: e.ID,
		ExpiresAt: e.ExpiresAt,
		Message:   "Payment recorded. Access granted until " + e.ExpiresAt.UTC().Format(time.RFC3339) + ".",
	})
}

// GetEntitlement は現在の利用権の状態を返す。
// GET /api/entitlement
func (h *EntitlementHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	e, err := h.service.Status(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := entitlementStatusResponse{}
	if e != nil {
		resp.Active = true
		resp.ExpiresAt = &e.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}
