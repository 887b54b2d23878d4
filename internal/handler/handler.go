// Package handler содержит HTTP-обработчики API сервиса толкования снов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramelapp/dreamcredit-system/internal/interpreter"
	"github.com/ramelapp/dreamcredit-system/internal/middleware"
	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/payment"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
	"github.com/ramelapp/dreamcredit-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (uuid.UUID, error)
	AuthenticateUser(ctx context.Context, login, password string) (uuid.UUID, error)
	InterpretDream(ctx context.Context, userID uuid.UUID, dreamText string) (*model.Dream, error)
	GetDreams(ctx context.Context, userID uuid.UUID) ([]model.Dream, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error)
	ApplyReferralCode(ctx context.Context, userID uuid.UUID, code string) error
	GetReferralStats(ctx context.Context, userID uuid.UUID) (*model.ReferralStats, error)
	ListPackages() []model.CreditPackage
	CreatePurchase(ctx context.Context, userID uuid.UUID, packageID string, provider model.PaymentProvider) (*payment.Purchase, error)
	GetPayments(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error)
	HandlePaymentWebhook(ctx context.Context, provider model.PaymentProvider, payload []byte, hdr http.Header, query url.Values) error
	CapturePayPalPayment(ctx context.Context, userID uuid.UUID, orderID string) error
}

// Handler реализует HTTP-обработчики API сервиса толкования снов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type dreamRequest struct {
	Text string `json:"text"`
}

type dreamResponse struct {
	ID              string                `json:"id"`
	Text            string                `json:"text"`
	Interpretations model.Interpretations `json:"interpretations"`
	CreatedAt       string                `json:"created_at,omitempty"`
}

// InterpretDream принимает текст сна и возвращает его толкования.
// Кредит списывается только после успешной генерации.
func (h *Handler) InterpretDream(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req dreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dream, err := h.service.InterpretDream(r.Context(), userID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientCredit):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, interpreter.ErrUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("interpret dream error", zap.Error(err), zap.String("userID", userID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dreamResponse{
		ID:              dream.ID.String(),
		Text:            dream.Text,
		Interpretations: dream.Interpretations,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetDreams возвращает историю снов текущего пользователя.
func (h *Handler) GetDreams(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	dreams, err := h.service.GetDreams(r.Context(), userID)
	if err != nil {
		h.logger.Error("get dreams error", zap.Error(err), zap.String("userID", userID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(dreams) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]dreamResponse, 0, len(dreams))
	for _, d := range dreams {
		resp = append(resp, dreamResponse{
			ID:              d.ID.String(),
			Text:            d.Text,
			Interpretations: d.Interpretations,
			CreatedAt:       d.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс толкований текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("userID", userID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type referralRequest struct {
	Code string `json:"code"`
}

// ApplyReferral применяет реферальный код к текущему пользователю.
func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ApplyReferralCode(r.Context(), userID, strings.TrimSpace(req.Code))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyReferred):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrInvalidReferralCode), errors.Is(err, repository.ErrSelfReferral):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("apply referral error", zap.Error(err), zap.String("userID", userID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetReferral возвращает реферальный код и статистику текущего пользователя.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.GetReferralStats(r.Context(), userID)
	if err != nil {
		h.logger.Error("get referral stats error", zap.Error(err), zap.String("userID", userID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetPackages возвращает каталог пакетов толкований.
func (h *Handler) GetPackages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.ListPackages()); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
	Provider  string `json:"provider"`
}

// CreatePurchase создаёт покупку пакета у выбранного провайдера.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	purchase, err := h.service.CreatePurchase(r.Context(), userID, req.PackageID, model.PaymentProvider(req.Provider))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnknownPackage), errors.Is(err, payment.ErrUnknownProvider):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, payment.ErrProviderUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("create purchase error", zap.Error(err), zap.String("userID", userID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(purchase); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type transactionResponse struct {
	ID              string `json:"id"`
	PackageName     string `json:"package_name"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	Provider        string `json:"provider"`
	Interpretations int    `json:"interpretations"`
	CreatedAt       string `json:"created_at"`
	PaymentDate     string `json:"payment_date,omitempty"`
}

// GetPayments возвращает историю покупок текущего пользователя.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.GetPayments(r.Context(), userID)
	if err != nil {
		h.logger.Error("get payments error", zap.Error(err), zap.String("userID", userID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		tr := transactionResponse{
			ID:              t.ID.String(),
			PackageName:     t.PackageName,
			AmountCents:     t.AmountCents,
			Currency:        t.Currency,
			Status:          string(t.Status),
			Provider:        string(t.Provider),
			Interpretations: t.InterpretationsGranted,
			CreatedAt:       t.CreatedAt.Format(time.RFC3339),
		}
		if t.PaymentDate != nil {
			tr.PaymentDate = t.PaymentDate.Format(time.RFC3339)
		}
		resp = append(resp, tr)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type captureRequest struct {
	OrderID string `json:"order_id"`
}

// CapturePayPal выполняет capture подтверждённого заказа PayPal.
func (h *Handler) CapturePayPal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.CapturePayPalPayment(r.Context(), userID, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUnknownTransaction):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, payment.ErrProviderUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("capture paypal error", zap.Error(err), zap.String("userID", userID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PaymentWebhook принимает асинхронное уведомление платёжного провайдера.
// Дубликаты уведомлений по уже завершённой транзакции отвечают 200 без побочных эффектов.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	provider := model.PaymentProvider(strings.ToLower(chi.URLParam(r, "provider")))

	defer r.Body.Close()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.HandlePaymentWebhook(r.Context(), provider, payload, r.Header, r.URL.Query())
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnknownProvider):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, payment.ErrBadPayload):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, payment.ErrUnauthorizedNotification):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, payment.ErrProviderUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		case errors.Is(err, repository.ErrUnknownTransaction):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("payment webhook error", zap.Error(err), zap.String("provider", string(provider)))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
