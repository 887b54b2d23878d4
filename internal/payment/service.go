package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
)

// ErrBadPayload возвращается, если уведомление провайдера невозможно разобрать.
var (
	ErrBadPayload = errors.New("malformed provider payload")
	// ErrUnauthorizedNotification возвращается при неподтверждённой подписи уведомления.
	// Такое уведомление отклоняется без изменения состояния.
	ErrUnauthorizedNotification = errors.New("unauthorized provider notification")
	// ErrProviderUnavailable возвращается при сбое обращения к платёжному провайдеру.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrUnknownProvider возвращается для неподдерживаемого провайдера.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrUnknownPackage возвращается для несуществующего пакета толкований.
	ErrUnknownPackage = errors.New("unknown credit package")
)

// Storage описывает контракт хранилища платёжных транзакций.
// ReconcilePayment обязан переводить транзакцию в конечный статус и начислять
// кредиты атомарно, трактуя повторные уведомления как no-op.
type Storage interface {
	CreatePaymentTransaction(ctx context.Context, t *model.PaymentTransaction) error
	SetProviderOrderID(ctx context.Context, id uuid.UUID, providerOrderID string) error
	ReconcilePayment(ctx context.Context, id uuid.UUID, status model.PaymentStatus, providerOrderID string) (bool, error)
	GetPaymentTransactionByProviderOrderID(ctx context.Context, provider model.PaymentProvider, providerOrderID string) (*model.PaymentTransaction, error)
	GetPaymentTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error)
}

// PaymobGateway описывает создание платежа в Paymob и проверку
// подписи его уведомлений.
type PaymobGateway interface {
	CreateCheckout(ctx context.Context, t *model.PaymentTransaction) (orderID, paymentURL string, err error)
	VerifyWebhook(payload []byte, receivedHMAC string) (bool, error)
}

// PayPalGateway описывает операции PayPal, используемые сервисом.
type PayPalGateway interface {
	CreateOrder(ctx context.Context, t *model.PaymentTransaction) (orderID, approveURL string, err error)
	CaptureOrder(ctx context.Context, orderID string) (string, error)
	VerifyWebhook(ctx context.Context, hdr http.Header, payload []byte) (bool, error)
}

// Purchase описывает созданную покупку: идентификатор транзакции и URL оплаты.
type Purchase struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	PaymentURL    string    `json:"payment_url"`
}

// Service создаёт покупки пакетов и сверяет уведомления провайдеров.
type Service struct {
	storage Storage
	paymob  PaymobGateway
	paypal  PayPalGateway
	logger  *zap.Logger
}

// NewService создаёт платёжный сервис. Неиспользуемые провайдеры передаются как nil.
func NewService(storage Storage, paymob PaymobGateway, paypal PayPalGateway, logger *zap.Logger) *Service {
	return &Service{
		storage: storage,
		paymob:  paymob,
		paypal:  paypal,
		logger:  logger,
	}
}

// CreatePurchase создаёт транзакцию в статусе pending и инициирует оплату
// у выбранного провайдера. При сбое провайдера транзакция остаётся pending.
func (s *Service) CreatePurchase(ctx context.Context, userID uuid.UUID, packageID string, provider model.PaymentProvider) (*Purchase, error) {
	pkg, ok := model.PackageByID(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	t := &model.PaymentTransaction{
		ID:                     uuid.New(),
		UserID:                 userID,
		AmountCents:            pkg.AmountCents,
		Currency:               pkg.Currency,
		Status:                 model.PaymentStatusPending,
		Provider:               provider,
		PackageName:            pkg.Name,
		InterpretationsGranted: pkg.Interpretations,
	}

	if err := s.storage.CreatePaymentTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	var (
		orderID    string
		paymentURL string
		err        error
	)

	switch provider {
	case model.PaymentProviderPaymob:
		if s.paymob == nil {
			return nil, ErrProviderUnavailable
		}
		orderID, paymentURL, err = s.paymob.CreateCheckout(ctx, t)
	case model.PaymentProviderPayPal:
		if s.paypal == nil {
			return nil, ErrProviderUnavailable
		}
		orderID, paymentURL, err = s.paypal.CreateOrder(ctx, t)
	default:
		return nil, ErrUnknownProvider
	}

	if err != nil {
		s.logger.Error("provider checkout failed",
			zap.Error(err),
			zap.String("transactionID", t.ID.String()),
			zap.String("provider", string(provider)),
		)
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}

	if err := s.storage.SetProviderOrderID(ctx, t.ID, orderID); err != nil {
		return nil, fmt.Errorf("set provider order id: %w", err)
	}

	return &Purchase{TransactionID: t.ID, PaymentURL: paymentURL}, nil
}

// Reconcile сверяет асинхронное уведомление провайдера. Уведомления доставляются
// как минимум один раз: дубликаты по уже завершённой транзакции принимаются
// без побочных эффектов, ещё не конечные статусы игнорируются.
// Неподтверждённая подпись отклоняется до любого изменения состояния.
func (s *Service) Reconcile(ctx context.Context, provider model.PaymentProvider, payload []byte, hdr http.Header, query url.Values) error {
	var (
		txID    uuid.UUID
		status  model.PaymentStatus
		orderID string
		err     error
	)

	switch provider {
	case model.PaymentProviderPaymob:
		if s.paymob != nil {
			ok, verifyErr := s.paymob.VerifyWebhook(payload, query.Get("hmac"))
			if verifyErr != nil {
				return fmt.Errorf("%w: %s", ErrBadPayload, verifyErr)
			}
			if !ok {
				return ErrUnauthorizedNotification
			}
		}
		txID, status, orderID, err = parsePaymobNotification(payload)
	case model.PaymentProviderPayPal:
		if s.paypal != nil {
			ok, verifyErr := s.paypal.VerifyWebhook(ctx, hdr, payload)
			if verifyErr != nil {
				return fmt.Errorf("%w: %s", ErrProviderUnavailable, verifyErr)
			}
			if !ok {
				return ErrUnauthorizedNotification
			}
		}
		txID, status, orderID, err = parsePayPalNotification(payload)
	default:
		return ErrUnknownProvider
	}

	if err != nil {
		return err
	}

	if !status.Terminal() {
		s.logger.Info("non-terminal provider notification ignored",
			zap.String("transactionID", txID.String()),
			zap.String("provider", string(provider)),
		)
		return nil
	}

	credited, err := s.storage.ReconcilePayment(ctx, txID, status, orderID)
	if err != nil {
		return fmt.Errorf("reconcile payment: %w", err)
	}

	s.logger.Info("payment reconciled",
		zap.String("transactionID", txID.String()),
		zap.String("provider", string(provider)),
		zap.String("status", string(status)),
		zap.Bool("credited", credited),
	)

	return nil
}

// CapturePayPal выполняет capture подтверждённого пользователем заказа PayPal
// и сверяет соответствующую транзакцию как завершённую.
func (s *Service) CapturePayPal(ctx context.Context, userID uuid.UUID, orderID string) error {
	if s.paypal == nil {
		return ErrProviderUnavailable
	}

	t, err := s.storage.GetPaymentTransactionByProviderOrderID(ctx, model.PaymentProviderPayPal, orderID)
	if err != nil {
		return err
	}

	// Чужой заказ неотличим от несуществующего.
	if t.UserID != userID {
		return fmt.Errorf("capture order %s: %w", orderID, repository.ErrUnknownTransaction)
	}

	status, err := s.paypal.CaptureOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}

	if status != "COMPLETED" {
		return fmt.Errorf("%w: capture status %s", ErrProviderUnavailable, status)
	}

	if _, err := s.storage.ReconcilePayment(ctx, t.ID, model.PaymentStatusCompleted, orderID); err != nil {
		return fmt.Errorf("reconcile payment: %w", err)
	}

	return nil
}

// ListTransactions возвращает историю покупок пользователя.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error) {
	return s.storage.GetPaymentTransactionsByUser(ctx, userID)
}

type paymobNotification struct {
	Obj *struct {
		ID      json.Number `json:"id"`
		Success bool        `json:"success"`
		Pending bool        `json:"pending"`
		Order   struct {
			MerchantOrderID string `json:"merchant_order_id"`
		} `json:"order"`
	} `json:"obj"`
}

// parsePaymobNotification извлекает из уведомления Paymob идентификатор
// внутренней транзакции (merchant_order_id) и конечный статус платежа.
func parsePaymobNotification(payload []byte) (uuid.UUID, model.PaymentStatus, string, error) {
	var n paymobNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	if n.Obj == nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: missing obj", ErrBadPayload)
	}
	if n.Obj.Order.MerchantOrderID == "" {
		return uuid.Nil, "", "", fmt.Errorf("%w: missing merchant_order_id", ErrBadPayload)
	}

	txID, err := uuid.Parse(n.Obj.Order.MerchantOrderID)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: bad merchant_order_id: %s", ErrBadPayload, err)
	}

	status := model.PaymentStatusPending
	if n.Obj.Success {
		status = model.PaymentStatusCompleted
	} else if !n.Obj.Pending {
		status = model.PaymentStatusFailed
	}

	return txID, status, n.Obj.ID.String(), nil
}

type paypalNotification struct {
	Resource *struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			ReferenceID string `json:"reference_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

// parsePayPalNotification извлекает из уведомления PayPal идентификатор
// внутренней транзакции (reference_id первого purchase unit) и статус заказа.
func parsePayPalNotification(payload []byte) (uuid.UUID, model.PaymentStatus, string, error) {
	var n paypalNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	if n.Resource == nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: missing resource", ErrBadPayload)
	}
	if len(n.Resource.PurchaseUnits) == 0 || n.Resource.PurchaseUnits[0].ReferenceID == "" {
		return uuid.Nil, "", "", fmt.Errorf("%w: missing reference_id", ErrBadPayload)
	}

	txID, err := uuid.Parse(n.Resource.PurchaseUnits[0].ReferenceID)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: bad reference_id: %s", ErrBadPayload, err)
	}

	var status model.PaymentStatus
	switch n.Resource.Status {
	case "COMPLETED":
		status = model.PaymentStatusCompleted
	case "VOIDED", "CANCELLED":
		status = model.PaymentStatusFailed
	default:
		status = model.PaymentStatusPending
	}

	return txID, status, n.Resource.ID, nil
}
