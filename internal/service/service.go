// Package service реализует бизнес-логику сервиса толкования снов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/payment"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным пользователей и снов.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	SaveDream(ctx context.Context, d *model.Dream) error
	GetDreamsByUser(ctx context.Context, userID uuid.UUID) ([]model.Dream, error)
}

// Ledger описывает учёт кредитов толкований.
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error)
	CanConsume(ctx context.Context, userID uuid.UUID) (bool, error)
	ConsumeOne(ctx context.Context, userID uuid.UUID) error
}

// Referrals описывает обработку реферальных кодов.
type Referrals interface {
	Process(ctx context.Context, code string, newUserID uuid.UUID) error
}

// Payments описывает покупку пакетов и сверку уведомлений провайдеров.
type Payments interface {
	CreatePurchase(ctx context.Context, userID uuid.UUID, packageID string, provider model.PaymentProvider) (*payment.Purchase, error)
	Reconcile(ctx context.Context, provider model.PaymentProvider, payload []byte, hdr http.Header, query url.Values) error
	CapturePayPal(ctx context.Context, userID uuid.UUID, orderID string) error
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error)
}

// Interpreter описывает внешний генератор толкований.
type Interpreter interface {
	Interpret(ctx context.Context, dreamText string) (*model.Interpretations, error)
}

// Service содержит бизнес-логику сервиса толкования снов.
type Service struct {
	repo        Repository
	ledger      Ledger
	referrals   Referrals
	payments    Payments
	interpreter Interpreter
}

// NewService создаёт сервис из репозитория и компонентов учёта, рефералов,
// платежей и генерации толкований.
func NewService(repo Repository, ledger Ledger, referrals Referrals, payments Payments, interpreter Interpreter) *Service {
	return &Service{
		repo:        repo,
		ledger:      ledger,
		referrals:   referrals,
		payments:    payments,
		interpreter: interpreter,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя и выдаёт ему реферальный код.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (uuid.UUID, error) {
	hashed := hashPassword(login, password)

	// Код — первые восемь символов hex-представления идентификатора.
	// При коллизии кода генерируется новый идентификатор.
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New()
		u := &model.User{
			ID:           id,
			Login:        login,
			PasswordHash: hashed,
			ReferralCode: referralCodeFor(id),
		}

		err := s.repo.CreateUser(ctx, u)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, repository.ErrReferralCodeTaken) {
			continue
		}
		if errors.Is(err, repository.ErrUserExists) {
			return uuid.Nil, repository.ErrUserExists
		}
		return uuid.Nil, err
	}

	return uuid.Nil, fmt.Errorf("register user: %w", repository.ErrReferralCodeTaken)
}

func referralCodeFor(id uuid.UUID) string {
	return hex.EncodeToString(id[:])[:8]
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (uuid.UUID, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return uuid.Nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return uuid.Nil, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// InterpretDream — точка допуска перед дорогой внешней генерацией.
// Списание выполняется строго после успешной генерации: неудачная генерация
// не стоит пользователю кредита.
func (s *Service) InterpretDream(ctx context.Context, userID uuid.UUID, dreamText string) (*model.Dream, error) {
	ok, err := s.ledger.CanConsume(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrInsufficientCredit
	}

	interpretations, err := s.interpreter.Interpret(ctx, dreamText)
	if err != nil {
		return nil, err
	}

	// Остаток перепроверяется при списании: параллельный запрос мог
	// потратить последний кредит между проверкой и генерацией.
	if err := s.ledger.ConsumeOne(ctx, userID); err != nil {
		return nil, err
	}

	dream := &model.Dream{
		ID:              uuid.New(),
		UserID:          userID,
		Text:            dreamText,
		Interpretations: *interpretations,
	}

	if err := s.repo.SaveDream(ctx, dream); err != nil {
		return nil, fmt.Errorf("save dream: %w", err)
	}

	return dream, nil
}

// GetDreams возвращает историю снов пользователя.
func (s *Service) GetDreams(ctx context.Context, userID uuid.UUID) ([]model.Dream, error) {
	return s.repo.GetDreamsByUser(ctx, userID)
}

// GetBalance возвращает баланс толкований пользователя.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// ApplyReferralCode применяет реферальный код к текущему пользователю.
func (s *Service) ApplyReferralCode(ctx context.Context, userID uuid.UUID, code string) error {
	return s.referrals.Process(ctx, code, userID)
}

// GetReferralStats возвращает реферальный код пользователя и статистику приглашений.
func (s *Service) GetReferralStats(ctx context.Context, userID uuid.UUID) (*model.ReferralStats, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	b, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.ReferralStats{
		ReferralCode:  u.ReferralCode,
		ReferralCount: b.ReferralCount,
		PaidRemaining: b.PaidRemaining,
	}, nil
}

// ListPackages возвращает каталог пакетов толкований.
func (s *Service) ListPackages() []model.CreditPackage {
	return model.CreditPackages
}

// CreatePurchase создаёт покупку пакета у выбранного провайдера.
func (s *Service) CreatePurchase(ctx context.Context, userID uuid.UUID, packageID string, provider model.PaymentProvider) (*payment.Purchase, error) {
	return s.payments.CreatePurchase(ctx, userID, packageID, provider)
}

// GetPayments возвращает историю покупок пользователя.
func (s *Service) GetPayments(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error) {
	return s.payments.ListTransactions(ctx, userID)
}

// HandlePaymentWebhook сверяет асинхронное уведомление платёжного провайдера.
func (s *Service) HandlePaymentWebhook(ctx context.Context, provider model.PaymentProvider, payload []byte, hdr http.Header, query url.Values) error {
	return s.payments.Reconcile(ctx, provider, payload, hdr, query)
}

// CapturePayPalPayment выполняет capture подтверждённого заказа PayPal.
func (s *Service) CapturePayPalPayment(ctx context.Context, userID uuid.UUID, orderID string) error {
	return s.payments.CapturePayPal(ctx, userID, orderID)
}
