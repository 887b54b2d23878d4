// Package model содержит доменные сущности сервиса толкования снов.
package model

import (
	"time"

	"github.com/google/uuid"
)

// FreeQuota — количество бесплатных толкований, доступных каждому пользователю.
const FreeQuota = 5

// ReferralBonus — количество толкований, начисляемых каждой стороне реферала.
const ReferralBonus = 5

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           uuid.UUID
	Login        string
	PasswordHash []byte
	ReferralCode string
	CreatedAt    time.Time
}

// UsageRecord хранит счётчики толкований пользователя.
// Запись создаётся лениво при первом обращении с нулевыми значениями.
type UsageRecord struct {
	UserID          uuid.UUID
	FreeUsed        int
	PaidRemaining   int
	ReferralCount   int
	LastPaymentDate *time.Time
}

// CanConsume сообщает, доступно ли пользователю хотя бы одно толкование.
func (u *UsageRecord) CanConsume() bool {
	return u.FreeUsed < FreeQuota || u.PaidRemaining > 0
}

// TotalAvailable возвращает суммарное количество доступных толкований.
func (u *UsageRecord) TotalAvailable() int {
	free := FreeQuota - u.FreeUsed
	if free < 0 {
		free = 0
	}
	return free + u.PaidRemaining
}

// Balance содержит баланс толкований пользователя для выдачи наружу.
type Balance struct {
	FreeUsed       int `json:"free_used"`
	PaidRemaining  int `json:"paid_remaining"`
	TotalAvailable int `json:"total_available"`
	ReferralCount  int `json:"referral_count"`
}

// ReferralStatus описывает состояние реферальной связи.
type ReferralStatus string

// ReferralStatusCompleted — единственное состояние связи: бонусы начисляются
// в той же транзакции, что и создание записи.
const ReferralStatusCompleted ReferralStatus = "completed"

// Referral описывает связь «пригласивший — приглашённый».
// Для одного приглашённого может существовать не более одной записи.
type Referral struct {
	ID         uuid.UUID
	ReferrerID uuid.UUID
	ReferredID uuid.UUID
	Status     ReferralStatus
	CreatedAt  time.Time
}

// ReferralStats агрегирует реферальную информацию пользователя.
type ReferralStats struct {
	ReferralCode  string `json:"referral_code"`
	ReferralCount int    `json:"referral_count"`
	PaidRemaining int    `json:"paid_remaining"`
}

// PaymentStatus описывает статус платёжной транзакции.
type PaymentStatus string

// Допустимые статусы платёжной транзакции.
// Разрешены только переходы pending -> completed и pending -> failed.
const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PaymentProvider идентифицирует платёжного провайдера.
type PaymentProvider string

// Поддерживаемые платёжные провайдеры.
const (
	PaymentProviderPaymob PaymentProvider = "paymob"
	PaymentProviderPayPal PaymentProvider = "paypal"
)

// PaymentTransaction описывает покупку пакета толкований.
// Запись создаётся в статусе pending до перенаправления к провайдеру
// и ровно один раз переводится в конечный статус при сверке уведомления.
type PaymentTransaction struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	AmountCents            int64
	Currency               string
	Status                 PaymentStatus
	Provider               PaymentProvider
	PackageName            string
	InterpretationsGranted int
	ProviderOrderID        string
	CreatedAt              time.Time
	PaymentDate            *time.Time
}

// CreditPackage описывает пакет толкований, доступный для покупки.
type CreditPackage struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Interpretations int    `json:"interpretations"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// CreditPackages — каталог пакетов толкований.
var CreditPackages = []CreditPackage{
	{ID: "basic", Name: "Basic Pack", Interpretations: 10, AmountCents: 4999, Currency: "EGP"},
	{ID: "premium", Name: "Premium Pack", Interpretations: 25, AmountCents: 9999, Currency: "EGP"},
	{ID: "unlimited", Name: "Ultimate Pack", Interpretations: 100, AmountCents: 19999, Currency: "EGP"},
}

// PackageByID возвращает пакет по идентификатору.
func PackageByID(id string) (CreditPackage, bool) {
	for _, p := range CreditPackages {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPackage{}, false
}

// Interpretations содержит тексты толкований сна по трём традициям.
type Interpretations struct {
	Islamic       string `json:"islamic"`
	Spiritual     string `json:"spiritual"`
	Psychological string `json:"psychological"`
}

// Dream описывает записанный сон пользователя и его толкования.
type Dream struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Text            string
	Interpretations Interpretations
	CreatedAt       time.Time
}
