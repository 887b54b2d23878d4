// Package ledger реализует учёт кредитов толкований — единственную точку
// чтения и изменения балансов пользователей.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

// ErrInvalidAmount возвращается при попытке начислить неположительное количество кредитов.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// Storage описывает контракт хранилища счётчиков, используемый леджером.
// Реализация обязана выполнять ConsumeCredit атомарно по отношению
// к конкурентным списаниям и начислениям того же пользователя.
type Storage interface {
	GetUsage(ctx context.Context, userID uuid.UUID) (*model.UsageRecord, error)
	ConsumeCredit(ctx context.Context, userID uuid.UUID) error
	AddCredits(ctx context.Context, userID uuid.UUID, amount int, markPayment bool) error
}

// Ledger — учёт кредитов толкований поверх хранилища.
type Ledger struct {
	storage Storage
}

// New создаёт леджер поверх указанного хранилища.
func New(storage Storage) *Ledger {
	return &Ledger{storage: storage}
}

// GetBalance возвращает баланс пользователя. Для нового пользователя
// запись создаётся лениво и баланс равен бесплатной квоте.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	rec, err := l.storage.GetUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}

	return &model.Balance{
		FreeUsed:       rec.FreeUsed,
		PaidRemaining:  rec.PaidRemaining,
		TotalAvailable: rec.TotalAvailable(),
		ReferralCount:  rec.ReferralCount,
	}, nil
}

// CanConsume сообщает, доступно ли пользователю хотя бы одно толкование.
// Ответ носит рекомендательный характер: окончательная проверка выполняется
// хранилищем в момент списания.
func (l *Ledger) CanConsume(ctx context.Context, userID uuid.UUID) (bool, error) {
	rec, err := l.storage.GetUsage(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get usage: %w", err)
	}
	return rec.CanConsume(), nil
}

// ConsumeOne списывает одно толкование: сначала расходуются платные кредиты,
// затем бесплатная квота. Возвращает repository.ErrInsufficientCredit,
// если к моменту фиксации остаток исчерпан.
func (l *Ledger) ConsumeOne(ctx context.Context, userID uuid.UUID) error {
	return l.storage.ConsumeCredit(ctx, userID)
}

// Credit начисляет пользователю платные толкования.
// Дедупликация повторных начислений — ответственность вызывающего.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int, markPayment bool) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.storage.AddCredits(ctx, userID, amount, markPayment)
}
