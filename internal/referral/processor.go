// Package referral реализует обработку реферальных кодов при регистрации.
package referral

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
	"github.com/ramelapp/dreamcredit-system/internal/validation"
)

// Storage описывает контракт хранилища реферальных связей.
// CreateReferral обязан выполнять создание связи и начисление бонусов
// обеим сторонам атомарно.
type Storage interface {
	CreateReferral(ctx context.Context, code string, newUserID uuid.UUID) (uuid.UUID, error)
	GetReferralForUser(ctx context.Context, referredID uuid.UUID) (*model.Referral, error)
}

// Processor применяет реферальные коды: не более одного раза на приглашённого.
type Processor struct {
	storage Storage
	logger  *zap.Logger
}

// NewProcessor создаёт обработчик рефералов поверх указанного хранилища.
func NewProcessor(storage Storage, logger *zap.Logger) *Processor {
	return &Processor{
		storage: storage,
		logger:  logger,
	}
}

// Process применяет код к новому пользователю. Обе стороны получают
// model.ReferralBonus толкований ровно один раз; повторное применение
// любого кода тем же пользователем отклоняется.
func (p *Processor) Process(ctx context.Context, code string, newUserID uuid.UUID) error {
	if !validation.IsValidReferralCode(code) {
		return repository.ErrInvalidReferralCode
	}

	referrerID, err := p.storage.CreateReferral(ctx, code, newUserID)
	if err != nil {
		return fmt.Errorf("create referral: %w", err)
	}

	p.logger.Info("referral processed",
		zap.String("referrerID", referrerID.String()),
		zap.String("referredID", newUserID.String()),
	)

	return nil
}

// GetReferralForUser возвращает связь, в которой пользователь является приглашённым,
// или nil, если пользователь не был приглашён.
func (p *Processor) GetReferralForUser(ctx context.Context, referredID uuid.UUID) (*model.Referral, error) {
	return p.storage.GetReferralForUser(ctx, referredID)
}
