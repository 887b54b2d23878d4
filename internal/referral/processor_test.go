package referral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
)

// memStorage повторяет семантику CreateReferral репозитория в памяти:
// код резолвится по таблице пользователей, связь уникальна по приглашённому,
// бонусы считаются начисленными атомарно вместе со связью.
type memStorage struct {
	mu        sync.Mutex
	codes     map[string]uuid.UUID
	referrals map[uuid.UUID]*model.Referral
	credits   map[uuid.UUID]int
}

func newMemStorage() *memStorage {
	return &memStorage{
		codes:     make(map[string]uuid.UUID),
		referrals: make(map[uuid.UUID]*model.Referral),
		credits:   make(map[uuid.UUID]int),
	}
}

func (s *memStorage) CreateReferral(ctx context.Context, code string, newUserID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referrals[newUserID]; ok {
		return uuid.Nil, repository.ErrAlreadyReferred
	}

	referrerID, ok := s.codes[code]
	if !ok {
		return uuid.Nil, repository.ErrInvalidReferralCode
	}

	if referrerID == newUserID {
		return uuid.Nil, repository.ErrSelfReferral
	}

	s.referrals[newUserID] = &model.Referral{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: newUserID,
		Status:     model.ReferralStatusCompleted,
		CreatedAt:  time.Now(),
	}
	s.credits[referrerID] += model.ReferralBonus
	s.credits[newUserID] += model.ReferralBonus

	return referrerID, nil
}

func (s *memStorage) GetReferralForUser(ctx context.Context, referredID uuid.UUID) (*model.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.referrals[referredID], nil
}

func newTestProcessor(t *testing.T, s Storage) *Processor {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewProcessor(s, logger)
}

func TestProcess_HappyPath(t *testing.T) {
	s := newMemStorage()
	referrerID := uuid.New()
	s.codes["a1b2c3d4"] = referrerID

	p := newTestProcessor(t, s)
	newUserID := uuid.New()

	if err := p.Process(context.Background(), "a1b2c3d4", newUserID); err != nil {
		t.Fatalf("Process error: %v", err)
	}

	ref, err := p.GetReferralForUser(context.Background(), newUserID)
	if err != nil {
		t.Fatalf("GetReferralForUser error: %v", err)
	}
	if ref == nil || ref.ReferrerID != referrerID {
		t.Fatalf("referral = %+v, want referrer %s", ref, referrerID)
	}

	if s.credits[referrerID] != model.ReferralBonus {
		t.Fatalf("referrer credits = %d, want %d", s.credits[referrerID], model.ReferralBonus)
	}
	if s.credits[newUserID] != model.ReferralBonus {
		t.Fatalf("referred credits = %d, want %d", s.credits[newUserID], model.ReferralBonus)
	}
}

func TestProcess_SecondAttemptRejected(t *testing.T) {
	s := newMemStorage()
	s.codes["a1b2c3d4"] = uuid.New()
	s.codes["deadbeef"] = uuid.New()

	p := newTestProcessor(t, s)
	newUserID := uuid.New()

	if err := p.Process(context.Background(), "a1b2c3d4", newUserID); err != nil {
		t.Fatalf("first Process error: %v", err)
	}

	// Повторное применение отклоняется даже с другим валидным кодом.
	err := p.Process(context.Background(), "deadbeef", newUserID)
	if !errors.Is(err, repository.ErrAlreadyReferred) {
		t.Fatalf("second Process = %v, want ErrAlreadyReferred", err)
	}

	if s.credits[newUserID] != model.ReferralBonus {
		t.Fatalf("referred credits = %d, want exactly one bonus %d", s.credits[newUserID], model.ReferralBonus)
	}
}

func TestProcess_SelfReferral(t *testing.T) {
	s := newMemStorage()
	userID := uuid.New()
	s.codes["a1b2c3d4"] = userID

	p := newTestProcessor(t, s)

	err := p.Process(context.Background(), "a1b2c3d4", userID)
	if !errors.Is(err, repository.ErrSelfReferral) {
		t.Fatalf("Process = %v, want ErrSelfReferral", err)
	}

	if s.credits[userID] != 0 {
		t.Fatalf("credits = %d, want 0", s.credits[userID])
	}
}

func TestProcess_InvalidCode(t *testing.T) {
	s := newMemStorage()
	p := newTestProcessor(t, s)

	// Валидный по форме, но не принадлежащий никому код.
	err := p.Process(context.Background(), "0badc0de", uuid.New())
	if !errors.Is(err, repository.ErrInvalidReferralCode) {
		t.Fatalf("Process = %v, want ErrInvalidReferralCode", err)
	}
}

func TestProcess_MalformedCodeRejectedBeforeStorage(t *testing.T) {
	s := newMemStorage()
	p := newTestProcessor(t, s)

	for _, code := range []string{"", "SHOUTING", "short", "a1b2c3d4e5"} {
		err := p.Process(context.Background(), code, uuid.New())
		if !errors.Is(err, repository.ErrInvalidReferralCode) {
			t.Fatalf("Process(%q) = %v, want ErrInvalidReferralCode", code, err)
		}
	}

	if len(s.referrals) != 0 {
		t.Fatalf("storage must not be touched for malformed codes")
	}
}
