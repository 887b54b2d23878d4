package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
)

// memStorage повторяет семантику PostgresRepository в памяти:
// ленивое создание записи и атомарное списание под мьютексом.
type memStorage struct {
	mu      sync.Mutex
	records map[uuid.UUID]*model.UsageRecord
}

func newMemStorage() *memStorage {
	return &memStorage{records: make(map[uuid.UUID]*model.UsageRecord)}
}

func (s *memStorage) ensure(userID uuid.UUID) *model.UsageRecord {
	rec, ok := s.records[userID]
	if !ok {
		rec = &model.UsageRecord{UserID: userID}
		s.records[userID] = rec
	}
	return rec
}

func (s *memStorage) GetUsage(ctx context.Context, userID uuid.UUID) (*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(userID)
	cp := *rec
	return &cp, nil
}

func (s *memStorage) ConsumeCredit(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(userID)
	if !rec.CanConsume() {
		return repository.ErrInsufficientCredit
	}

	if rec.PaidRemaining > 0 {
		rec.PaidRemaining--
	} else {
		rec.FreeUsed++
	}
	return nil
}

func (s *memStorage) AddCredits(ctx context.Context, userID uuid.UUID, amount int, markPayment bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(userID)
	rec.PaidRemaining += amount
	return nil
}

func TestGetBalance_NewUser(t *testing.T) {
	l := New(newMemStorage())
	userID := uuid.New()

	b, err := l.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}

	if b.FreeUsed != 0 || b.PaidRemaining != 0 {
		t.Fatalf("new user balance = %+v, want zero counters", b)
	}
	if b.TotalAvailable != model.FreeQuota {
		t.Fatalf("TotalAvailable = %d, want %d", b.TotalAvailable, model.FreeQuota)
	}

	ok, err := l.CanConsume(context.Background(), userID)
	if err != nil {
		t.Fatalf("CanConsume error: %v", err)
	}
	if !ok {
		t.Fatalf("new user must be able to consume")
	}
}

func TestCanConsume_ExhaustedQuota(t *testing.T) {
	s := newMemStorage()
	userID := uuid.New()
	s.records[userID] = &model.UsageRecord{UserID: userID, FreeUsed: model.FreeQuota}

	l := New(s)

	ok, err := l.CanConsume(context.Background(), userID)
	if err != nil {
		t.Fatalf("CanConsume error: %v", err)
	}
	if ok {
		t.Fatalf("user with exhausted quota must not be able to consume")
	}

	b, err := l.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if b.TotalAvailable != 0 {
		t.Fatalf("TotalAvailable = %d, want 0", b.TotalAvailable)
	}
}

func TestConsumeOne_PrefersPaidCredits(t *testing.T) {
	s := newMemStorage()
	userID := uuid.New()
	s.records[userID] = &model.UsageRecord{UserID: userID, FreeUsed: 2, PaidRemaining: 1}

	l := New(s)

	if err := l.ConsumeOne(context.Background(), userID); err != nil {
		t.Fatalf("ConsumeOne error: %v", err)
	}

	b, _ := l.GetBalance(context.Background(), userID)
	if b.PaidRemaining != 0 {
		t.Fatalf("PaidRemaining = %d, want 0 (paid credit spent first)", b.PaidRemaining)
	}
	if b.FreeUsed != 2 {
		t.Fatalf("FreeUsed = %d, want 2 (free quota untouched)", b.FreeUsed)
	}

	if err := l.ConsumeOne(context.Background(), userID); err != nil {
		t.Fatalf("ConsumeOne error: %v", err)
	}

	b, _ = l.GetBalance(context.Background(), userID)
	if b.FreeUsed != 3 {
		t.Fatalf("FreeUsed = %d, want 3", b.FreeUsed)
	}
}

func TestCreditConsume_RoundTrip(t *testing.T) {
	s := newMemStorage()
	userID := uuid.New()
	s.records[userID] = &model.UsageRecord{UserID: userID, FreeUsed: model.FreeQuota, PaidRemaining: 2}

	l := New(s)
	ctx := context.Background()

	const amount = 7
	if err := l.Credit(ctx, userID, amount, false); err != nil {
		t.Fatalf("Credit error: %v", err)
	}

	for i := 0; i < amount; i++ {
		if err := l.ConsumeOne(ctx, userID); err != nil {
			t.Fatalf("ConsumeOne #%d error: %v", i+1, err)
		}
	}

	b, _ := l.GetBalance(ctx, userID)
	if b.PaidRemaining != 2 {
		t.Fatalf("PaidRemaining = %d, want pre-credit value 2", b.PaidRemaining)
	}
}

func TestConsumeOne_AtMostAvailable(t *testing.T) {
	s := newMemStorage()
	userID := uuid.New()
	s.records[userID] = &model.UsageRecord{UserID: userID, FreeUsed: model.FreeQuota, PaidRemaining: 3}

	l := New(s)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.ConsumeOne(ctx, userID)
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrInsufficientCredit):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 3 {
		t.Fatalf("succeeded = %d, want exactly 3 (available credits)", succeeded)
	}
	if insufficient != workers-3 {
		t.Fatalf("insufficient = %d, want %d", insufficient, workers-3)
	}

	b, _ := l.GetBalance(ctx, userID)
	if b.PaidRemaining != 0 {
		t.Fatalf("PaidRemaining = %d, want 0", b.PaidRemaining)
	}
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(newMemStorage())

	for _, amount := range []int{0, -5} {
		if err := l.Credit(context.Background(), uuid.New(), amount, false); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Credit(%d) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}
