package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ramelapp/dreamcredit-system/internal/model"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
)

type stubRepo struct {
	Repository

	users  map[string]*model.User
	dreams []model.Dream

	createUserErr error
	saveDreamErr  error
}

func newStubRepo() *stubRepo {
	return &stubRepo{users: make(map[string]*model.User)}
}

func (r *stubRepo) CreateUser(_ context.Context, u *model.User) error {
	if r.createUserErr != nil {
		return r.createUserErr
	}
	if _, ok := r.users[u.Login]; ok {
		return repository.ErrUserExists
	}
	r.users[u.Login] = u
	return nil
}

func (r *stubRepo) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	u, ok := r.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (r *stubRepo) SaveDream(_ context.Context, d *model.Dream) error {
	if r.saveDreamErr != nil {
		return r.saveDreamErr
	}
	r.dreams = append(r.dreams, *d)
	return nil
}

type stubLedger struct {
	canConsume    bool
	consumeErr    error
	consumedCalls int
}

func (l *stubLedger) GetBalance(context.Context, uuid.UUID) (*model.Balance, error) {
	return &model.Balance{}, nil
}

func (l *stubLedger) CanConsume(context.Context, uuid.UUID) (bool, error) {
	return l.canConsume, nil
}

func (l *stubLedger) ConsumeOne(context.Context, uuid.UUID) error {
	if l.consumeErr != nil {
		return l.consumeErr
	}
	l.consumedCalls++
	return nil
}

type stubInterpreter struct {
	err   error
	calls int
}

func (i *stubInterpreter) Interpret(_ context.Context, _ string) (*model.Interpretations, error) {
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	return &model.Interpretations{
		Islamic:       "islamic",
		Spiritual:     "spiritual",
		Psychological: "psychological",
	}, nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, nil, nil, nil, nil)

	ctx := context.Background()

	id, err := svc.RegisterUser(ctx, "user", "password")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("RegisterUser returned nil id")
	}

	u := repo.users["user"]
	if len(u.ReferralCode) != 8 {
		t.Fatalf("referral code = %q, want 8 hex chars", u.ReferralCode)
	}

	got, err := svc.AuthenticateUser(ctx, "user", "password")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if got != id {
		t.Fatalf("AuthenticateUser id = %s, want %s", got, id)
	}

	if _, err := svc.AuthenticateUser(ctx, "user", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("AuthenticateUser with wrong password: %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterUser_DuplicateLogin(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, nil, nil, nil, nil)

	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "user", "password"); err != nil {
		t.Fatalf("first RegisterUser error: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "user", "other"); !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("second RegisterUser: %v, want ErrUserExists", err)
	}
}

func TestInterpretDream_DebitsAfterSuccess(t *testing.T) {
	repo := newStubRepo()
	ledger := &stubLedger{canConsume: true}
	interp := &stubInterpreter{}
	svc := NewService(repo, ledger, nil, nil, interp)

	dream, err := svc.InterpretDream(context.Background(), uuid.New(), "flying over water")
	if err != nil {
		t.Fatalf("InterpretDream error: %v", err)
	}

	if interp.calls != 1 {
		t.Fatalf("interpreter calls = %d, want 1", interp.calls)
	}
	if ledger.consumedCalls != 1 {
		t.Fatalf("consumed calls = %d, want 1", ledger.consumedCalls)
	}
	if len(repo.dreams) != 1 {
		t.Fatalf("saved dreams = %d, want 1", len(repo.dreams))
	}
	if dream.Interpretations.Islamic == "" {
		t.Fatal("dream is missing interpretations")
	}
}

func TestInterpretDream_NoCreditKeepsInterpreterIdle(t *testing.T) {
	ledger := &stubLedger{canConsume: false}
	interp := &stubInterpreter{}
	svc := NewService(newStubRepo(), ledger, nil, nil, interp)

	_, err := svc.InterpretDream(context.Background(), uuid.New(), "falling")
	if !errors.Is(err, repository.ErrInsufficientCredit) {
		t.Fatalf("InterpretDream error = %v, want ErrInsufficientCredit", err)
	}

	if interp.calls != 0 {
		t.Fatalf("interpreter calls = %d, want 0", interp.calls)
	}
	if ledger.consumedCalls != 0 {
		t.Fatalf("consumed calls = %d, want 0", ledger.consumedCalls)
	}
}

func TestInterpretDream_FailedGenerationCostsNothing(t *testing.T) {
	repo := newStubRepo()
	ledger := &stubLedger{canConsume: true}
	interp := &stubInterpreter{err: errors.New("provider down")}
	svc := NewService(repo, ledger, nil, nil, interp)

	_, err := svc.InterpretDream(context.Background(), uuid.New(), "teeth")
	if err == nil {
		t.Fatal("expected error from failed generation")
	}

	if ledger.consumedCalls != 0 {
		t.Fatalf("consumed calls = %d, want 0: failed generation must not cost a credit", ledger.consumedCalls)
	}
	if len(repo.dreams) != 0 {
		t.Fatalf("saved dreams = %d, want 0", len(repo.dreams))
	}
}

func TestInterpretDream_RaceOnLastCredit(t *testing.T) {
	repo := newStubRepo()
	ledger := &stubLedger{canConsume: true, consumeErr: repository.ErrInsufficientCredit}
	svc := NewService(repo, ledger, nil, nil, &stubInterpreter{})

	_, err := svc.InterpretDream(context.Background(), uuid.New(), "chase")
	if !errors.Is(err, repository.ErrInsufficientCredit) {
		t.Fatalf("InterpretDream error = %v, want ErrInsufficientCredit", err)
	}
	if len(repo.dreams) != 0 {
		t.Fatalf("saved dreams = %d, want 0", len(repo.dreams))
	}
}
