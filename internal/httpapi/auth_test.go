package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
)

type userStoreStub struct {
	mu     sync.Mutex
	users  map[string]domain.UserAccount
	failed bool
}

func (s *userStoreStub) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return nil, errors.New("connection refused")
	}
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStoreStub) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.ID] = user
	return nil
}

func newStubWithUser(t *testing.T, role string, active bool) *userStoreStub {
	t.Helper()
	hash, err := hashPassword("pass1234")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &userStoreStub{users: map[string]domain.UserAccount{
		"usr_1": {
			ID:           "usr_1",
			Email:        "maria@ferrepos.local",
			Name:         "Maria",
			PasswordHash: hash,
			Role:         role,
			Active:       active,
			CreatedAt:    time.Now().UTC(),
		},
	}}
}

func TestAuthenticateChecksBcryptHash(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubWithUser(t, domain.RoleAdmin, true))

	identity, err := manager.Authenticate(context.Background(), "  MARIA@ferrepos.local ", "pass1234")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if identity.ID != "usr_1" || identity.Role != domain.RoleAdmin || !identity.Active {
		t.Fatalf("unexpected identity %+v", identity)
	}

	for _, tc := range []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "maria@ferrepos.local", "pass12345"},
		{"unknown email", "nobody@ferrepos.local", "pass1234"},
		{"empty password", "maria@ferrepos.local", ""},
	} {
		if _, err := manager.Authenticate(context.Background(), tc.email, tc.password); !errors.Is(err, apperror.ErrAuthorizationFailed) {
			t.Fatalf("%s: expected authorization failure, got %v", tc.name, err)
		}
	}
}

func TestAuthenticateReportsStoreFailure(t *testing.T) {
	users := newStubWithUser(t, domain.RoleAdmin, true)
	users.failed = true
	manager := NewAuthManager("test-secret", time.Hour, users)

	_, err := manager.Authenticate(context.Background(), "maria@ferrepos.local", "pass1234")
	if apperror.CodeOf(err) != apperror.CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubWithUser(t, domain.RoleCashier, false))

	_, err := manager.Login(context.Background(), domain.LoginRequest{Email: "maria@ferrepos.local", Password: "pass1234"})
	if !errors.Is(err, apperror.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestLoginTokenRoundTrip(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubWithUser(t, domain.RoleCashier, true))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Email: "maria@ferrepos.local", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	identity, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if identity.ID != "usr_1" || identity.Role != domain.RoleCashier || identity.Email != "maria@ferrepos.local" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, newStubWithUser(t, domain.RoleCashier, true))
	issuedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return issuedAt }

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Email: "maria@ferrepos.local", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	manager.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if _, err := manager.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil)
	token, err := manager.sign(domain.Identity{ID: "usr_1", Role: "owner"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token with unknown role to be rejected")
	}
}

func TestLookupIdentity(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubWithUser(t, domain.RoleAdmin, false))

	identity, err := manager.LookupIdentity(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if identity.Active {
		t.Fatalf("expected inactive identity to be reported as such")
	}

	if _, err := manager.LookupIdentity(context.Background(), "usr_missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnsureAdminCreatesOnce(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)

	created, err := manager.EnsureAdmin(context.Background(), "Jefe@Ferrepos.local", "bootstrap-pass")
	if err != nil || !created {
		t.Fatalf("expected admin to be created, got created=%v err=%v", created, err)
	}
	created, err = manager.EnsureAdmin(context.Background(), "jefe@ferrepos.local", "bootstrap-pass")
	if err != nil || created {
		t.Fatalf("expected existing admin to be kept, got created=%v err=%v", created, err)
	}
	if len(users.users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users.users))
	}
	for _, user := range users.users {
		if user.Role != domain.RoleAdmin || !isPasswordHash(user.PasswordHash) {
			t.Fatalf("unexpected bootstrap user %+v", user)
		}
	}

	identity, err := manager.Authenticate(context.Background(), "jefe@ferrepos.local", "bootstrap-pass")
	if err != nil || identity.Role != domain.RoleAdmin {
		t.Fatalf("bootstrap admin cannot authenticate: %v", err)
	}

	if _, err := manager.EnsureAdmin(context.Background(), "short@ferrepos.local", "short"); err == nil {
		t.Fatalf("expected short bootstrap password to be rejected")
	}
}

func TestVerifyPasswordRejectsPlainText(t *testing.T) {
	if verifyPassword("admin123", "admin123") {
		t.Fatalf("plain-text stored password must never verify")
	}
	hash, err := hashPassword("admin123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !verifyPassword(hash, "admin123") {
		t.Fatalf("expected bcrypt hash to verify")
	}
}
