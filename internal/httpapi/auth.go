package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/xid"
)

const sessionIssuer = "ferrepos"

// AuthManager issues session tokens and is the identity provider behind
// the approval gate.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	now      func() time.Time
	// dummyHash keeps the bcrypt cost paid when an email is unknown.
	dummyHash []byte
}

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("ferrepos-dummy-password"), bcrypt.DefaultCost)

	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		users:     users,
		now:       time.Now,
		dummyHash: dummy,
	}
}

// Authenticate checks email and password against the user store. Inactive
// accounts authenticate but come back with Active false; callers decide.
func (a *AuthManager) Authenticate(ctx context.Context, email string, secret string) (domain.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || secret == "" {
		return domain.Identity{}, apperror.NewAuthorizationFailed()
	}

	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(secret))
		if errors.Is(err, store.ErrNotFound) {
			return domain.Identity{}, apperror.NewAuthorizationFailed()
		}
		return domain.Identity{}, apperror.NewInternal(err)
	}
	if !verifyPassword(user.PasswordHash, secret) {
		return domain.Identity{}, apperror.NewAuthorizationFailed()
	}
	return toIdentity(*user), nil
}

func (a *AuthManager) LookupIdentity(ctx context.Context, id string) (domain.Identity, error) {
	user, err := a.users.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Identity{}, apperror.NewNotFound("user", id)
		}
		return domain.Identity{}, apperror.NewInternal(err)
	}
	return toIdentity(*user), nil
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	identity, err := a.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if apperror.CodeOf(err) == apperror.CodeInternal {
			return domain.LoginResponse{}, err
		}
		return domain.LoginResponse{}, apperror.NewUnauthorized("invalid credentials")
	}
	if !identity.Active {
		return domain.LoginResponse{}, apperror.NewUnauthorized("invalid credentials")
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(identity, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, apperror.NewInternal(err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        identity.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken resolves a session token into the caller identity. The account
// is not re-read; approvals re-check it through LookupIdentity.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Identity, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(sessionIssuer),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return domain.Identity{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Identity{}, errors.New("invalid token subject")
	}
	if !domain.IsKnownRole(claims.Role) {
		return domain.Identity{}, errors.New("invalid token role")
	}
	return domain.Identity{ID: sub, Email: claims.Email, Role: claims.Role, Active: true}, nil
}

func (a *AuthManager) sign(identity domain.Identity, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    sessionIssuer,
		},
		Role:  identity.Role,
		Email: identity.Email,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// EnsureAdmin creates an admin account for email unless one already exists.
// It is how a fresh database gets its first user.
func (a *AuthManager) EnsureAdmin(ctx context.Context, email string, password string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < 8 {
		return false, apperror.NewInvalidInput("bootstrap admin needs an email and a password of at least 8 characters")
	}
	if _, err := a.users.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return false, err
	}
	err = a.users.CreateUser(ctx, domain.UserAccount{
		ID:           xid.New("usr"),
		Email:        email,
		Name:         "Administrador",
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		Active:       true,
		CreatedAt:    a.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func toIdentity(user domain.UserAccount) domain.Identity {
	return domain.Identity{
		ID:     user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Role:   user.Role,
		Active: user.Active,
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
