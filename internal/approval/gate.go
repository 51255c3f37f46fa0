// Package approval implements the dual-custody check for closing a shift.
//
// A privileged user proves who they are to the server once, through a
// credential check or their own authenticated session, and receives a
// short-lived token bound to one shift. The cashier's terminal only ever
// handles that token. Redeeming consumes it, so it works at most once.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/cache"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/xid"
)

const tokenIssuer = "ferrepos-approval"

// IdentityProvider verifies credentials and resolves user ids.
type IdentityProvider interface {
	Authenticate(ctx context.Context, email string, secret string) (domain.Identity, error)
	LookupIdentity(ctx context.Context, id string) (domain.Identity, error)
}

type Credential struct {
	Email  string
	Secret string
}

type Token struct {
	Value      string
	ShiftID    string
	ApprovedBy domain.Identity
	ExpiresAt  time.Time
}

type approvalClaims struct {
	jwtlib.RegisteredClaims
	ShiftID   string `json:"shift_id"`
	CashierID string `json:"cashier_id"`
}

type grant struct {
	ApproverID string `json:"approver_id"`
	ShiftID    string `json:"shift_id"`
	CashierID  string `json:"cashier_id"`
}

type Gate struct {
	identities IdentityProvider
	grants     cache.GrantStore
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewGate(identities IdentityProvider, grants cache.GrantStore, secret string, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if grants == nil {
		grants = cache.NewMemoryGrantStore()
	}
	return &Gate{
		identities: identities,
		grants:     grants,
		secret:     []byte(secret),
		ttl:        ttl,
		now:        time.Now,
	}
}

// Authorize verifies cred with the identity provider and then checks that the
// resolved identity may approve a shift owned by cashierID. The secret is not
// kept after this call.
func (g *Gate) Authorize(ctx context.Context, cashierID string, cred Credential) (domain.Identity, error) {
	email := strings.TrimSpace(cred.Email)
	if email == "" || cred.Secret == "" {
		metrics.IncApprovalAttempt("rejected")
		return domain.Identity{}, apperror.NewAuthorizationFailed()
	}

	identity, err := g.identities.Authenticate(ctx, email, cred.Secret)
	if err != nil {
		metrics.IncApprovalAttempt("rejected")
		logger.Warn(ctx, "approval credential rejected", "cashier_id", cashierID)
		return domain.Identity{}, apperror.NewAuthorizationFailed()
	}
	if err := CheckApprover(identity, cashierID); err != nil {
		metrics.IncApprovalAttempt("insufficient_privilege")
		logger.Warn(ctx, "approval identity lacks privilege",
			"approver_id", identity.ID, "role", identity.Role, "cashier_id", cashierID)
		return domain.Identity{}, err
	}
	return identity, nil
}

// CheckApprover enforces the role and separation rules on an already
// authenticated identity.
func CheckApprover(identity domain.Identity, cashierID string) error {
	if !identity.Active {
		return apperror.NewAuthorizationFailed()
	}
	if identity.Role != domain.RoleAdmin {
		return apperror.NewInsufficientPrivilege("approver must hold the admin role")
	}
	if identity.ID == cashierID {
		return apperror.NewInsufficientPrivilege("approver must be different from the cashier")
	}
	return nil
}

// Issue mints a one-time token for shiftID on behalf of approver.
func (g *Gate) Issue(ctx context.Context, approver domain.Identity, shiftID string, cashierID string) (Token, error) {
	if strings.TrimSpace(shiftID) == "" {
		return Token{}, apperror.NewInvalidInput("shift_id is required")
	}
	if err := CheckApprover(approver, cashierID); err != nil {
		metrics.IncApprovalAttempt("insufficient_privilege")
		return Token{}, err
	}

	now := g.now().UTC()
	expiresAt := now.Add(g.ttl)
	jti := xid.New("apr")

	payload, err := json.Marshal(grant{ApproverID: approver.ID, ShiftID: shiftID, CashierID: cashierID})
	if err != nil {
		return Token{}, apperror.NewInternal(err)
	}
	stored, err := g.grants.Put(ctx, jti, payload, g.ttl)
	if err != nil {
		return Token{}, apperror.NewInternal(fmt.Errorf("store approval grant: %w", err))
	}
	if !stored {
		return Token{}, apperror.NewInternal(errors.New("approval grant id collision"))
	}

	claims := approvalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        jti,
			Subject:   approver.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		ShiftID:   shiftID,
		CashierID: cashierID,
	}
	value, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return Token{}, apperror.NewInternal(err)
	}

	metrics.IncApprovalAttempt("issued")
	logger.Info(ctx, "approval token issued", "shift_id", shiftID, "approver_id", approver.ID)
	return Token{Value: value, ShiftID: shiftID, ApprovedBy: approver, ExpiresAt: expiresAt}, nil
}

// IssueFor re-reads approverID from the identity provider before issuing, for
// callers that only hold a session subject.
func (g *Gate) IssueFor(ctx context.Context, approverID string, shiftID string, cashierID string) (Token, error) {
	approver, err := g.identities.LookupIdentity(ctx, approverID)
	if err != nil {
		metrics.IncApprovalAttempt("rejected")
		return Token{}, apperror.NewAuthorizationFailed()
	}
	return g.Issue(ctx, approver, shiftID, cashierID)
}

// Redeem consumes token for shiftID and returns the approver. The approver's
// account is re-read so a demotion or deactivation after issue still blocks.
func (g *Gate) Redeem(ctx context.Context, token string, shiftID string, cashierID string) (domain.Identity, error) {
	claims := &approvalClaims{}
	parsed, err := jwtlib.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithTimeFunc(g.now),
	)
	if err != nil || !parsed.Valid {
		return g.rejectRedeem(ctx, shiftID, "invalid token")
	}
	if claims.ShiftID != shiftID || claims.CashierID != cashierID || claims.ID == "" {
		return g.rejectRedeem(ctx, shiftID, "token bound to another shift")
	}

	raw, found, err := g.grants.Take(ctx, claims.ID)
	if err != nil {
		return domain.Identity{}, apperror.NewInternal(fmt.Errorf("redeem approval grant: %w", err))
	}
	if !found {
		return g.rejectRedeem(ctx, shiftID, "token already used or expired")
	}
	var stored grant
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.Identity{}, apperror.NewInternal(err)
	}
	if stored.ShiftID != shiftID || stored.ApproverID != claims.Subject {
		return g.rejectRedeem(ctx, shiftID, "grant does not match token")
	}

	approver, err := g.identities.LookupIdentity(ctx, stored.ApproverID)
	if err != nil {
		return g.rejectRedeem(ctx, shiftID, "approver not found")
	}
	if err := CheckApprover(approver, cashierID); err != nil {
		metrics.IncApprovalAttempt("insufficient_privilege")
		return domain.Identity{}, err
	}

	metrics.IncApprovalAttempt("redeemed")
	return approver, nil
}

func (g *Gate) rejectRedeem(ctx context.Context, shiftID string, reason string) (domain.Identity, error) {
	metrics.IncApprovalAttempt("redeem_rejected")
	logger.Warn(ctx, "approval token rejected", "shift_id", shiftID, "reason", reason)
	return domain.Identity{}, apperror.NewAuthorizationFailed()
}
