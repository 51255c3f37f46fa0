package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/approval"
	"ferrepos/backend/internal/domain"
)

func (s *Service) pendingShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	shift, err := s.loadShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.State != domain.ShiftStatePendingApproval {
		return nil, apperror.NewInvalidState(fmt.Sprintf("shift is %s", shift.State)).
			WithDetail("shift_id", shift.ID)
	}
	return shift, nil
}

func toTokenResponse(token approval.Token) domain.ApprovalTokenResponse {
	return domain.ApprovalTokenResponse{
		ApprovalToken: token.Value,
		ShiftID:       token.ShiftID,
		ApprovedBy:    token.ApprovedBy.ID,
		ExpiresAt:     token.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// IssueApproval lets a signed-in admin approve another cashier's pending
// close from their own session.
func (s *Service) IssueApproval(ctx context.Context, req domain.ApprovalIssueRequest) (domain.ApprovalTokenResponse, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}
	shift, err := s.pendingShift(ctx, req.ShiftID)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}

	token, err := s.approver.IssueFor(ctx, actor.ID, shift.ID, shift.CashierID)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}
	s.logAudit(ctx, "approval_issued", "shift", shift.ID, "approver="+token.ApprovedBy.ID)
	return toTokenResponse(token), nil
}

// VerifyApproval takes an approver's credentials typed at the cashier's
// terminal and returns a token for that shift only. A refused approver
// reverts the close request like a rejected token does.
func (s *Service) VerifyApproval(ctx context.Context, req domain.ApprovalVerifyRequest) (domain.ApprovalTokenResponse, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return domain.ApprovalTokenResponse{}, apperror.NewInvalidInput("email and password are required")
	}
	shift, err := s.pendingShift(ctx, req.ShiftID)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}
	if err := requireShiftOwner(actor, shift); err != nil {
		return domain.ApprovalTokenResponse{}, err
	}

	approver, err := s.approver.Authorize(ctx, shift.CashierID, approval.Credential{Email: email, Secret: req.Password})
	if err != nil {
		s.logAudit(ctx, "approval_rejected", "shift", shift.ID, "code="+apperror.CodeOf(err))
		return domain.ApprovalTokenResponse{}, s.rejectClose(ctx, *shift, err)
	}
	token, err := s.approver.Issue(ctx, approver, shift.ID, shift.CashierID)
	if err != nil {
		return domain.ApprovalTokenResponse{}, err
	}
	s.logAudit(ctx, "approval_issued", "shift", shift.ID, "approver="+approver.ID)
	return toTokenResponse(token), nil
}
