// Package admin is the role-gated administration surface over the ledger.
// Callers arrive with a verified role from the authentication collaborator;
// every mutation re-validates it here. Targets are resolved through the
// identity mirror first — admin operations never auto-create a user.
package admin

import (
	"fmt"

	"github.com/tally-network/tallyd/internal/app/identity"
	"github.com/tally-network/tallyd/internal/app/ledger"
	"github.com/tally-network/tallyd/internal/domain"
)

// Service wraps ledger operations with role checks and target resolution.
type Service struct {
	ids    *identity.Service
	ledger *ledger.Service
}

// NewService creates an administration service.
func NewService(ids *identity.Service, led *ledger.Service) *Service {
	return &Service{ids: ids, ledger: led}
}

// BalanceChange reports a balance before and after an admin operation.
type BalanceChange struct {
	UserID   string `json:"user_id"`
	Previous int64  `json:"previous"`
	New      int64  `json:"new"`
}

func (s *Service) authorize(caller *domain.UserAccount) error {
	if caller == nil || !caller.Role.CanAdminister() {
		return domain.ErrPermissionDenied
	}
	return nil
}

// resolveTarget maps an id/email/username reference to a canonical account.
func (s *Service) resolveTarget(ref string) (*domain.UserAccount, error) {
	return s.ids.ResolveUser(ref)
}

// Resolve looks up a target user by id, email, or username.
func (s *Service) Resolve(caller *domain.UserAccount, ref string) (*domain.UserAccount, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	return s.resolveTarget(ref)
}

// Allocate grants credits to the target user.
func (s *Service) Allocate(caller *domain.UserAccount, targetRef string, credits int64, expiryDays int, notes string) (*domain.CreditAllocation, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	target, err := s.resolveTarget(targetRef)
	if err != nil {
		return nil, err
	}
	return s.ledger.Allocate(target.UserID, credits, caller.UserID, expiryDays, notes)
}

// SetBalance forces the target's balance to an absolute value.
func (s *Service) SetBalance(caller *domain.UserAccount, targetRef string, credits int64, expiryDays int, notes string) (*BalanceChange, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	target, err := s.resolveTarget(targetRef)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.ledger.SetAbsolute(target.UserID, credits, caller.UserID, expiryDays, notes)
	if err != nil {
		return nil, err
	}
	return &BalanceChange{UserID: target.UserID, Previous: prev, New: next}, nil
}

// Adjust applies a signed delta to the target's balance.
func (s *Service) Adjust(caller *domain.UserAccount, targetRef string, delta int64, expiryDays int, notes string) (*BalanceChange, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	target, err := s.resolveTarget(targetRef)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.ledger.Adjust(target.UserID, delta, caller.UserID, expiryDays, notes)
	if err != nil {
		return nil, err
	}
	return &BalanceChange{UserID: target.UserID, Previous: prev, New: next}, nil
}

// Remove deducts credits from the target ("remove" in admin terms).
func (s *Service) Remove(caller *domain.UserAccount, targetRef string, credits int64) (*BalanceChange, error) {
	if err := s.authorize(caller); err != nil {
		return nil, err
	}
	if credits <= 0 {
		return nil, fmt.Errorf("%w: remove %d", domain.ErrInvalidAmount, credits)
	}
	target, err := s.resolveTarget(targetRef)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.ledger.Adjust(target.UserID, -credits, caller.UserID, 0, "admin removal")
	if err != nil {
		return nil, err
	}
	return &BalanceChange{UserID: target.UserID, Previous: prev, New: next}, nil
}

// Balance reads the target's balance.
func (s *Service) Balance(caller *domain.UserAccount, targetRef string) (*domain.UserAccount, domain.BalanceSummary, error) {
	if err := s.authorize(caller); err != nil {
		return nil, domain.BalanceSummary{}, err
	}
	target, err := s.resolveTarget(targetRef)
	if err != nil {
		return nil, domain.BalanceSummary{}, err
	}
	bal, err := s.ledger.Balance(target.UserID)
	return target, bal, err
}
