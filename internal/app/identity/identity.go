// Package identity maintains the local mirror of externally-authenticated
// subjects. Token verification happens upstream; this service only trusts
// the verified (id, username, email, role) tuple it is handed.
package identity

import (
	"fmt"

	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// Service is the identity mirror.
type Service struct {
	db *sqlite.DB
}

// NewService creates an identity mirror service.
func NewService(db *sqlite.DB) *Service {
	return &Service{db: db}
}

// EnsureUser performs the lazy idempotent upsert: created on first contact,
// attributes refreshed from the latest claim on every subsequent one. Role
// changes at the identity provider propagate here.
func (s *Service) EnsureUser(userID, username, email string, role domain.Role) (*domain.UserAccount, error) {
	if userID == "" {
		return nil, domain.ErrUserNotFound
	}
	acct := domain.UserAccount{
		UserID:   userID,
		Username: username,
		Email:    email,
		Role:     role,
	}
	if err := s.db.UpsertUser(acct); err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", userID, err)
	}
	return s.db.GetUser(userID)
}

// GetUser fetches a user by opaque id.
func (s *Service) GetUser(userID string) (*domain.UserAccount, error) {
	u, err := s.db.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

// ResolveUser resolves an id, email, or username to exactly one account.
// Resolution is an explicit step: mutations never fabricate an identity
// from an ambiguous string. Multiple matches mean the storage uniqueness
// invariant was violated and are surfaced as a data-integrity fault.
func (s *Service) ResolveUser(ref string) (*domain.UserAccount, error) {
	if ref == "" {
		return nil, domain.ErrUserNotFound
	}

	u, err := s.db.GetUser(ref)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	for _, find := range []func(string) ([]domain.UserAccount, error){
		s.db.FindUsersByEmail,
		s.db.FindUsersByUsername,
	} {
		matches, err := find(ref)
		if err != nil {
			return nil, err
		}
		if len(matches) > 1 {
			return nil, fmt.Errorf("%w: %q", domain.ErrAmbiguousUser, ref)
		}
		if len(matches) == 1 {
			return &matches[0], nil
		}
	}

	return nil, domain.ErrUserNotFound
}
