// Package ledger implements the credit ledger: allocation grants, balance
// computation, and atomic check-and-deduct. Balance is always recomputed as
// the sum of remaining credits over non-expired allocations — there is no
// cached balance field to drift.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/metrics"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// DefaultExpiryDays is the grant expiry applied when a caller omits one.
const DefaultExpiryDays = 30

// Service manages credit allocations and deductions.
type Service struct {
	db         *sqlite.DB
	expiryDays int
	locks      *userLocks
}

// NewService creates a ledger service. expiryDays <= 0 selects the default
// 30-day grant expiry policy.
func NewService(db *sqlite.DB, expiryDays int) *Service {
	if expiryDays <= 0 {
		expiryDays = DefaultExpiryDays
	}
	return &Service{
		db:         db,
		expiryDays: expiryDays,
		locks:      newUserLocks(),
	}
}

// WithUserLock runs fn while holding the user's ledger mutex. The session
// manager uses this to make reserve-then-record sequences atomic against
// concurrent deductions for the same user.
func (s *Service) WithUserLock(userID string, fn func() error) error {
	mu := s.locks.get(userID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Balance sums remaining credits over the user's non-expired allocations.
// Read-only, no side effects.
func (s *Service) Balance(userID string) (domain.BalanceSummary, error) {
	allocs, err := s.db.ActiveAllocations(userID, time.Now())
	if err != nil {
		return domain.BalanceSummary{}, fmt.Errorf("read allocations: %w", err)
	}
	var sum int64
	for _, a := range allocs {
		sum += a.RemainingCredits
	}
	return domain.BalanceSummary{TotalCredits: sum, ActiveAllocations: len(allocs)}, nil
}

// HasSufficient reports whether the user can afford the required amount.
// required == 0 is trivially true; negative is a caller error.
func (s *Service) HasSufficient(userID string, required int64) (bool, error) {
	if required < 0 {
		return false, fmt.Errorf("%w: required %d", domain.ErrInvalidAmount, required)
	}
	if required == 0 {
		return true, nil
	}
	bal, err := s.Balance(userID)
	if err != nil {
		return false, err
	}
	return bal.TotalCredits >= required, nil
}

// Allocate creates a new credit grant for the user. expiryDays 0 selects
// the configured default; negative means the grant never expires. The user
// mirror row is created if absent (userID must already be a canonical id —
// identity resolution is the caller's job).
func (s *Service) Allocate(userID string, credits int64, allocatedBy string, expiryDays int, notes string) (*domain.CreditAllocation, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: allocate %d", domain.ErrInvalidAmount, credits)
	}

	var alloc *domain.CreditAllocation
	err := s.WithUserLock(userID, func() error {
		var err error
		alloc, err = s.allocateLocked(userID, credits, allocatedBy, expiryDays, notes)
		return err
	})
	return alloc, err
}

// Deduct atomically reduces the user's balance by credits, draining
// oldest-expiring allocations first. All-or-nothing: if Balance < credits
// nothing is mutated and ErrInsufficientCredits is returned with enough
// detail for the caller to act on.
func (s *Service) Deduct(userID string, credits int64) error {
	if credits <= 0 {
		return fmt.Errorf("%w: deduct %d", domain.ErrInvalidAmount, credits)
	}
	return s.WithUserLock(userID, func() error {
		return s.deductLocked(userID, credits)
	})
}

// SetAbsolute forces the user's balance to exactly credits by allocating or
// deducting the difference. Administrative correction path; preserves the
// non-negative invariant by construction. Returns the previous and new
// balance.
func (s *Service) SetAbsolute(userID string, credits int64, setBy string, expiryDays int, notes string) (prev, next int64, err error) {
	if credits < 0 {
		return 0, 0, fmt.Errorf("%w: set balance %d", domain.ErrInvalidAmount, credits)
	}

	err = s.WithUserLock(userID, func() error {
		bal, err := s.Balance(userID)
		if err != nil {
			return err
		}
		prev = bal.TotalCredits

		switch {
		case credits > prev:
			_, err = s.allocateLocked(userID, credits-prev, setBy, expiryDays, notes)
		case credits < prev:
			err = s.deductLocked(userID, prev-credits)
		}
		if err != nil {
			return err
		}
		next = credits
		return nil
	})
	return prev, next, err
}

// Adjust applies a signed delta: positive allocates, negative deducts.
// Fails with ErrInsufficientCredits if the result would be negative.
// Returns the previous and new balance.
func (s *Service) Adjust(userID string, delta int64, adjustedBy string, expiryDays int, notes string) (prev, next int64, err error) {
	if delta == 0 {
		return 0, 0, fmt.Errorf("%w: adjust delta 0", domain.ErrInvalidAmount)
	}

	err = s.WithUserLock(userID, func() error {
		bal, err := s.Balance(userID)
		if err != nil {
			return err
		}
		prev = bal.TotalCredits

		if delta > 0 {
			_, err = s.allocateLocked(userID, delta, adjustedBy, expiryDays, notes)
		} else {
			err = s.deductLocked(userID, -delta)
		}
		if err != nil {
			return err
		}
		next = prev + delta
		return nil
	})
	return prev, next, err
}

// History returns the user's allocations newest first, spent and expired
// rows included.
func (s *Service) History(userID string, limit int) ([]domain.CreditAllocation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListAllocations(userID, limit)
}

// ─── Locked internals ───────────────────────────────────────────────────────
// Callers must hold the user's mutex.

func (s *Service) allocateLocked(userID string, credits int64, allocatedBy string, expiryDays int, notes string) (*domain.CreditAllocation, error) {
	if err := s.ensureUserRow(userID); err != nil {
		return nil, err
	}

	now := time.Now()
	alloc := domain.CreditAllocation{
		ID:               uuid.New().String(),
		UserID:           userID,
		TotalCredits:     credits,
		RemainingCredits: credits,
		AllocatedBy:      allocatedBy,
		CreatedAt:        now,
		Notes:            notes,
	}
	if expiryDays == 0 {
		expiryDays = s.expiryDays
	}
	if expiryDays > 0 {
		alloc.ExpiresAt = now.AddDate(0, 0, expiryDays)
	}

	if err := s.db.InsertAllocation(alloc); err != nil {
		return nil, fmt.Errorf("insert allocation: %w", err)
	}
	metrics.CreditsAllocated.Add(float64(credits))
	return &alloc, nil
}

func (s *Service) deductLocked(userID string, credits int64) error {
	now := time.Now()
	allocs, err := s.db.ActiveAllocations(userID, now)
	if err != nil {
		return fmt.Errorf("read allocations: %w", err)
	}

	var balance int64
	for _, a := range allocs {
		balance += a.RemainingCredits
	}
	if balance < credits {
		metrics.DeductionsRejected.Inc()
		return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientCredits, balance, credits)
	}

	// Spread the deduction oldest-expiring-first. ActiveAllocations already
	// orders expiring grants before never-expiring ones.
	var debits []sqlite.AllocationDebit
	remaining := credits
	for _, a := range allocs {
		if remaining == 0 {
			break
		}
		take := a.RemainingCredits
		if take > remaining {
			take = remaining
		}
		debits = append(debits, sqlite.AllocationDebit{AllocationID: a.ID, Amount: take})
		remaining -= take
	}

	if err := s.db.ApplyDebits(debits); err != nil {
		return fmt.Errorf("apply deduction: %w", err)
	}
	metrics.CreditsDeducted.Add(float64(credits))
	return nil
}

// ensureUserRow creates a minimal mirror row when the user has never been
// seen. Existing rows are left untouched — a grant must not clobber
// attributes the identity provider supplied.
func (s *Service) ensureUserRow(userID string) error {
	u, err := s.db.GetUser(userID)
	if err != nil {
		return err
	}
	if u != nil {
		return nil
	}
	return s.db.UpsertUser(domain.UserAccount{UserID: userID, Role: domain.RoleEndUser})
}
