// Package domain holds the pure types shared by all tallyd services.
// No infrastructure imports — storage and transport depend on domain,
// never the other way around.
package domain

import (
	"fmt"
	"time"
)

// Role is the flat role a verified caller carries.
type Role string

const (
	RoleEndUser    Role = "enduser"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a role string from an identity claim.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleEndUser, RoleSupervisor, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// CanAdminister reports whether the role may use the administration surface.
func (r Role) CanAdminister() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// UserAccount is the local mirror of an externally-authenticated subject.
// Created lazily on first contact; attributes refresh from the latest claim.
type UserAccount struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditAllocation is one grant of credits with its own expiry.
// Invariant: 0 <= RemainingCredits <= TotalCredits. Rows are never deleted;
// spent or expired allocations simply stop contributing to Balance.
type CreditAllocation struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TotalCredits     int64     `json:"total_credits"`
	RemainingCredits int64     `json:"remaining_credits"`
	AllocatedBy      string    `json:"allocated_by"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"` // zero = never expires
	Notes            string    `json:"notes,omitempty"`
}

// Expired reports whether the allocation is past its expiry at the given time.
func (a CreditAllocation) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !a.ExpiresAt.After(now)
}

// BalanceSummary is the result of a balance query.
type BalanceSummary struct {
	TotalCredits      int64 `json:"total_credits"`
	ActiveAllocations int   `json:"active_allocations"`
}

// SessionStatus is the streaming session lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinalized SessionStatus = "finalized"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionFinalized || s == SessionAborted
}

// StreamingSession is a provisional hold against Balance for an operation
// whose true cost is unknown at start. AllocatedCredits is computed once at
// creation and never changes; settlement reconciles it against actual usage.
type StreamingSession struct {
	SessionID           string        `json:"session_id"`
	UserID              string        `json:"user_id"`
	ModelID             string        `json:"model_id"`
	EstimatedTokens     int64         `json:"estimated_tokens"`
	AllocatedCredits    int64         `json:"allocated_credits"`
	Status              SessionStatus `json:"status"`
	NeedsReconciliation bool          `json:"needs_reconciliation,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	SettledAt           time.Time     `json:"settled_at,omitempty"`
}

// Settlement is the outcome of finalizing or aborting a session.
type Settlement struct {
	SessionID     string `json:"session_id"`
	ActualCredits int64  `json:"actual_credits"`
	Refund        int64  `json:"refund"`
}

// UsageRecord is an immutable fact about one completed billable operation.
type UsageRecord struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Operation string            `json:"operation"`
	Credits   int64             `json:"credits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UsageStats aggregates usage records over an optional time range.
type UsageStats struct {
	TotalCredits int64            `json:"total_credits"`
	TotalRecords int64            `json:"total_records"`
	ByService    map[string]int64 `json:"by_service"`
	ByOperation  map[string]int64 `json:"by_operation"`
	ByDay        map[string]int64 `json:"by_day"` // YYYY-MM-DD → credits
}
