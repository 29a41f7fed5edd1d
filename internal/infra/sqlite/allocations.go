package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tally-network/tallyd/internal/domain"
)

// ─── Credit Allocation Repository ───────────────────────────────────────────

// InsertAllocation creates a new credit allocation row.
func (d *DB) InsertAllocation(a domain.CreditAllocation) error {
	_, err := d.db.Exec(
		`INSERT INTO credit_allocations
			(id, user_id, total_credits, remaining_credits, allocated_by, created_at, expires_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.TotalCredits, a.RemainingCredits, a.AllocatedBy,
		a.CreatedAt.Unix(), nullableUnix(a.ExpiresAt), nullStr(a.Notes),
	)
	return err
}

// ActiveAllocations returns allocations that still contribute to Balance:
// remaining credits > 0 and not expired at the given instant. Ordered
// oldest-expiring-first so deduction drains soon-to-expire grants before
// never-expiring ones.
func (d *DB) ActiveAllocations(userID string, now time.Time) ([]domain.CreditAllocation, error) {
	rows, err := d.db.Query(
		`SELECT id, user_id, total_credits, remaining_credits, allocated_by, created_at, expires_at, notes
		 FROM credit_allocations
		 WHERE user_id = ? AND remaining_credits > 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY (expires_at IS NULL), expires_at ASC, created_at ASC, id ASC`,
		userID, now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []domain.CreditAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, *a)
	}
	return allocs, rows.Err()
}

// ListAllocations returns a user's allocations newest first, expired and
// spent rows included (they are retained for audit).
func (d *DB) ListAllocations(userID string, limit int) ([]domain.CreditAllocation, error) {
	rows, err := d.db.Query(
		`SELECT id, user_id, total_credits, remaining_credits, allocated_by, created_at, expires_at, notes
		 FROM credit_allocations WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []domain.CreditAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, *a)
	}
	return allocs, rows.Err()
}

// AllocationDebit is one leg of a deduction spread across allocations.
type AllocationDebit struct {
	AllocationID string
	Amount       int64
}

// ApplyDebits reduces remaining_credits across allocations in a single
// transaction. Each update is guarded so no allocation can go negative; if
// any row changed underneath the caller's read, the whole transaction rolls
// back with ErrConcurrencyConflict and nothing is mutated.
func (d *DB) ApplyDebits(debits []AllocationDebit) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin deduction: %w", err)
	}

	for _, debit := range debits {
		res, err := tx.Exec(
			`UPDATE credit_allocations
			 SET remaining_credits = remaining_credits - ?
			 WHERE id = ? AND remaining_credits >= ?`,
			debit.Amount, debit.AllocationID, debit.Amount,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("debit allocation %s: %w", debit.AllocationID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return err
		}
		if n == 0 {
			tx.Rollback()
			return domain.ErrConcurrencyConflict
		}
	}

	return tx.Commit()
}

func scanAllocation(s scanner) (*domain.CreditAllocation, error) {
	var a domain.CreditAllocation
	var createdAt int64
	var expiresAt sql.NullInt64
	var notes sql.NullString

	err := s.Scan(&a.ID, &a.UserID, &a.TotalCredits, &a.RemainingCredits,
		&a.AllocatedBy, &createdAt, &expiresAt, &notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan allocation: %w", err)
	}

	a.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		a.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	if notes.Valid {
		a.Notes = notes.String
	}
	return &a, nil
}
