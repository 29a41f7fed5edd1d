package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tally-network/tallyd/internal/domain"
)

// ─── Identity Mirror Repository ─────────────────────────────────────────────

// UpsertUser inserts or refreshes a user account record.
// created_at is preserved on conflict; everything else follows the claim.
func (d *DB) UpsertUser(acct domain.UserAccount) error {
	now := time.Now()
	_, err := d.db.Exec(
		`INSERT INTO users (user_id, username, email, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			username=excluded.username,
			email=excluded.email,
			role=excluded.role,
			updated_at=excluded.updated_at`,
		acct.UserID, acct.Username, acct.Email, string(acct.Role),
		now.Unix(), now.Unix(),
	)
	return err
}

// GetUser retrieves a user by opaque id. Returns nil, nil when absent.
func (d *DB) GetUser(userID string) (*domain.UserAccount, error) {
	row := d.db.QueryRow(
		`SELECT user_id, username, email, role, created_at, updated_at
		 FROM users WHERE user_id = ?`, userID,
	)
	return scanUser(row)
}

// FindUsersByEmail returns all accounts with the given email.
// The unique index keeps this to at most one row; more is a data fault
// the caller must surface.
func (d *DB) FindUsersByEmail(email string) ([]domain.UserAccount, error) {
	return d.findUsers(`SELECT user_id, username, email, role, created_at, updated_at
		 FROM users WHERE email = ?`, email)
}

// FindUsersByUsername returns all accounts with the given username.
func (d *DB) FindUsersByUsername(username string) ([]domain.UserAccount, error) {
	return d.findUsers(`SELECT user_id, username, email, role, created_at, updated_at
		 FROM users WHERE username = ?`, username)
}

func (d *DB) findUsers(query string, arg any) ([]domain.UserAccount, error) {
	rows, err := d.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserAccount
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func scanUser(s scanner) (*domain.UserAccount, error) {
	var u domain.UserAccount
	var role string
	var createdAt, updatedAt int64

	err := s.Scan(&u.UserID, &u.Username, &u.Email, &role, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Role = domain.Role(role)
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}
