package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tally-network/tallyd/internal/domain"
)

// ─── Streaming Session Repository ───────────────────────────────────────────

// InsertSession creates a new streaming session row.
func (d *DB) InsertSession(s domain.StreamingSession) error {
	_, err := d.db.Exec(
		`INSERT INTO streaming_sessions
			(session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.UserID, s.ModelID, s.EstimatedTokens, s.AllocatedCredits,
		string(s.Status), s.NeedsReconciliation, s.CreatedAt.Unix(), nullableUnix(s.SettledAt),
	)
	return err
}

// GetSession retrieves a session by id. Returns nil, nil when absent.
func (d *DB) GetSession(sessionID string) (*domain.StreamingSession, error) {
	row := d.db.QueryRow(
		`SELECT session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at
		 FROM streaming_sessions WHERE session_id = ?`, sessionID,
	)
	return scanSession(row)
}

// SettleSession moves an active session to a terminal status. The status
// guard in the WHERE clause makes settlement single-shot: a session already
// settled (by a racing finalize or abort) is left untouched and
// ErrSessionAlreadySettled is returned.
func (d *DB) SettleSession(sessionID string, status domain.SessionStatus, settledAt time.Time, needsReconciliation bool) error {
	res, err := d.db.Exec(
		`UPDATE streaming_sessions
		 SET status = ?, settled_at = ?, needs_reconciliation = ?
		 WHERE session_id = ? AND status = ?`,
		string(status), settledAt.Unix(), needsReconciliation,
		sessionID, string(domain.SessionActive),
	)
	if err != nil {
		return fmt.Errorf("settle session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionAlreadySettled
	}
	return nil
}

// MarkSessionReconciliation flags a settled session whose overrun charge
// was capped, so an out-of-band reconciliation process can pick it up.
func (d *DB) MarkSessionReconciliation(sessionID string) error {
	_, err := d.db.Exec(
		`UPDATE streaming_sessions SET needs_reconciliation = 1 WHERE session_id = ?`,
		sessionID,
	)
	return err
}

// ActiveSessionsByUser returns a user's active sessions, oldest first.
func (d *DB) ActiveSessionsByUser(userID string) ([]domain.StreamingSession, error) {
	return d.querySessions(
		`SELECT session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at
		 FROM streaming_sessions WHERE user_id = ? AND status = ?
		 ORDER BY created_at ASC`, userID, string(domain.SessionActive))
}

// AllActiveSessions returns every active session, oldest first.
func (d *DB) AllActiveSessions() ([]domain.StreamingSession, error) {
	return d.querySessions(
		`SELECT session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at
		 FROM streaming_sessions WHERE status = ?
		 ORDER BY created_at ASC`, string(domain.SessionActive))
}

// SessionsSince returns sessions created at or after the cutoff,
// any status, newest first.
func (d *DB) SessionsSince(cutoff time.Time) ([]domain.StreamingSession, error) {
	return d.querySessions(
		`SELECT session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at
		 FROM streaming_sessions WHERE created_at >= ?
		 ORDER BY created_at DESC`, cutoff.Unix())
}

// StaleActiveSessions returns active sessions created before the cutoff.
// Used by the housekeeping sweep to find abandoned holds.
func (d *DB) StaleActiveSessions(cutoff time.Time) ([]domain.StreamingSession, error) {
	return d.querySessions(
		`SELECT session_id, user_id, model_id, estimated_tokens, allocated_credits, status, needs_reconciliation, created_at, settled_at
		 FROM streaming_sessions WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC`, string(domain.SessionActive), cutoff.Unix())
}

func (d *DB) querySessions(query string, args ...any) ([]domain.StreamingSession, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.StreamingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(s scanner) (*domain.StreamingSession, error) {
	var sess domain.StreamingSession
	var status string
	var createdAt int64
	var settledAt sql.NullInt64

	err := s.Scan(&sess.SessionID, &sess.UserID, &sess.ModelID,
		&sess.EstimatedTokens, &sess.AllocatedCredits, &status,
		&sess.NeedsReconciliation, &createdAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	if settledAt.Valid {
		sess.SettledAt = time.Unix(settledAt.Int64, 0)
	}
	return &sess, nil
}
