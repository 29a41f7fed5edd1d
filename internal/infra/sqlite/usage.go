package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tally-network/tallyd/internal/domain"
)

// ─── Usage Record Repository ────────────────────────────────────────────────
// Append-only: there are deliberately no update or delete statements here.

// InsertUsageRecord appends a usage record. Metadata is stored as JSON text.
func (d *DB) InsertUsageRecord(r domain.UsageRecord) error {
	var meta sql.NullString
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode usage metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := d.db.Exec(
		`INSERT INTO usage_records (id, user_id, timestamp, service, operation, credits, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Timestamp.Unix(), r.Service, r.Operation, r.Credits, meta,
	)
	return err
}

// RecentUsage returns a user's usage records newest first.
func (d *DB) RecentUsage(userID string, limit int) ([]domain.UsageRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, user_id, timestamp, service, operation, credits, metadata
		 FROM usage_records WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// UsageStats aggregates the usage log by service, operation and day.
// Pure read computed from the log at query time; no rollup tables.
// userID empty means system-wide; zero From/To leave the range open.
func (d *DB) UsageStats(userID string, from, to time.Time) (*domain.UsageStats, error) {
	where := `WHERE 1=1`
	var args []any
	if userID != "" {
		where += ` AND user_id = ?`
		args = append(args, userID)
	}
	if !from.IsZero() {
		where += ` AND timestamp >= ?`
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		where += ` AND timestamp < ?`
		args = append(args, to.Unix())
	}

	stats := &domain.UsageStats{
		ByService:   make(map[string]int64),
		ByOperation: make(map[string]int64),
		ByDay:       make(map[string]int64),
	}

	err := d.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(credits), 0) FROM usage_records `+where, args...,
	).Scan(&stats.TotalRecords, &stats.TotalCredits)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	groups := []struct {
		key  string
		dest map[string]int64
	}{
		{`service`, stats.ByService},
		{`operation`, stats.ByOperation},
		{`date(timestamp, 'unixepoch')`, stats.ByDay},
	}
	for _, g := range groups {
		rows, err := d.db.Query(
			`SELECT `+g.key+`, SUM(credits) FROM usage_records `+where+` GROUP BY `+g.key, args...,
		)
		if err != nil {
			return nil, fmt.Errorf("usage group by %s: %w", g.key, err)
		}
		for rows.Next() {
			var key string
			var credits int64
			if err := rows.Scan(&key, &credits); err != nil {
				rows.Close()
				return nil, err
			}
			g.dest[key] = credits
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return stats, nil
}

func scanUsage(s scanner) (*domain.UsageRecord, error) {
	var r domain.UsageRecord
	var ts int64
	var meta sql.NullString

	err := s.Scan(&r.ID, &r.UserID, &ts, &r.Service, &r.Operation, &r.Credits, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage record: %w", err)
	}

	r.Timestamp = time.Unix(ts, 0)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode usage metadata: %w", err)
		}
	}
	return &r, nil
}
