// Package usage implements the append-only usage log. Records are facts:
// written once per completed billable operation, never mutated, and never
// consulted for balance computation — aggregation is their only consumer.
package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/metrics"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// Service is the usage recorder.
type Service struct {
	db *sqlite.DB
}

// NewService creates a usage recorder.
func NewService(db *sqlite.DB) *Service {
	return &Service{db: db}
}

// Record appends one usage record. Zero-cost operations are loggable;
// negative credits are a caller error.
func (s *Service) Record(userID, service, operation string, credits int64, metadata map[string]string) (*domain.UsageRecord, error) {
	if credits < 0 {
		return nil, fmt.Errorf("%w: usage credits %d", domain.ErrInvalidAmount, credits)
	}
	if userID == "" || service == "" {
		return nil, fmt.Errorf("usage record requires user and service")
	}

	rec := domain.UsageRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Timestamp: time.Now(),
		Service:   service,
		Operation: operation,
		Credits:   credits,
		Metadata:  metadata,
	}
	if err := s.db.InsertUsageRecord(rec); err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}
	metrics.UsageRecords.WithLabelValues(service).Inc()
	return &rec, nil
}

// StatsQuery scopes an aggregation. Empty UserID means system-wide
// (admin-only — enforced by the caller); zero From/To leave the range open.
type StatsQuery struct {
	UserID string
	From   time.Time
	To     time.Time
}

// Stats aggregates the log by service, operation, and day.
func (s *Service) Stats(q StatsQuery) (*domain.UsageStats, error) {
	return s.db.UsageStats(q.UserID, q.From, q.To)
}

// Recent returns a user's latest usage records.
func (s *Service) Recent(userID string, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.RecentUsage(userID, limit)
}
